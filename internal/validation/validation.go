// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxIDLength bounds child, parent and profile ids.
const MaxIDLength = 128

// idRegex allows the characters device clients use in account ids.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// IsValidID checks an account id.
func IsValidID(id string) bool {
	return len(id) <= MaxIDLength && idRegex.MatchString(id)
}

// SanitizeString trims whitespace, drops control characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		// back off to a rune boundary
		cut := maxLen
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidID checks an optional id field. Use Required for required fields.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidID(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be a valid id"}
	}
}

// IntRange checks lo <= value <= hi.
func IntRange(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: "out of range"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed ids in the named URL parameters.
// Parameters absent from the matched route are ignored.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": p + " must be a valid id",
				})
				return
			}
		}
		c.Next()
	}
}

// Abort writes a 400 with every validation failure.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}
