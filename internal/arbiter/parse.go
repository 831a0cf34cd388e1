package arbiter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mbd888/aurawatch/internal/risk"
)

// Parse failures. ErrParse: no JSON object could be read. ErrValidation: an
// object was read but a required field is missing or of the wrong type.
var (
	ErrParse      = errors.New("unparseable verdict")
	ErrValidation = errors.New("invalid verdict")
)

const maxReasoningRunes = 160

// ParseVerdict extracts and validates a verdict from raw model output.
func ParseVerdict(raw string) (Verdict, error) {
	body, ok := extractObject(raw)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: no JSON object in response", ErrParse)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var v Verdict

	if err := decodeField(fields, "suspicious", &v.Suspicious); err != nil {
		return Verdict{}, err
	}
	if err := decodeField(fields, "confidence", &v.Confidence); err != nil {
		return Verdict{}, err
	}
	var severity string
	if err := decodeField(fields, "severity", &severity); err != nil {
		return Verdict{}, err
	}
	sev, err := risk.ParseSeverity(severity)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	v.Severity = sev

	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}

	var reasoning string
	if err := optionalField(fields, &reasoning, "reasoning"); err != nil {
		return Verdict{}, err
	}
	v.Reasoning = truncate(strings.TrimSpace(reasoning), maxReasoningRunes)

	var action string
	if err := optionalField(fields, &action, "trigger_action", "triggerAction"); err != nil {
		return Verdict{}, err
	}
	v.TriggerAction = parseAction(strings.ToLower(strings.TrimSpace(action)))

	return v, nil
}

// extractObject strips code fences and returns the outermost {...} span.
func extractObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func decodeField(fields map[string]json.RawMessage, name string, dst any) error {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return fmt.Errorf("%w: missing %q", ErrValidation, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %q has wrong type", ErrValidation, name)
	}
	return nil
}

// optionalField reads the first of names present. Absent and null are
// fine; any other non-string is a validation error.
func optionalField(fields map[string]json.RawMessage, dst *string, names ...string) error {
	for _, n := range names {
		raw, ok := fields[n]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: %q has wrong type", ErrValidation, n)
		}
		return nil
	}
	return nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
