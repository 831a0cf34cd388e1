// Package notify delivers short text messages to a parent's phone.
//
// Delivery is best-effort: Send reports success as a bool and never returns
// an error, failures are logged and counted.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/aurawatch/internal/retry"
)

var sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "aurawatch",
	Subsystem: "notify",
	Name:      "sends_total",
	Help:      "Outbound notifications by provider and result.",
}, []string{"provider", "result"})

func init() {
	prometheus.MustRegister(sendsTotal)
}

// maxBodyRunes keeps a message within two SMS segments.
const maxBodyRunes = 300

// SMSConfig configures a Twilio-compatible messages API.
type SMSConfig struct {
	BaseURL    string // e.g. https://api.twilio.com/2010-04-01
	AccountSID string
	AuthToken  string
	From       string
}

// Enabled reports whether every field is set.
func (c SMSConfig) Enabled() bool {
	return c.BaseURL != "" && c.AccountSID != "" && c.AuthToken != "" && c.From != ""
}

// SMS sends messages through a form-encoded REST API with basic auth.
type SMS struct {
	cfg    SMSConfig
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
}

// NewSMS creates an SMS notifier.
func NewSMS(cfg SMSConfig, logger *slog.Logger) *SMS {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SMS{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: retry.DefaultPolicy(),
		logger: logger,
	}
}

// WithRetryPolicy overrides the retry policy.
func (s *SMS) WithRetryPolicy(p retry.Policy) *SMS {
	s.policy = p
	return s
}

// Send delivers message to phone. It returns true on a 2xx answer.
func (s *SMS) Send(ctx context.Context, phone, message string) bool {
	if phone == "" {
		return false
	}
	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", s.cfg.From)
	form.Set("Body", clip(message))
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.cfg.BaseURL, url.PathEscape(s.cfg.AccountSID))

	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("sms provider returned %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("sms provider rejected message: %d", resp.StatusCode))
		}
	})
	if err != nil {
		sendsTotal.WithLabelValues("sms", "failed").Inc()
		s.logger.Warn("sms delivery failed", "to", maskPhone(phone), "error", err)
		return false
	}
	sendsTotal.WithLabelValues("sms", "sent").Inc()
	s.logger.Info("sms delivered", "to", maskPhone(phone))
	return true
}

// Log only logs messages. It is wired when no SMS provider is configured and
// reports failure, so alerts are never marked as notified.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log-only notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Send logs the message and returns false.
func (l *Log) Send(_ context.Context, phone, message string) bool {
	sendsTotal.WithLabelValues("log", "skipped").Inc()
	l.logger.Info("notification not delivered: no SMS provider configured",
		"to", maskPhone(phone), "message", clip(message))
	return false
}

func clip(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= maxBodyRunes {
		return string(r)
	}
	return string(r[:maxBodyRunes-1]) + "…"
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}
