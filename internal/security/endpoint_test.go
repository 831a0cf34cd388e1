package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWebhookURL(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		url     string
		blocked bool
	}{
		{"https://93.184.216.34/hook", false},
		{"ftp://93.184.216.34/hook", true},
		{"https:///nohost", true},
		{"http://localhost:8080/hook", true},
		{"http://127.0.0.1/hook", true},
		{"http://10.0.0.5/hook", true},
		{"http://192.168.1.1/hook", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/hook", true},
		{"http://0.0.0.0/hook", true},
		{"://bad", true},
	}

	for _, tc := range tests {
		err := ValidateWebhookURL(ctx, tc.url)
		if tc.blocked {
			assert.ErrorIs(t, err, ErrBlockedURL, tc.url)
		} else {
			assert.NoError(t, err, tc.url)
		}
	}
}
