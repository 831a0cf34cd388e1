package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedURL is returned for webhook targets the server must not call.
var ErrBlockedURL = errors.New("url not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateWebhookURL checks that a parent-supplied callback URL is safe for
// server-side requests. The literal host and every resolved address must be
// public unicast.
func ValidateWebhookURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrBlockedURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedURL)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrBlockedURL, host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedURL)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedURL)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedURL)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedURL)
	}
	return nil
}
