package validator

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidURL      = errors.New("invalid URL format")
	ErrHTTPSRequired   = errors.New("HTTPS is required")
	ErrPrivateHost     = errors.New("private or loopback hosts are not allowed")
	ErrInvalidClientID = errors.New("client ID must be a UUID")
	ErrInvalidReminder = errors.New("reminder must be a non-negative number of minutes")
	ErrInvalidInitials = errors.New("initials are too long")
)

// MaxInitialsLength bounds the subject prefix.
const MaxInitialsLength = 16

// ValidateURL validates a URL string.
// If requireHTTPS is true, only HTTPS URLs are accepted.
func ValidateURL(rawURL string, requireHTTPS bool) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if requireHTTPS && parsed.Scheme != "https" {
		return ErrHTTPSRequired
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	return nil
}

// ValidateWebhookURL accepts HTTPS URLs whose host is not a loopback,
// private or link-local address.
func ValidateWebhookURL(rawURL string) error {
	if err := ValidateURL(rawURL, true); err != nil {
		return err
	}

	parsed, _ := url.Parse(rawURL)
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return ErrPrivateHost
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return ErrPrivateHost
	}
	return nil
}

// isPrivateIP checks if an IP address is private or reserved.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateClientID checks an application (client) ID.
func ValidateClientID(id string) error {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, id)
	}
	return nil
}

// ValidateReminder accepts nil or a non-negative minute count.
func ValidateReminder(minutes *int) error {
	if minutes != nil && *minutes < 0 {
		return ErrInvalidReminder
	}
	return nil
}

// ValidateInitials bounds the length of the subject prefix.
func ValidateInitials(initials string) error {
	if len([]rune(strings.TrimSpace(initials))) > MaxInitialsLength {
		return ErrInvalidInitials
	}
	return nil
}
