package completion

import (
	"net"
	"net/url"
	"strings"

	errs "github.com/vinayprograms/brokerkit/errors"
)

// Format bounds for endpoint and model identifiers.
const (
	maxEndpointLen = 2048
	maxModelLen    = 256
)

// ValidateEndpoint checks an endpoint URL's format: http or https only,
// https required for non-local hosts, no embedded credentials, bounded
// length. It never performs network I/O.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return errs.Validation("endpoint is required")
	}
	if len(endpoint) > maxEndpointLen {
		return errs.Validation("endpoint exceeds maximum length")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return errs.Validation("endpoint is not a valid URL", errs.WithCause(err))
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !isLocalHost(u.Hostname()) {
			return errs.Validation("plain http is only allowed for local endpoints")
		}
	default:
		return errs.Validation("endpoint scheme must be http or https")
	}

	if u.Host == "" {
		return errs.Validation("endpoint has no host")
	}
	if u.User != nil {
		return errs.Validation("endpoint must not embed credentials")
	}

	return nil
}

// isLocalHost reports whether a hostname refers to the local machine.
func isLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateModel checks a model identifier's format: non-empty, bounded
// length, and restricted to a safe character set.
func ValidateModel(model string) error {
	if model == "" {
		return errs.Validation("model is required")
	}
	if len(model) > maxModelLen {
		return errs.Validation("model exceeds maximum length")
	}

	for _, r := range model {
		if !isModelRune(r) {
			return errs.Validation("model contains invalid characters")
		}
	}
	return nil
}

// isModelRune permits the characters seen in real model identifiers:
// alphanumerics plus ".", "-", "_", ":" and "/".
func isModelRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_' || r == ':' || r == '/':
		return true
	}
	return false
}
