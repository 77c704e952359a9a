package upstream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrServerNotConnected is returned by Fleet.CallTool when the named server
// has no live session.
var ErrServerNotConnected = errors.New("server not connected")

// ErrUnauthorized marks an HTTP connection rejected with an OAuth challenge.
// It is surfaced once from ConnectAll so the operator can run the auth flow;
// the fleet never retries it on its own.
var ErrUnauthorized = errors.New("unauthorized")

// NotConnectedError builds the per-call error record text for a missing
// server, matching what the invoke handler reports downstream.
func NotConnectedError(server string) error {
	return fmt.Errorf("Server '%s' not found: %w", server, ErrServerNotConnected)
}

func unauthorizedError(server string, err error) error {
	return fmt.Errorf("server %q rejected the connection (%v): %w; run the authorization flow for this server and retry", server, err, ErrUnauthorized)
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized")
}

func isMethodUnavailable(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") {
		return true
	}
	return strings.Contains(lower, strings.ToLower(method)) && strings.Contains(lower, "unknown")
}
