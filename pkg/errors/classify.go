package errors

import (
	"context"
	"errors"
	"strings"
)

// signature maps substrings of a raw failure message to a category and a
// remediation hint. Tables are evaluated in order; the first match wins, so
// more specific signatures come first. New failure modes are handled by adding
// rows, not by touching call sites.
type signature struct {
	substrings  []string
	category    Category
	code        int
	remediation string
}

func (s signature) matches(msg string) bool {
	for _, sub := range s.substrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// connectSignatures maps connect-time failures to user-facing remediation, in
// priority order.
var connectSignatures = []signature{
	{
		substrings:  []string{"404", "not found"},
		category:    CategoryConnection,
		code:        CodeConnectionFailed,
		remediation: "The endpoint does not expose the expected service at this URL. Check the path in the server configuration.",
	},
	{
		substrings:  []string{"403", "forbidden", "401", "unauthorized"},
		category:    CategoryConnection,
		code:        CodeConnectionFailed,
		remediation: "The endpoint rejected the connection. Check authentication credentials.",
	},
	{
		substrings:  []string{"429", "rate limit", "too many requests"},
		category:    CategoryConnection,
		code:        CodeConnectionFailed,
		remediation: "The endpoint is rate limiting connections. Wait before reconnecting.",
	},
	{
		substrings:  []string{"405", "method not allowed"},
		category:    CategoryConnection,
		code:        CodeConnectionFailed,
		remediation: "The endpoint refused this transport method. This is often transient; retry or switch transport.",
	},
	{
		substrings:  []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout"},
		category:    CategoryConnection,
		code:        CodeConnectionFailed,
		remediation: "The endpoint reported a server fault. Retry later or contact the server operator.",
	},
	{
		substrings:  []string{"timeout", "timed out", "deadline exceeded", "no such host", "dns", "connection refused", "network is unreachable"},
		category:    CategoryConnection,
		code:        CodeConnectionTimeout,
		remediation: "The endpoint is unreachable. Check the URL and that the server is running.",
	},
}

// toolSignatures identifies failures reported by the endpoint about the tool
// call itself. These never touch connection state.
var toolSignatures = []signature{
	{substrings: []string{"method not found"}, category: CategoryTool, code: CodeMethodNotFound},
	{substrings: []string{"tool not found", "unknown tool", "no such tool"}, category: CategoryTool, code: CodeToolNotFound},
	{substrings: []string{"invalid param", "invalid argument", "missing required", "invalid input"}, category: CategoryTool, code: CodeInvalidParams},
}

// connectionSignatures identifies transport-level failures during any
// operation.
var connectionSignatures = []signature{
	{substrings: []string{"connection refused", "connection reset", "connection closed", "broken pipe"}, category: CategoryConnection, code: CodeConnectionLost},
	{substrings: []string{"timeout", "timed out", "deadline exceeded"}, category: CategoryConnection, code: CodeConnectionTimeout},
	{substrings: []string{"no such host", "dns", "network is unreachable"}, category: CategoryConnection, code: CodeConnectionFailed},
	{substrings: []string{"bad gateway", "service unavailable", "gateway timeout", "internal server error"}, category: CategoryConnection, code: CodeConnectionFailed},
	{substrings: []string{"cors", "transport error", "not connected", "eof"}, category: CategoryConnection, code: CodeConnectionLost},
}

// Classify maps a raw failure onto the bridge taxonomy by matching its
// message, independent of any category already attached upstream. Tool
// signatures win over connection signatures; anything matching neither list is
// CategoryUnknown, deliberately not treated as a connection failure.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryConnection
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range toolSignatures {
		if sig.matches(msg) {
			return CategoryTool
		}
	}
	for _, sig := range connectionSignatures {
		if sig.matches(msg) {
			return CategoryConnection
		}
	}
	return CategoryUnknown
}

// ClassifyConnect wraps a connect-time failure with the remediation derived
// from the priority table. Unmatched failures still classify as connection
// errors: connect either worked or it did not.
func ClassifyConnect(err error) BridgeError {
	msg := strings.ToLower(err.Error())
	for _, sig := range connectSignatures {
		if sig.matches(msg) {
			wrapped := Wrap(err, sig.code, sig.category, "failed to connect to endpoint")
			return WithRemediation(wrapped, sig.remediation)
		}
	}
	wrapped := Wrap(err, CodeConnectionFailed, CategoryConnection, "failed to connect to endpoint")
	return WithRemediation(wrapped, "Connection failed. Check the endpoint URL and server logs.")
}
