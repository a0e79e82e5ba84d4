package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyToolErrors(t *testing.T) {
	cases := []string{
		"Method not found: tools/call",
		"tool not found: summarize",
		"unknown tool requested",
		"invalid params: missing required field 'query'",
		"invalid argument: args must be an object",
	}
	for _, msg := range cases {
		t.Run(msg, func(t *testing.T) {
			assert.Equal(t, CategoryTool, Classify(errors.New(msg)))
		})
	}
}

func TestClassifyConnectionErrors(t *testing.T) {
	cases := []string{
		"dial tcp 127.0.0.1:9000: connection refused",
		"request timed out after 30s",
		"lookup mcp.internal: no such host",
		"502 Bad Gateway",
		"unexpected EOF",
		"transport error: not connected",
	}
	for _, msg := range cases {
		t.Run(msg, func(t *testing.T) {
			assert.Equal(t, CategoryConnection, Classify(errors.New(msg)))
		})
	}
}

func TestClassifyAmbiguousIsUnknown(t *testing.T) {
	// Ambiguous failures must not flip connection state.
	cases := []string{
		"something odd happened",
		"result payload truncated",
		"unexpected token in response",
	}
	for _, msg := range cases {
		t.Run(msg, func(t *testing.T) {
			assert.Equal(t, CategoryUnknown, Classify(errors.New(msg)))
		})
	}
}

func TestClassifyToolWinsOverConnection(t *testing.T) {
	// A tool signature anywhere in the message takes priority so endpoint
	// errors that happen to mention transport terms stay tool errors.
	err := errors.New("tool not found: fetch (upstream transport error)")
	assert.Equal(t, CategoryTool, Classify(err))
}

func TestClassifyContextDeadline(t *testing.T) {
	err := fmt.Errorf("call: %w", context.DeadlineExceeded)
	assert.Equal(t, CategoryConnection, Classify(err))
}

func TestClassifyConnectRemediation(t *testing.T) {
	cases := []struct {
		msg         string
		wantHint    string
		wantCode    int
	}{
		{"server returned 404 Not Found", "does not expose the expected service", CodeConnectionFailed},
		{"403 Forbidden", "authentication", CodeConnectionFailed},
		{"429 too many requests", "rate limiting", CodeConnectionFailed},
		{"405 Method Not Allowed", "transient", CodeConnectionFailed},
		{"503 Service Unavailable", "server fault", CodeConnectionFailed},
		{"dial tcp: lookup bad.host: no such host", "unreachable", CodeConnectionTimeout},
		{"weird unclassifiable failure", "Check the endpoint URL", CodeConnectionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			be := ClassifyConnect(errors.New(tc.msg))
			assert.Equal(t, CategoryConnection, be.Category())
			assert.Equal(t, tc.wantCode, be.Code())
			assert.Contains(t, be.Remediation(), tc.wantHint)
		})
	}
}

func TestClassifyConnectPriorityOrder(t *testing.T) {
	// "404" outranks the generic timeout signature when both appear.
	be := ClassifyConnect(errors.New("404 not found after connect timeout"))
	assert.Contains(t, be.Remediation(), "does not expose the expected service")
}

func TestBridgeErrorChain(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	be := Wrap(cause, CodeConnectionFailed, CategoryConnection, "connect failed")

	require.ErrorIs(t, be, cause)
	assert.Equal(t, CategoryConnection, CategoryOf(be))
	assert.True(t, IsCode(be, CodeConnectionFailed))
	assert.Contains(t, be.Error(), "connect failed")
	assert.Contains(t, be.Error(), "connection refused")
}

func TestCategoryOfPlainError(t *testing.T) {
	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("plain")))
}

func TestWithRemediationKeepsIdentity(t *testing.T) {
	be := New(CodeToolNotFound, CategoryTool, "tool not found")
	hinted := WithRemediation(be, "Refresh the tool list.")

	assert.Equal(t, be.Code(), hinted.Code())
	assert.Equal(t, be.Category(), hinted.Category())
	assert.Equal(t, "Refresh the tool list.", hinted.Remediation())
	assert.Empty(t, be.Remediation())
}
