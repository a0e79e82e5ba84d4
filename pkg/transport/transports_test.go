package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

func TestReadEventStream(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"data: first",
		"",
		"event: endpoint",
		"data: /messages",
		"",
		"data: line one",
		"data: line two",
		"",
	}, "\n")

	var events []serverEvent
	err := readEventStream(strings.NewReader(stream), 0, func(ev serverEvent) bool {
		events = append(events, ev)
		return true
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, serverEvent{data: "first"}, events[0])
	assert.Equal(t, serverEvent{name: "endpoint", data: "/messages"}, events[1])
	assert.Equal(t, "line one\nline two", events[2].data)
}

func TestReadEventStreamStopsWhenEmitReturnsFalse(t *testing.T) {
	stream := "data: one\n\ndata: two\n\n"
	var seen []string
	err := readEventStream(strings.NewReader(stream), 0, func(ev serverEvent) bool {
		seen = append(seen, ev.data)
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, seen)
}

func TestStreamableHandlesUpgradedResponse(t *testing.T) {
	// The server answers the POST with an SSE stream: first a notification,
	// then the response. Both must be handled from the same body.
	var notified syncString
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		notif, err := protocol.NewNotification(protocol.MethodToolsChanged, nil)
		require.NoError(t, err)
		notifJSON, err := json.Marshal(notif)
		require.NoError(t, err)

		resp, err := protocol.NewResponse(req.ID, map[string]string{"ok": "yes"})
		require.NoError(t, err)
		respJSON, err := json.Marshal(resp)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\ndata: %s\n\n", notifJSON, respJSON)
	}))
	defer server.Close()

	tr := NewStreamableTransport(DefaultConfig(server.URL))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close(context.Background())

	tr.SetNotificationHandler(func(method string, params json.RawMessage) {
		notified.store(method)
	})

	result, err := tr.SendRequest(context.Background(), "tools/call", nil)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "yes", decoded["ok"])
	assert.Equal(t, protocol.MethodToolsChanged, notified.load())
}

func TestStreamableCapturesSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			// Ignore the best-effort session-teardown DELETE from Close.
			return
		}
		assertSession := r.Header.Get(sessionHeader)
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set(sessionHeader, "sess-42")
		resp, err := protocol.NewResponse(req.ID, map[string]string{"echo": assertSession})
		require.NoError(t, err)
		writeJSON(w, resp)
	}))
	defer server.Close()

	tr := NewStreamableTransport(DefaultConfig(server.URL))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close(context.Background())

	_, err := tr.SendRequest(context.Background(), "initialize", nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", tr.SessionID())

	// Second request carries the captured session id.
	result, err := tr.SendRequest(context.Background(), "ping", nil)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "sess-42", decoded["echo"])
}

func TestSSETransportReceivesResponseOverStream(t *testing.T) {
	// Responses are delivered on the events stream, not inline: the POST is
	// acknowledged with 202 and the response arrives as an SSE event.
	responses := make(chan []byte, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case data := <-responses:
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp, err := protocol.NewResponse(req.ID, map[string]string{"via": "stream"})
		require.NoError(t, err)
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		responses <- data
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewSSETransport(DefaultConfig(server.URL))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close(context.Background())

	result, err := tr.SendRequest(context.Background(), "tools/call", nil)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "stream", decoded["via"])
}

func TestSSETransportRequestTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Accept the request but never answer on the stream.
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	cfg.RequestTimeout = 100 * time.Millisecond
	tr := NewSSETransport(cfg)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close(context.Background())

	_, err := tr.SendRequest(context.Background(), "tools/call", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSSEConnectRejectedWhenStreamMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	tr := NewSSETransport(DefaultConfig(server.URL))
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

// syncString is a tiny helper for observing a string write from another
// goroutine without a race.
type syncString struct {
	mu sync.Mutex
	v  string
}

func (a *syncString) store(v string) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *syncString) load() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
