package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftwatch/killwatch/internal/domain/event"
)

func TestDecodeFrame(t *testing.T) {
	frame := []byte(`{
		"killmail_id": 12345,
		"killmail_time": "2026-08-30T18:04:00Z",
		"solar_system_id": 30000142,
		"victim": {"character_id": 98765},
		"attackers": [{"character_id": 11111, "final_blow": true}],
		"zkb": {"hash": "abc123def", "totalValue": 10000000.5}
	}`)

	raw, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), raw.KillmailID)
	assert.Equal(t, int64(30000142), raw.SolarSystemID)
	assert.Equal(t, "abc123def", raw.Meta.Hash)
	assert.Equal(t, 10000000.5, raw.Meta.TotalValue)
	assert.Len(t, raw.Attackers, 1)
	assert.False(t, raw.ReceivedAt.IsZero())
}

func TestDecodeFrameMalformedJSON(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"killmail_id": `))
	require.Error(t, err)
}

func TestDecodeFrameNotAKillEvent(t *testing.T) {
	// Status frames from the feed carry none of the kill fields.
	_, err := DecodeFrame([]byte(`{"action":"pong"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a kill event")
}

func TestBackoffDelayCeiling(t *testing.T) {
	l := New("ws://example", "killstream", nil, slog.Default(),
		WithBackoff(time.Second, 30*time.Second),
	)
	// Pin the jitter draw to its maximum so delays equal the ceiling.
	l.randFn = func() float64 { return 1.0 }

	assert.Equal(t, time.Second, l.backoffDelay(1))
	assert.Equal(t, 2*time.Second, l.backoffDelay(2))
	assert.Equal(t, 4*time.Second, l.backoffDelay(3))
	assert.Equal(t, 16*time.Second, l.backoffDelay(5))
	// Capped from attempt 6 on.
	assert.Equal(t, 30*time.Second, l.backoffDelay(6))
	assert.Equal(t, 30*time.Second, l.backoffDelay(20))
}

func TestBackoffDelayJitterRange(t *testing.T) {
	l := New("ws://example", "killstream", nil, slog.Default(),
		WithBackoff(time.Second, 30*time.Second),
	)
	l.randFn = func() float64 { return 0.5 }

	assert.Equal(t, 2*time.Second, l.backoffDelay(3))

	l.randFn = func() float64 { return 0 }
	assert.Equal(t, time.Duration(0), l.backoffDelay(10))
}

// feedServer upgrades one websocket connection, records the subscribe
// frame, and serves the scripted messages.
func feedServer(t *testing.T, messages []string) (*httptest.Server, *sync.Map) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	state := &sync.Map{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if auth := r.Header.Get("Authorization"); auth != "" {
			state.Store("auth", auth)
		}

		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		state.Store("subscribe", sub)

		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, state
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestListenerSubscribesAndEmitsEvents(t *testing.T) {
	kill := `{"killmail_id": 777, "solar_system_id": 30000142, "victim": {"character_id": 1}, "zkb": {"hash": "h"}}`
	srv, state := feedServer(t, []string{
		`{"action":"status"}`, // malformed as a kill event, dropped
		kill,
	})

	out := make(chan event.RawKillEvent, 4)
	var connected sync.WaitGroup
	connected.Add(1)
	l := New(wsURL(srv), "killstream", out, slog.Default(),
		WithAuthToken("token123"),
		WithStateFunc(func(s ConnState) {
			if s == StateConnected {
				connected.Done()
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	select {
	case raw := <-out:
		assert.Equal(t, int64(777), raw.KillmailID)
		assert.Equal(t, int64(30000142), raw.SolarSystemID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received from listener")
	}

	connected.Wait()

	sub, ok := state.Load("subscribe")
	require.True(t, ok)
	assert.Equal(t, subscribeFrame{Action: "sub", Channel: "killstream"}, sub)

	auth, ok := state.Load("auth")
	require.True(t, ok)
	assert.Equal(t, "Bearer token123", auth)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on cancellation")
	}
}

func TestListenerReconnectsAfterServerClose(t *testing.T) {
	kill := `{"killmail_id": 888, "solar_system_id": 30002187, "victim": {"character_id": 2}, "zkb": {"hash": "h2"}}`
	upgrader := websocket.Upgrader{}

	var conns sync.WaitGroup
	conns.Add(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Done()
		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			conn.Close()
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(kill))
		// Drop the connection to force a reconnect.
		conn.Close()
	}))
	defer srv.Close()

	out := make(chan event.RawKillEvent, 8)
	l := New(wsURL(srv), "killstream", out, slog.Default(),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	waitCh := make(chan struct{})
	go func() {
		conns.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
		t.Fatal("listener did not reconnect")
	}
}

func TestListenerRunReturnsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := New("ws://127.0.0.1:1", "killstream", nil, slog.Default())
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeFrameShape(t *testing.T) {
	data, err := json.Marshal(subscribeFrame{Action: "sub", Channel: "killstream"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"sub","channel":"killstream"}`, string(data))
}
