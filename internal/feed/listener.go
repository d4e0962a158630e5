// Package feed owns the single persistent websocket connection to the
// kill feed and turns inbound frames into raw kill events.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/riftwatch/killwatch/internal/domain/event"
	"github.com/riftwatch/killwatch/internal/metrics"
)

const (
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
	writeTimeout          = 10 * time.Second

	// readDeadlineSlack is added to the ping interval; a connection that
	// produces neither frames nor pongs within this window is stalled.
	readDeadlineSlack = 15 * time.Second
)

// ConnState reports listener connectivity transitions.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// subscribeFrame is sent once after each successful connect.
type subscribeFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Listener maintains the feed connection and emits RawKillEvents on the
// out channel. Reconnects run forever with jittered exponential backoff;
// only context cancellation stops the listener.
type Listener struct {
	url            string
	channel        string
	authToken      string
	out            chan<- event.RawKillEvent
	logger         *slog.Logger
	backoffInitial time.Duration
	backoffMax     time.Duration
	pingInterval   time.Duration
	stateFn        func(ConnState)

	dialFn func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
	randFn func() float64
}

type Option func(*Listener)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Listener) {
		if initial > 0 {
			l.backoffInitial = initial
		}
		if max > 0 {
			l.backoffMax = max
		}
	}
}

// WithPingInterval overrides the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.pingInterval = d
		}
	}
}

// WithStateFunc registers a callback for connectivity transitions.
func WithStateFunc(fn func(ConnState)) Option {
	return func(l *Listener) {
		l.stateFn = fn
	}
}

// WithAuthToken sets the bearer token sent on the connect handshake.
func WithAuthToken(token string) Option {
	return func(l *Listener) {
		l.authToken = token
	}
}

func New(url, channel string, out chan<- event.RawKillEvent, logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		url:            url,
		channel:        channel,
		out:            out,
		logger:         logger.With("component", "feed"),
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		pingInterval:   defaultPingInterval,
		randFn:         rand.Float64,
	}
	l.dialFn = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		return conn, err
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Run connects and consumes the feed until ctx is cancelled. Every exit
// path other than cancellation feeds the backoff loop; the listener never
// returns a connection error to its supervisor.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := l.backoffDelay(attempt)
		metrics.FeedReconnects.Inc()
		l.logger.Warn("feed disconnected; reconnecting",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) connectAndConsume(ctx context.Context) error {
	header := http.Header{}
	if l.authToken != "" {
		header.Set("Authorization", "Bearer "+l.authToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, err := l.dialFn(dialCtx, l.url, header)
	cancel()
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	sub := subscribeFrame{Action: "sub", Channel: l.channel}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}

	l.setState(StateConnected)
	defer l.setState(StateDisconnected)
	l.logger.Info("feed connected", "url", l.url, "channel", l.channel)

	readDeadline := l.pingInterval + readDeadlineSlack
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	// Keepalive pings and context cancellation both run beside the
	// blocking read loop; closing the connection unblocks it.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(l.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		if msgType != websocket.TextMessage {
			continue
		}

		metrics.FeedFramesReceived.Inc()
		raw, err := DecodeFrame(data)
		if err != nil {
			metrics.FeedFramesDropped.Inc()
			l.logger.Warn("malformed frame dropped", "error", err)
			continue
		}

		select {
		case l.out <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DecodeFrame parses one feed frame into a RawKillEvent. Structural JSON
// errors and frames without a killmail id are malformed; semantic checks
// beyond that belong to the validator.
func DecodeFrame(data []byte) (event.RawKillEvent, error) {
	var raw event.RawKillEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return event.RawKillEvent{}, fmt.Errorf("decode frame: %w", err)
	}
	if raw.KillmailID == 0 && raw.SolarSystemID == 0 && len(raw.Victim) == 0 {
		return event.RawKillEvent{}, fmt.Errorf("decode frame: not a kill event")
	}
	raw.ReceivedAt = time.Now().UTC()
	return raw, nil
}

// backoffDelay computes full-jitter exponential backoff: a uniform draw
// from [0, min(cap, initial*2^(attempt-1))].
func (l *Listener) backoffDelay(attempt int) time.Duration {
	ceiling := l.backoffInitial
	for i := 1; i < attempt; i++ {
		if ceiling >= l.backoffMax/2 {
			ceiling = l.backoffMax
			break
		}
		ceiling *= 2
	}
	if ceiling > l.backoffMax {
		ceiling = l.backoffMax
	}
	return time.Duration(l.randFn() * float64(ceiling))
}

func (l *Listener) setState(state ConnState) {
	if state == StateConnected {
		metrics.FeedConnected.Set(1)
	} else {
		metrics.FeedConnected.Set(0)
	}
	if l.stateFn != nil {
		l.stateFn(state)
	}
}
