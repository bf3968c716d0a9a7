// Package feed streams trade ticks from a JSON WebSocket source.
//
// The expected message format is one model.Tick per frame:
//
//	{"symbol":"AAPL","price":"189.42","size":100,"ts":"2024-01-02T15:04:05.123Z"}
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"detection-engine/internal/model"
)

// Config holds configuration for the tick feed.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest connects to a tick WebSocket and pushes decoded ticks into a
// channel. Feed loss never stops the pipeline; Ingest keeps reconnecting.
type Ingest struct {
	cfg Config
	log zerolog.Logger

	// Optional hooks
	OnConnect    func()
	OnDisconnect func(err error)
	OnTick       func(t model.Tick)
	OnDrop       func()
}

// New creates a new Ingest. Returns an error if the URL is unparseable.
func New(cfg Config, log zerolog.Logger) (*Ingest, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("feed url %q: scheme must be ws or wss", cfg.URL)
	}
	return &Ingest{cfg: cfg, log: log.With().Str("component", "feed").Logger()}, nil
}

// Start streams ticks into tickCh until ctx is cancelled, reconnecting with
// exponential backoff on disconnect. A full tickCh drops the tick.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := ing.runOnce(ctx, tickCh)
		if err == nil {
			return nil
		}
		if connected {
			delay = ing.cfg.ReconnectDelay
		}

		ing.log.Warn().Err(err).Dur("retry_in", delay).Msg("feed disconnected")
		if ing.OnDisconnect != nil {
			ing.OnDisconnect(err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. A nil error means ctx was cancelled.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ing.log.Info().Str("url", ing.cfg.URL).Msg("feed connected")
	if ing.OnConnect != nil {
		ing.OnConnect()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			ing.log.Warn().Err(err).Bytes("raw", raw).Msg("tick parse error")
			continue
		}
		if ing.OnTick != nil {
			ing.OnTick(tick)
		}

		select {
		case tickCh <- tick:
		default:
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
		}
	}
}
