// Package ticksim serves simulated ticks over WebSocket in the JSON shape the
// feed ingests. It backs cmd/tickserver for running the pipeline without a
// market data vendor.
package ticksim

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"detection-engine/internal/model"
)

// Instrument is the simulation state of one symbol.
type Instrument struct {
	Symbol string
	Price  decimal.Decimal
}

// Hub fans encoded ticks out to connected clients. A slow client loses
// ticks rather than holding up the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	bufSize int
	log     zerolog.Logger

	upgrader websocket.Upgrader
}

// NewHub creates a Hub with a per-client buffer of bufSize frames.
func NewHub(bufSize int, log zerolog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		clients:  make(map[*websocket.Conn]chan []byte),
		bufSize:  bufSize,
		log:      log.With().Str("component", "ticksim").Logger(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (h *Hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, h.bufSize)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client without blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// ServeHTTP upgrades the request and pumps ticks to the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	h.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	ch := h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
		h.log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	// Reader detects client close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Generator random-walks instrument prices and broadcasts one tick per
// instrument each interval.
type Generator struct {
	hub         *Hub
	instruments []Instrument
	interval    time.Duration
	rng         *rand.Rand
	now         func() time.Time
}

// NewGenerator creates a Generator. seed fixes the walk for reproducible runs.
func NewGenerator(hub *Hub, instruments []Instrument, interval time.Duration, seed int64) *Generator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Generator{
		hub:         hub,
		instruments: instruments,
		interval:    interval,
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}
}

// Run broadcasts until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range g.Next() {
				b, err := json.Marshal(t)
				if err != nil {
					continue
				}
				g.hub.Broadcast(b)
			}
		}
	}
}

// Next advances every instrument one step and returns the resulting ticks.
func (g *Generator) Next() []model.Tick {
	ts := g.now().UTC()
	out := make([]model.Tick, 0, len(g.instruments))
	for i := range g.instruments {
		in := &g.instruments[i]
		in.Price = g.walk(in.Price)
		out = append(out, model.Tick{
			Symbol:    in.Symbol,
			Price:     in.Price,
			Size:      int64(g.rng.Intn(100) + 1),
			Timestamp: ts,
		})
	}
	return out
}

var (
	minPrice = decimal.New(1, -2)
	walkStep = decimal.New(1, -3)
)

// walk moves price by up to 0.1% either way, floored at one cent.
func (g *Generator) walk(price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat(g.rng.Float64()*2 - 1).Mul(walkStep)
	next := price.Add(price.Mul(pct)).Round(2)
	if next.LessThan(minPrice) {
		return minPrice
	}
	return next
}
