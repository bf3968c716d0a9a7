// Command tickserver broadcasts simulated ticks over WebSocket for running
// the detection engine without a market data vendor.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default "AAPL:190,MSFT:410")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default 100)
//	TICK_SEED         random walk seed (default: current time)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"detection-engine/internal/logger"
	"detection-engine/internal/marketdata/ticksim"
)

func main() {
	log, err := logger.Init("tickserver", envOrDefault("LOG_LEVEL", "info"), "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 100)) * time.Millisecond
	seed := int64(envIntOrDefault("TICK_SEED", int(time.Now().UnixNano())))

	instruments, err := parseInstruments(envOrDefault("TICK_SYMBOLS", "AAPL:190,MSFT:410"))
	if err != nil {
		log.Fatal().Err(err).Msg("bad TICK_SYMBOLS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ticksim.NewHub(256, log)
	go ticksim.NewGenerator(hub, instruments, interval, seed).Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", addr).Int("symbols", len(instruments)).Dur("interval", interval).Msg("tick server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func parseInstruments(s string) ([]ticksim.Instrument, error) {
	var out []ticksim.Instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			return nil, fmt.Errorf("symbol spec %q: want SYMBOL:PRICE", part)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("symbol spec %q: bad price", part)
		}
		out = append(out, ticksim.Instrument{Symbol: strings.TrimSpace(seg[0]), Price: price})
	}
	if len(out) == 0 {
		return nil, errors.New("no symbols configured")
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
