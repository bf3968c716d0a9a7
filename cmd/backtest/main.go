// cmd/backtest replays recorded ticks through the detectors and the
// correlation engine in one process and prints the strongest pairs.
//
// Usage:
//
//	go run ./cmd/backtest --ticks=data/ticks.jsonl --speed=0 --top=20
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"detection-engine/config"
	"detection-engine/internal/api"
	"detection-engine/internal/correlation"
	"detection-engine/internal/correlator"
	"detection-engine/internal/detengine"
	"detection-engine/internal/distribution"
	"detection-engine/internal/logger"
	"detection-engine/internal/marketdata/replay"
	"detection-engine/internal/model"
	"detection-engine/internal/session"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	ticksPath := flag.String("ticks", "data/ticks.jsonl", "recorded ticks, one JSON object per line")
	speed := flag.Float64("speed", 0, "playback speed multiplier (0=max, 1=realtime)")
	top := flag.Int("top", 20, "number of pairs to print")
	minCoef := flag.Float64("min", 0, "minimum coefficient to print")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	cfg.Role = config.RoleAll
	cfg.Distribution.Transport = "memory"
	cfg.Correlation.SQLitePath = ""
	// Recorded ticks are in the past, so wall-clock driven idle flushes and
	// sweeps would close bars and evict buckets early. Only event time counts.
	cfg.Aggregator.IdleFlushInterval = 24 * time.Hour * 365
	cfg.Correlation.SweepInterval = 24 * time.Hour * 365

	l, err := logger.Init("backtest", cfg.Log.Level, "console")
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}

	f, err := os.Open(*ticksPath)
	if err != nil {
		l.Fatal().Err(err).Msg("open ticks")
	}
	defer f.Close()

	reg, err := detengine.BuildRegistry(cfg.Detectors)
	if err != nil {
		l.Fatal().Err(err).Msg("detectors")
	}
	marketCal, err := session.New(cfg.Aggregator.Session.Location, cfg.Aggregator.Session.DayStart)
	if err != nil {
		l.Fatal().Err(err).Msg("aggregator session")
	}
	corrCal, err := session.New(cfg.Correlation.Session.Location, cfg.Correlation.Session.DayStart)
	if err != nil {
		l.Fatal().Err(err).Msg("correlation session")
	}

	ch := distribution.NewMemory(cfg.Distribution.SubscriberBuffer)
	defer ch.Close()

	det, err := detengine.New(cfg, reg, ch, marketCal, nil, nil, l)
	if err != nil {
		l.Fatal().Err(err).Msg("detection engine")
	}
	corr, err := correlator.New(cfg, ch, nil, corrCal, nil, nil, l)
	if err != nil {
		l.Fatal().Err(err).Msg("correlator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	corrCtx, stopCorr := context.WithCancel(context.Background())
	corrDone := make(chan struct{})
	go func() {
		defer close(corrDone)
		if err := corr.Run(corrCtx); err != nil {
			l.Error().Err(err).Msg("correlator")
		}
	}()
	for ch.Subscribers(cfg.Distribution.Topics.Patterns) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	tickCh := make(chan model.Tick, cfg.Feed.BufferSize)
	go func() {
		n, err := replay.New(f, *speed, l).Run(ctx, tickCh)
		if err != nil {
			l.Error().Err(err).Int("sent", n).Msg("replay stopped")
		}
		close(tickCh)
	}()

	start := time.Now()
	det.Consume(ctx, tickCh)
	stopCorr()
	<-corrDone

	l.Info().Dur("took", time.Since(start)).Msg("backtest complete")

	pairs := corr.Engine().TopCorrelations(*top, *minCoef)
	if pairs == nil {
		pairs = []correlation.PairStat{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.TopResponse{Pairs: pairs}); err != nil {
		l.Fatal().Err(err).Msg("write result")
	}
}
