// Package correlator hosts the correlation half of the pipeline. It taps the
// distribution channel, feeds the correlation engine and checkpoints the
// engine state to a snapshot store.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"detection-engine/config"
	"detection-engine/internal/correlation"
	"detection-engine/internal/distribution"
	"detection-engine/internal/metrics"
	"detection-engine/internal/session"
)

// SnapshotStore persists engine snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *correlation.Snapshot) error
	LoadSnapshot(ctx context.Context) (*correlation.Snapshot, error)
}

// Service runs the correlation engine.
type Service struct {
	log   zerolog.Logger
	eng   *correlation.Engine
	tap   *correlation.Tap
	store SnapshotStore

	snapshotInterval time.Duration
	shutdownTimeout  time.Duration

	prom   *metrics.Metrics
	health *metrics.HealthStatus
}

// New builds the engine and its tap. store may be nil, in which case state
// lives only in memory.
func New(cfg *config.Config, sub distribution.Subscriber, store SnapshotStore, cal *session.Calendar,
	prom *metrics.Metrics, health *metrics.HealthStatus, log zerolog.Logger) (*Service, error) {

	win, err := correlation.NewWindow(cfg.Correlation.Mode, cfg.Correlation.CoWindow, cal)
	if err != nil {
		return nil, err
	}
	eng := correlation.New(correlation.Config{
		Window:        win,
		BucketSize:    cfg.Correlation.BucketSize,
		Retention:     cfg.Correlation.Retention,
		QueueSize:     cfg.Correlation.QueueSize,
		SweepInterval: cfg.Correlation.SweepInterval,
	}, log)
	topics := distribution.Topics{
		Patterns:   cfg.Distribution.Topics.Patterns,
		Indicators: cfg.Distribution.Topics.Indicators,
	}

	svc := &Service{
		log:              log.With().Str("component", "correlator").Logger(),
		eng:              eng,
		tap:              correlation.NewTap(sub, topics, eng, log),
		store:            store,
		snapshotInterval: cfg.Correlation.SnapshotInterval,
		shutdownTimeout:  cfg.HTTP.ShutdownTimeout,
		prom:             prom,
		health:           health,
	}
	svc.instrument()
	return svc, nil
}

// Engine exposes the engine for queries.
func (svc *Service) Engine() *correlation.Engine {
	return svc.eng
}

func (svc *Service) instrument() {
	prom := svc.prom
	if prom == nil {
		return
	}
	svc.eng.OnApplied = func(int) { prom.CorrelationEvents.Inc() }
	svc.eng.OnDropped = func(reason string) { prom.CorrelationDropped.WithLabelValues(reason).Inc() }
	svc.eng.OnEvicted = func(n int) { prom.BucketsEvicted.Add(float64(n)) }
	svc.tap.OnGap = func(topic string, missing uint64) {
		prom.SequenceGaps.WithLabelValues(topic).Add(float64(missing))
	}
	svc.tap.OnDecodeError = func(string, error) {
		prom.CorrelationDropped.WithLabelValues(correlation.DropInvalid).Inc()
	}
}

// Run restores the last snapshot, then consumes detections until ctx is
// cancelled. A final snapshot is written on the way out.
func (svc *Service) Run(ctx context.Context) error {
	if err := svc.restore(ctx); err != nil {
		return err
	}

	// The engine stops after the tap so delivered batches are applied.
	engCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.eng.Run(engCtx)
	}()

	tapErr := make(chan error, 1)
	go func() {
		tapErr <- svc.tap.Run(ctx)
	}()

	ticker := time.NewTicker(svc.snapshotInterval)
	defer ticker.Stop()

	svc.log.Info().Dur("snapshot_interval", svc.snapshotInterval).Msg("correlator running")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-tapErr:
			if err != nil {
				runErr = err
				break loop
			}
			// Subscription ended without error; keep serving queries.
			svc.log.Warn().Msg("distribution subscription closed")
			tapErr = nil
		case <-ticker.C:
			svc.checkpoint(ctx)
		}
	}

	if tapErr != nil && runErr == nil {
		<-tapErr
	}
	stopEngine()
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), svc.shutdownTimeout)
	defer cancel()
	svc.checkpoint(sctx)
	svc.log.Info().Msg("correlator stopped")
	return runErr
}

// restore loads the stored snapshot. An incompatible snapshot is discarded
// and counting starts over.
func (svc *Service) restore(ctx context.Context) error {
	if svc.store == nil {
		return nil
	}
	snap, err := svc.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		svc.log.Info().Msg("no snapshot, starting empty")
		return nil
	}
	if err := svc.eng.Restore(snap); err != nil {
		if errors.Is(err, correlation.ErrIncompatibleSnapshot) {
			svc.log.Warn().Err(err).Msg("discarding snapshot")
			return nil
		}
		return err
	}
	buckets, pairs := svc.eng.Stats()
	svc.log.Info().Time("watermark", snap.Watermark).Int("buckets", buckets).Int("pairs", pairs).Msg("snapshot restored")
	return nil
}

// checkpoint writes a snapshot and refreshes gauges.
func (svc *Service) checkpoint(ctx context.Context) {
	_, pairs := svc.eng.Stats()
	if svc.prom != nil {
		svc.prom.CorrelationPairs.Set(float64(pairs))
	}
	if svc.store == nil {
		return
	}

	start := time.Now()
	err := svc.store.SaveSnapshot(ctx, svc.eng.Snapshot())
	if svc.prom != nil {
		svc.prom.SnapshotDur.Observe(time.Since(start).Seconds())
	}
	if svc.health != nil {
		svc.health.SetStoreOK(err == nil)
	}
	if err != nil {
		svc.log.Error().Err(err).Msg("snapshot save failed")
	}
}
