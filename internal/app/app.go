// Package app runs the services configured for this process.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"detection-engine/config"
	"detection-engine/internal/api"
	"detection-engine/internal/correlator"
	"detection-engine/internal/detengine"
)

// App encapsulates the process lifecycle.
type App struct {
	cfg        *config.Config
	log        zerolog.Logger
	detector   *detengine.Service
	correlator *correlator.Service
	server     *api.Server
}

// New creates an App. detector or correlator is nil when the role excludes it.
func New(cfg *config.Config, det *detengine.Service, corr *correlator.Service, srv *api.Server, log zerolog.Logger) *App {
	return &App{cfg: cfg, log: log, detector: det, correlator: corr, server: srv}
}

// Run starts every service and blocks until ctx is cancelled and all of them
// have stopped. The correlator outlives the detector so batches drained on
// shutdown are still counted.
func (a *App) Run(ctx context.Context) error {
	a.server.Start()
	a.log.Info().Str("role", a.cfg.Role).Str("transport", a.cfg.Distribution.Transport).Msg("app started")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	corrCtx, stopCorr := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCorr()
	if a.correlator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(a.correlator.Run(corrCtx))
		}()
	}

	if a.detector != nil {
		record(a.detector.Run(ctx))
	} else {
		<-ctx.Done()
	}
	stopCorr()
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	record(a.server.Shutdown(sctx))

	a.log.Info().Msg("app stopped")
	return errors.Join(errs...)
}
