package di

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"detection-engine/config"
	"detection-engine/internal/api"
	"detection-engine/internal/app"
	"detection-engine/internal/correlator"
	"detection-engine/internal/detector"
	"detection-engine/internal/detengine"
	"detection-engine/internal/distribution"
	"detection-engine/internal/logger"
	"detection-engine/internal/metrics"
	"detection-engine/internal/session"
	sqlitestore "detection-engine/internal/store/sqlite"
)

// ProvideLogger creates the process logger.
func ProvideLogger(cfg *config.Config) (zerolog.Logger, error) {
	l, err := logger.Init("detengine-"+cfg.Role, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logger: %w", err)
	}
	return l.With().Str("env", cfg.Environment).Logger(), nil
}

// ProvidePrometheusRegistry creates the registry served on /metrics.
func ProvidePrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics registers the pipeline metrics.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// ProvideHealth creates the health status for the configured role.
func ProvideHealth(cfg *config.Config) *metrics.HealthStatus {
	return metrics.NewHealthStatus(cfg.Role, cfg.RunsDetector(), cfg.RunsCorrelator())
}

// ProvideChannel connects the configured distribution transport.
func ProvideChannel(cfg *config.Config, prom *metrics.Metrics, log zerolog.Logger) (distribution.Channel, func(), error) {
	dc := cfg.Distribution
	onDrop := func(topic string) { prom.BatchesDropped.WithLabelValues(topic).Inc() }

	var ch distribution.Channel
	switch dc.Transport {
	case "redis":
		r, err := distribution.NewRedis(distribution.RedisConfig{
			Addr:            dc.Redis.Addr,
			Password:        dc.Redis.Password,
			DB:              dc.Redis.DB,
			BreakerFailures: dc.Redis.BreakerFailures,
			BreakerReset:    dc.Redis.BreakerReset,
			BufSize:         dc.SubscriberBuffer,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("redis channel: %w", err)
		}
		r.OnDrop = onDrop
		r.Breaker().OnStateChange = func(_, to distribution.BreakerState) {
			prom.BreakerState.Set(float64(to))
			if to == distribution.BreakerOpen {
				prom.BreakerTrips.Inc()
			}
		}
		ch = r
	case "kafka":
		k, err := distribution.NewKafka(distribution.KafkaConfig{
			Brokers:      dc.Kafka.Brokers,
			GroupID:      dc.Kafka.GroupID,
			RequiredAcks: dc.Kafka.RequiredAcks,
			WriteTimeout: dc.Kafka.WriteTimeout,
			BatchTimeout: dc.Kafka.BatchTimeout,
			BufSize:      dc.SubscriberBuffer,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka channel: %w", err)
		}
		k.OnDrop = onDrop
		ch = k
	default:
		m := distribution.NewMemory(dc.SubscriberBuffer)
		m.OnDrop = onDrop
		ch = m
	}

	cleanup := func() {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("distribution close")
		}
	}
	return ch, cleanup, nil
}

// ProvideDetectorRegistry builds the detector registry from config.
func ProvideDetectorRegistry(cfg *config.Config) (*detector.Registry, error) {
	reg, err := detengine.BuildRegistry(cfg.Detectors)
	if err != nil {
		return nil, fmt.Errorf("detectors: %w", err)
	}
	return reg, nil
}

// ProvideDetectionService wires the detection pipeline, or returns nil when
// the role excludes it.
func ProvideDetectionService(cfg *config.Config, reg *detector.Registry, ch distribution.Channel,
	prom *metrics.Metrics, health *metrics.HealthStatus, log zerolog.Logger) (*detengine.Service, error) {
	if !cfg.RunsDetector() {
		return nil, nil
	}
	cal, err := session.New(cfg.Aggregator.Session.Location, cfg.Aggregator.Session.DayStart)
	if err != nil {
		return nil, fmt.Errorf("aggregator session: %w", err)
	}
	return detengine.New(cfg, reg, ch, cal, prom, health, log)
}

// ProvideSnapshotStore opens the SQLite snapshot store. It returns nil when
// the role excludes the correlator or no path is configured.
func ProvideSnapshotStore(cfg *config.Config, log zerolog.Logger) (*sqlitestore.Store, func(), error) {
	if !cfg.RunsCorrelator() || cfg.Correlation.SQLitePath == "" {
		return nil, func() {}, nil
	}
	st, err := sqlitestore.New(cfg.Correlation.SQLitePath, log)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("sqlite close")
		}
	}
	return st, cleanup, nil
}

// ProvideCorrelationService wires the correlation engine, or returns nil when
// the role excludes it.
func ProvideCorrelationService(cfg *config.Config, ch distribution.Channel, st *sqlitestore.Store,
	prom *metrics.Metrics, health *metrics.HealthStatus, log zerolog.Logger) (*correlator.Service, error) {
	if !cfg.RunsCorrelator() {
		return nil, nil
	}
	cal, err := session.New(cfg.Correlation.Session.Location, cfg.Correlation.Session.DayStart)
	if err != nil {
		return nil, fmt.Errorf("correlation session: %w", err)
	}
	var store correlator.SnapshotStore
	if st != nil {
		store = st
	}
	return correlator.New(cfg, ch, store, cal, prom, health, log)
}

// ProvideAPIServer creates the HTTP server. Correlation routes are mounted
// only when this process runs the correlator.
func ProvideAPIServer(cfg *config.Config, corr *correlator.Service, health *metrics.HealthStatus,
	reg *prometheus.Registry, log zerolog.Logger) *api.Server {
	var q api.Correlations
	if corr != nil {
		q = corr.Engine()
	}
	return api.NewServer(cfg.HTTP.Addr, q, health, reg, log)
}

// ProvideApp assembles the application.
func ProvideApp(cfg *config.Config, det *detengine.Service, corr *correlator.Service, srv *api.Server, log zerolog.Logger) *app.App {
	return app.New(cfg, det, corr, srv, log)
}
