// Package sweeper periodically removes expired session records.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = time.Minute

// Purger removes expired records and reports how many were removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Config controls a Sweeper.
type Config struct {
	Interval time.Duration
	Logger   zerolog.Logger
	// Registerer receives the sweeper metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Sweeper calls PurgeExpired on a fixed interval until its context ends.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	logger   zerolog.Logger

	runs        *prometheus.CounterVec
	lastSuccess prometheus.Gauge
}

// New returns a Sweeper for purger.
func New(purger Purger, cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	factory := promauto.With(cfg.Registerer)
	return &Sweeper{
		purger:   purger,
		interval: interval,
		logger:   cfg.Logger,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "session_store",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Expiry sweeps by result.",
		}, []string{"result"}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "session_store",
			Subsystem: "sweeper",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sweep.",
		}),
	}
}

// Run sweeps once immediately and then every interval. Failed sweeps are
// logged and retried on the next tick. Run returns nil once ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("expiry sweep failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce purges expired records a single time.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		result := "error"
		if errors.Is(err, context.Canceled) {
			result = "canceled"
		}
		s.runs.WithLabelValues(result).Inc()
		return 0, err
	}

	s.runs.WithLabelValues("ok").Inc()
	s.lastSuccess.SetToCurrentTime()
	if n > 0 {
		s.logger.Info().Int64("purged", n).Dur("elapsed", time.Since(start)).Msg("expired sessions purged")
	} else {
		s.logger.Debug().Dur("elapsed", time.Since(start)).Msg("no expired sessions")
	}
	return n, nil
}
