package server

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ltp-dev/ltp/internal/limiter"
	"github.com/ltp-dev/ltp/internal/store"
)

// Janitor is the background sweeper: it TTL-expires idle sessions and
// prunes stale peer-IP limiter entries on a jittered period.
type Janitor struct {
	store     *store.Store
	ipLimiter *limiter.IPTable
	metrics   *Metrics
	interval  time.Duration
	idleTTL   time.Duration
	ipTTL     time.Duration
	log       *slog.Logger
}

// NewJanitor builds a janitor over the node's store and IP table.
func NewJanitor(st *store.Store, ipl *limiter.IPTable, m *Metrics, cfg *Config, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:     st,
		ipLimiter: ipl,
		metrics:   m,
		interval:  cfg.GCInterval,
		idleTTL:   cfg.IdleTTL,
		ipTTL:     cfg.IPRateLimitTTL,
		log:       logger.With("component", "janitor"),
	}
}

// Run sweeps until ctx is done. Each tick jitters the base period by
// ±10% so a fleet of nodes never sweeps in lockstep.
func (j *Janitor) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(j.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep()
		}
	}
}

func (j *Janitor) jitteredInterval() time.Duration {
	factor := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(j.interval) * factor)
}

// Sweep runs one expiry pass and updates the metrics that describe it.
func (j *Janitor) Sweep() store.ExpireStats {
	stats := j.store.ExpireIdle(j.idleTTL)
	j.metrics.JanitorSweep.Observe(stats.Sweep.Seconds())
	if stats.Expired > 0 {
		j.metrics.SessionsExpired.WithLabelValues("ttl").Add(float64(stats.Expired))
		j.metrics.SessionsCurrent.Sub(float64(stats.Expired))
		j.log.Info("sessions expired",
			"expired", stats.Expired,
			"scanned", stats.Scanned,
			"skipped_locks", stats.SkippedLocks,
			"sweep_ms", stats.Sweep.Milliseconds())
	}

	if pruned := j.ipLimiter.Prune(j.ipTTL); pruned > 0 {
		j.log.Debug("ip limiter entries pruned", "pruned", pruned)
	}
	return stats
}
