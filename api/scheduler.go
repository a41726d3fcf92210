/*
scheduler.go - Periodic stats reconciliation

PURPOSE:
  Referrer counters are cached derived state. Every write path recomputes
  the referrers it touches, but rows edited outside the service (manual SQL,
  a restored backup) leave the counters stale. The reconciler re-derives
  every referrer on an interval and reports how many had drifted.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Drift count is logged and exported as a gauge
  - Dashboard cache is flushed after a run that repaired anything

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the reconciler is active (default: true)

USAGE:
  rec := NewStatsReconciler(handler, logger)
  rec.Start()
  // ... later
  rec.Stop()

SEE ALSO:
  - handlers.go: RecomputeAll endpoint (manual run)
  - referral/stats.go: ComputeStats
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xinjie/referral-engine/metrics"
	"github.com/xinjie/referral-engine/referral"
)

// StatsReconciler periodically recomputes every referrer's counters.
type StatsReconciler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStatsReconciler creates a reconciler that runs hourly.
func NewStatsReconciler(h *Handler, log zerolog.Logger) *StatsReconciler {
	return &StatsReconciler{
		Handler:       h,
		CheckInterval: time.Hour,
		Enabled:       true,
		log:           log.With().Str("component", "reconciler").Logger(),
	}
}

// Start begins the reconciler. Calling Start on a running reconciler is a no-op.
func (sr *StatsReconciler) Start() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if !sr.Enabled {
		sr.log.Info().Msg("disabled, not starting")
		return
	}
	if sr.ticker != nil {
		return
	}

	sr.ticker = time.NewTicker(sr.CheckInterval)
	sr.stop = make(chan struct{})
	sr.wg.Add(1)

	go sr.run(sr.ticker, sr.stop)

	sr.log.Info().Dur("interval", sr.CheckInterval).Msg("started")
}

// Stop stops the reconciler and waits for an in-flight run to finish.
func (sr *StatsReconciler) Stop() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.ticker == nil {
		return
	}
	sr.ticker.Stop()
	close(sr.stop)
	sr.wg.Wait()
	sr.ticker = nil
	sr.log.Info().Msg("stopped")
}

func (sr *StatsReconciler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sr.wg.Done()

	sr.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			sr.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass.
func (sr *StatsReconciler) RunNow(ctx context.Context) (RecomputeResponse, error) {
	start := time.Now()
	resp, err := reconcileStats(ctx, sr.Handler.Service)
	if err != nil {
		sr.log.Error().Err(err).Msg("reconciliation failed")
		return resp, err
	}
	if resp.Drifted > 0 {
		sr.Handler.invalidate()
		sr.log.Warn().Int("referrers", resp.Referrers).Int("drifted", resp.Drifted).
			Dur("took", time.Since(start)).Msg("repaired drifted counters")
	} else {
		sr.log.Debug().Int("referrers", resp.Referrers).Dur("took", time.Since(start)).Msg("counters consistent")
	}
	return resp, nil
}

// reconcileStats recomputes every referrer and publishes the drift count.
func reconcileStats(ctx context.Context, svc *referral.Service) (RecomputeResponse, error) {
	results, err := svc.RecomputeAll(ctx)
	if err != nil {
		return RecomputeResponse{}, err
	}
	resp := RecomputeResponse{
		Referrers: len(results),
		Results:   make([]RecomputeDTO, len(results)),
	}
	for i, r := range results {
		resp.Results[i] = toRecomputeDTO(r)
		if r.Drifted() {
			resp.Drifted++
		}
	}
	metrics.SetDriftedReferrers(resp.Drifted)
	return resp, nil
}
