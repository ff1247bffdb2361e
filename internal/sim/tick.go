package sim

import (
	"context"
	"fmt"
	"time"

	"bridgesim/internal/logging"
)

// Run paces the scenario against the wall clock, advancing one tick per
// interval until it completes, hits max_ticks or ctx is done. Simulated
// results are identical to RunToCompletion; only the pacing differs.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	log := logging.FromContext(ctx)
	log.Info("starting runner", "run_id", r.runID, "scenario", r.cfg.Name, "tick_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Advance(ctx, 1); err != nil {
				return err
			}
			if r.Done() {
				log.Info("runner finished", "run_id", r.runID, "tick", r.Now())
				return nil
			}
			if r.limitReached() {
				log.Warn("tick limit reached", "run_id", r.runID, "tick", r.Now())
				return fmt.Errorf("after %d ticks: %w", r.cfg.MaxTicks, ErrTickLimit)
			}
		case <-ctx.Done():
			log.Info("stopping runner", "run_id", r.runID)
			r.mu.Lock()
			if !r.finished && !r.aborted {
				r.abort(ctx.Err())
			}
			r.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (r *Runner) limitReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.now < r.cfg.MaxTicks {
		return false
	}
	r.finish(false)
	return true
}
