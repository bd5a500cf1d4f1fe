package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper removes idle clients on a fixed interval until the context is
// cancelled. Operational defaults are a 5 minute interval with a 10 minute
// threshold.
func (t *Tracker) RunSweeper(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("presence sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("threshold", threshold))

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("presence sweeper stopped")
			return
		case <-ticker.C:
			t.Sweep(threshold)
		}
	}
}
