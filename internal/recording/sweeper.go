package recording

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls SweepExpired every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			res, err := c.SweepExpired(ctx)
			if err != nil {
				slog.Error("expiry sweep failed", "error", err)
				continue
			}
			if res.RoomsDeleted > 0 || res.GuestsDeleted > 0 {
				slog.Info("expiry sweep finished", "rooms_deleted", res.RoomsDeleted, "guests_deleted", res.GuestsDeleted)
			}
		}
	}
}
