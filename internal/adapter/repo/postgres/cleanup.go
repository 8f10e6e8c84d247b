package postgres

import (
	"context"
	"log/slog"
	"time"
)

// RunHealthHistoryCleanup prunes old probe history on a fixed interval until
// the context is cancelled. An initial prune runs immediately so restarts
// don't let the table grow unbounded between ticks.
func RunHealthHistoryCleanup(ctx context.Context, repo *HealthCheckRepo, interval, retention time.Duration) {
	prune := func() {
		n, err := repo.Prune(ctx, retention)
		if err != nil {
			slog.Error("health history prune failed", slog.Any("error", err))
			return
		}
		if n > 0 {
			slog.Info("health history pruned", slog.Int64("rows", n))
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
