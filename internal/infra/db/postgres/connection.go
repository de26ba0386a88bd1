package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"video-batch-service/internal/infra/metrics"
)

// NewPgxPool connects with a bounded pool size and a short dial timeout.
func NewPgxPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pgxpool.ConnectConfig(dialCtx, cfg)
}

// ReportPoolStats publishes pool gauges until ctx is cancelled.
func ReportPoolStats(ctx context.Context, pool *pgxpool.Pool, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := pool.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}
