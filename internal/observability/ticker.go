package observability

import (
	"context"
	"time"
)

// RunMetricsTicker records system metrics every interval until ctx is done.
func RunMetricsTicker(ctx context.Context, mm *MetricsManager, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mm.UpdateSystemMetrics(ctx)
	for {
		select {
		case <-ticker.C:
			mm.UpdateSystemMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}
