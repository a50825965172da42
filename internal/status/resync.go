package status

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// RunResync calls fire on schedule until ctx is cancelled. The schedule uses
// cron syntax, typically a descriptor such as "@every 30s".
func RunResync(ctx context.Context, schedule string, fire func()) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, fire); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
