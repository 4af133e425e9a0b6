package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// heartbeat renews a job's admission lease and broker lease on a fixed
// cadence while the job runs. It is an independent task joined to the job
// by cancellation, so a slow engine call can never starve lease renewal.
type heartbeat struct {
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// startHeartbeat begins renewing every interval until stop is called.
// renew failures are logged, not fatal: a missed beat within the stall
// window is recoverable on the next tick.
func startHeartbeat(parent context.Context, interval time.Duration, renew func(ctx context.Context) error, logger arbor.ILogger) *heartbeat {
	ctx, cancel := context.WithCancel(parent)
	hb := &heartbeat{cancel: cancel}

	hb.done.Add(1)
	go func() {
		defer hb.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renew(ctx); err != nil {
					logger.Warn().Err(err).Msg("Heartbeat renewal failed")
				}
			}
		}
	}()

	return hb
}

// stop halts the heartbeat and waits for the renewal task to exit.
// Safe on every exit path including panics recovered upstream.
func (hb *heartbeat) stop() {
	hb.cancel()
	hb.done.Wait()
}
