package server

import (
	"context"
	"log"
	"time"

	"caprig/internal/engine"
)

// StartSweepers runs the periodic maintenance loops: stale-claim release
// on the queue sweep interval and trash purging on the retention interval.
// Claims are also released opportunistically on every claim request; the
// sweeper covers queues no worker is polling.
func StartSweepers(e engine.Engine) {
	if e.Config == nil {
		return
	}
	if interval := e.Config.SweepInterval(); interval > 0 {
		go sweepLoop("stale claims", interval, func(ctx context.Context) (int, error) {
			return e.ReleaseStale(ctx)
		})
	}
	if interval := e.Config.PurgeInterval(); interval > 0 && e.Config.Retention.TrashTTLDays > 0 {
		go sweepLoop("trash purge", interval, func(ctx context.Context) (int, error) {
			return e.PurgeTrashed(ctx)
		})
	}
}

func sweepLoop(name string, interval time.Duration, sweep func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		<-ticker.C
		n, err := sweep(context.Background())
		if err != nil {
			log.Printf("sweep %s failed: %v", name, err)
			continue
		}
		if n > 0 {
			log.Printf("sweep %s: %d affected", name, n)
		}
	}
}
