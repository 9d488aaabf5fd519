package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
)

// Reaper periodically sweeps expired leases back onto the queue so tasks
// held by crashed workers are redelivered even when no worker is claiming.
type Reaper struct {
	queue    Queue
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(queue Queue, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		queue:    queue,
		interval: interval,
		log:      log.WithComponent("lease-reaper"),
	}
}

// Start launches the sweep loop. Starting a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.sweepLoop(ctx)
	r.log.Info("lease reaper started", zap.Duration("interval", r.interval))
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("lease reaper stopped")
}

func (r *Reaper) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.queue.RequeueLeases(ctx); err != nil {
				r.log.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}
