package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pushbeam/beam/internal/observability"
)

const maxDrainBackoff = 5 * time.Minute

// Runner triggers periodic drain passes. It stands in for the platform task
// scheduler: a fixed interval between successful passes, exponential spacing
// after a failed one.
type Runner struct {
	dispatcher *Dispatcher
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRunner schedules drain passes every interval.
func NewRunner(dispatcher *Dispatcher, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{dispatcher: dispatcher, interval: interval}
}

// Start launches the drain loop. The first pass runs immediately.
func (r *Runner) Start(ctx context.Context) {
	r.once.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.wg.Add(1)
		go r.loop(ctx)
	})
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxDrainBackoff

	for {
		wait := r.interval
		if err := r.dispatcher.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.Log().Warn("queue drain failed",
				observability.F("error", err.Error()))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxDrainBackoff
			}
			wait = sleep
		} else {
			backoffCfg.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
