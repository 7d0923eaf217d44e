// Package effects runs best-effort work after a transaction commits:
// notifications, search index updates and object-store cleanup. A failing
// effect is logged and counted, never surfaced to the caller.
package effects

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Effect is one unit of post-commit work.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue collects effects while a request is handled. It is not safe for
// concurrent use; one request owns one queue.
type Queue struct {
	effects []Effect
}

func (q *Queue) Add(name string, run func(ctx context.Context) error) {
	if q == nil || run == nil {
		return
	}
	q.effects = append(q.effects, Effect{Name: name, Run: run})
}

func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.effects)
}

// FailureRecorder is satisfied by *metrics.Metrics.
type FailureRecorder interface {
	EffectFailed(name string)
}

type Dispatcher struct {
	logger   *zap.Logger
	failures FailureRecorder
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, failures FailureRecorder, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{logger: logger, failures: failures, timeout: timeout}
}

// Dispatch starts every queued effect in the background and returns at once.
// The effects keep the request's values but not its cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, q *Queue) {
	if q.Len() == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, effect := range q.effects {
		d.wg.Add(1)
		go func(effect Effect) {
			defer d.wg.Done()
			effectCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := run(effectCtx, effect); err != nil {
				d.logger.Warn("side effect failed", zap.String("effect", effect.Name), zap.Error(err))
				if d.failures != nil {
					d.failures.EffectFailed(effect.Name)
				}
			}
		}(effect)
	}
	q.effects = nil
}

// Wait blocks until every dispatched effect has finished. Called on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func run(ctx context.Context, effect Effect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return effect.Run(ctx)
}
