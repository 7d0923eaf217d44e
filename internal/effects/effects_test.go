package effects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failureCounter struct {
	mu    sync.Mutex
	names []string
}

func (f *failureCounter) EffectFailed(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
}

func TestDispatchRunsAllEffects(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), nil, time.Second)
	var ran atomic.Int32
	q := &Queue{}
	for i := 0; i < 3; i++ {
		q.Add("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	d.Dispatch(context.Background(), q)
	d.Wait()

	if ran.Load() != 3 {
		t.Fatalf("expected 3 effects to run, got %d", ran.Load())
	}
	if q.Len() != 0 {
		t.Fatal("queue should be drained after dispatch")
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	failures := &failureCounter{}
	d := NewDispatcher(zap.New(core), failures, time.Second)

	var ok atomic.Bool
	q := &Queue{}
	q.Add("email.task_assigned", func(ctx context.Context) error { return errors.New("smtp down") })
	q.Add("search.reindex", func(ctx context.Context) error { panic("boom") })
	q.Add("storage.remove", func(ctx context.Context) error {
		ok.Store(true)
		return nil
	})

	d.Dispatch(context.Background(), q)
	d.Wait()

	if !ok.Load() {
		t.Fatal("healthy effect should still run")
	}
	if len(failures.names) != 2 {
		t.Fatalf("expected 2 recorded failures, got %v", failures.names)
	}
	if logs.FilterMessage("side effect failed").Len() != 2 {
		t.Fatalf("expected 2 warnings, got %d", logs.Len())
	}
}

func TestDispatchOutlivesRequestContext(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var sawCancel atomic.Bool
	q := &Queue{}
	q.Add("slow", func(ctx context.Context) error {
		<-started
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(20 * time.Millisecond):
		}
		return nil
	})

	d.Dispatch(ctx, q)
	cancel()
	close(started)
	d.Wait()

	if sawCancel.Load() {
		t.Fatal("effect should not observe request cancellation")
	}
}

func TestNilQueueIsNoop(t *testing.T) {
	var q *Queue
	q.Add("x", func(context.Context) error { return nil })
	d := NewDispatcher(nil, nil, 0)
	d.Dispatch(context.Background(), q)
	d.Wait()
}
