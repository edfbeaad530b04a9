package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fabian4/dynaproxy/internal/model"
)

// DefaultInterval is used when a task is submitted with a non-positive interval.
const DefaultInterval = 20 * time.Second

// CheckFunc is one probe run. ctx is cancelled when the task is removed.
type CheckFunc func(ctx context.Context)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}

	// mu is held for the duration of every check invocation.
	mu      sync.Mutex
	stopped bool
}

// Pool runs one periodic goroutine per task id.
type Pool struct {
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

func NewPool() *Pool {
	return &Pool{tasks: make(map[string]*task)}
}

// Submit starts a task under id, replacing (and stopping) any task already registered there.
func (p *Pool) Submit(id string, interval time.Duration, check CheckFunc) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("health: pool closed")
	}
	old := p.tasks[id]
	p.tasks[id] = t
	p.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go t.run(ctx, id, interval, check)
	return nil
}

// Remove cancels the task. Once Remove returns the task's check is never invoked again.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	if ok {
		delete(p.tasks, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	t.stop()
	return nil
}

// Has reports whether a task is registered under id.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[id]
	return ok
}

// Len reports the number of registered tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Close stops every task and waits for their goroutines to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	tasks := p.tasks
	p.tasks = make(map[string]*task)
	p.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// stop cancels the loop, then waits out any in-flight check.
func (t *task) stop() {
	t.cancel()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *task) run(ctx context.Context, id string, interval time.Duration, check CheckFunc) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// cancellation wins over a tick that is already pending
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.invoke(ctx, id, check)
	}
}

func (t *task) invoke(ctx context.Context, id string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[health] task %s panicked: %v", id, r)
		}
	}()
	check(ctx)
}
