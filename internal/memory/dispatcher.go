package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDispatcherClosed is returned for work submitted after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type task struct {
	id   string
	key  string
	run  func(ctx context.Context) error
	done chan error
}

type userQueue struct {
	tasks  []*task
	queued map[string]struct{}
}

// Dispatcher runs background work on one FIFO queue per user. A user's tasks
// never overlap; different users run in parallel up to the worker limit.
type Dispatcher struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queues  map[string]*userQueue
	pending int
	closed  bool

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func NewDispatcher(workers int, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queues: make(map[string]*userQueue),
		sem:    make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Submit queues run for userID and returns the task id. When key is not
// empty and a task with the same key is still waiting in the user's queue,
// the new task is dropped and accepted is false.
func (d *Dispatcher) Submit(userID, key string, run func(ctx context.Context) error) (id string, accepted bool) {
	t := &task{id: uuid.NewString(), key: key, run: run}
	if err := d.enqueue(userID, t); err != nil {
		return "", false
	}
	return t.id, true
}

// Do queues run for userID behind any pending work of that user and waits
// for its result. Cancelling ctx stops the wait, not the task.
func (d *Dispatcher) Do(ctx context.Context, userID string, run func(ctx context.Context) error) error {
	t := &task{id: uuid.NewString(), run: run, done: make(chan error, 1)}
	if err := d.enqueue(userID, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(userID string, t *task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	q, running := d.queues[userID]
	if !running {
		q = &userQueue{queued: make(map[string]struct{})}
		d.queues[userID] = q
	}
	if t.key != "" {
		if _, dup := q.queued[t.key]; dup {
			return errDuplicate
		}
		q.queued[t.key] = struct{}{}
	}
	q.tasks = append(q.tasks, t)
	d.pending++

	if !running {
		go d.work(userID, q)
	}
	return nil
}

var errDuplicate = errors.New("duplicate task")

func (d *Dispatcher) work(userID string, q *userQueue) {
	for {
		// A worker slot is held for one task at a time.
		d.sem <- struct{}{}
		d.mu.Lock()
		if len(q.tasks) == 0 {
			delete(d.queues, userID)
			d.mu.Unlock()
			<-d.sem
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		if t.key != "" {
			delete(q.queued, t.key)
		}
		d.mu.Unlock()

		err := d.execute(t)
		<-d.sem
		if err != nil {
			d.log.Debug().Err(err).Str("user", userID).Str("task", t.id).Str("key", t.key).Msg("background task failed")
		}
		if t.done != nil {
			t.done <- err
		}

		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
			d.log.Error().Str("task", t.id).Interface("panic", r).Msg("background task panicked")
		}
	}()
	return t.run(d.ctx)
}

// Pending reports the number of queued or running tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Drain blocks until no task is queued or running, or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.mu.Lock()
		for d.pending > 0 {
			d.idle.Wait()
		}
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain background tasks: %w", ctx.Err())
	}
}

// Close stops accepting work and drains what is queued. Tasks still running
// when ctx expires see their context cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.Drain(ctx)
	d.cancel()
	return err
}
