// Package queue provides a FIFO task runner that executes at most one task at
// a time and can be paused while the channel it drives is unavailable.
//
// Tasks queued while the queue is paused are kept in submission order and run
// once processing resumes. Submissions beyond the configured limit are dropped.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	// ErrDropped reports that a task was rejected because the queue was full.
	ErrDropped = errors.New("queue: task dropped")
	// ErrClosed reports that a task was rejected because the queue was closed.
	ErrClosed = errors.New("queue: closed")
)

// Task is one unit of work. The context is cancelled when the queue closes.
type Task func(ctx context.Context) error

// Options configures a Queue.
type Options struct {
	// Limit caps pending tasks. Zero or negative means unbounded.
	Limit int
	// InitialProcessing starts the queue paused so early submissions
	// accumulate until SetProcessing(false) is called.
	InitialProcessing bool
	// OnError receives task failures. Defaults to logging them.
	OnError func(error)
	// Logf is used by the default error handler.
	Logf func(string, ...any)
}

// Queue runs submitted tasks strictly one at a time in submission order.
type Queue struct {
	mu          sync.Mutex
	tasks       []Task
	limit       int
	busy        bool
	interrupted bool
	running     bool
	closed      bool
	idle        chan struct{}

	onError func(error)
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a queue.
func New(opts Options) *Queue {
	onError := opts.OnError
	if onError == nil {
		logf := opts.Logf
		if logf == nil {
			logf = log.Printf
		}
		onError = func(err error) {
			logf("queue task failed: %v", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		limit:       opts.Limit,
		busy:        opts.InitialProcessing,
		interrupted: opts.InitialProcessing,
		idle:        make(chan struct{}),
		onError:     onError,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit appends a task. It returns false when the task was dropped because
// the queue is full or closed.
func (q *Queue) Submit(task Task) bool {
	if task == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.limit > 0 && len(q.tasks) >= q.limit {
		return false
	}
	q.tasks = append(q.tasks, task)
	if !q.busy {
		q.busy = true
		q.startLocked()
	}
	return true
}

// Requeue puts a task back at the head of the queue, ignoring the limit.
// It does not start draining; callers use it after a failed attempt that
// will be retried once processing resumes.
func (q *Queue) Requeue(task Task) {
	if task == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks = append([]Task{task}, q.tasks...)
}

// Do submits a task and waits for it to finish. It returns ErrDropped when
// the queue rejects the task, and ctx.Err() when the caller stops waiting;
// in the latter case the task still runs when its turn comes.
func (q *Queue) Do(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	done := make(chan error, 1)
	accepted := q.Submit(func(taskCtx context.Context) error {
		err := task(taskCtx)
		done <- err
		return err
	})
	if !accepted {
		if q.isClosed() {
			return ErrClosed
		}
		return ErrDropped
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetProcessing toggles the busy state. Passing true pauses the queue: the
// in-flight task completes but no further tasks are dequeued. Passing false
// resumes draining any accumulated backlog.
func (q *Queue) SetProcessing(busy bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if busy {
		q.busy = true
		q.interrupted = true
		return
	}
	q.busy = false
	q.interrupted = false
	if len(q.tasks) > 0 && !q.closed {
		q.busy = true
		q.startLocked()
	}
}

// Processing reports whether the queue is draining or paused.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Idle blocks until no task is pending or running.
func (q *Queue) Idle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.running && len(q.tasks) == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close drops pending tasks and cancels the context of the in-flight task.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.tasks = nil
	q.interrupted = true
	if !q.running {
		q.signalIdleLocked()
	}
	q.mu.Unlock()
	q.cancel()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// startLocked launches the drain loop unless one is already running.
func (q *Queue) startLocked() {
	if q.running {
		return
	}
	q.running = true
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.interrupted || len(q.tasks) == 0 {
			q.running = false
			if !q.interrupted {
				q.busy = false
			}
			q.signalIdleLocked()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if err := q.run(task); err != nil {
			q.onError(err)
		}
	}
}

func (q *Queue) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue task panic: %v", r)
		}
	}()
	return task(q.ctx)
}

// signalIdleLocked wakes Idle waiters; they re-check state and wait again
// if work remains.
func (q *Queue) signalIdleLocked() {
	close(q.idle)
	q.idle = make(chan struct{})
}
