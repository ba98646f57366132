package edit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrQueueStopped is returned for work submitted to, or still queued in, a
// stopped RoomQueue.
var ErrQueueStopped = errors.New("room queue stopped")

// roomJob is one unit of work processed by a room worker.
type roomJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// roomWorker owns the inbox of a single room. pending counts jobs that have
// been handed to the worker or are about to be, and is guarded by RoomQueue.mu.
type roomWorker struct {
	roomID  string
	inbox   chan roomJob
	stop    chan struct{}
	exited  chan struct{}
	pending int
}

// RoomQueue serializes work per room. Each room with outstanding work gets a
// worker goroutine that runs jobs one at a time in arrival order; the worker
// exits when its room has nothing left to do.
type RoomQueue struct {
	mu      sync.Mutex
	workers map[string]*roomWorker
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRoomQueue() *RoomQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomQueue{
		workers: make(map[string]*roomWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Do runs fn on the room's worker and waits for it to return. fn receives
// ctx, so cancelling ctx also cancels a running job.
func (q *RoomQueue) Do(ctx context.Context, roomID string, fn func(ctx context.Context) error) error {
	w, err := q.acquire(roomID)
	if err != nil {
		return err
	}
	return q.submit(ctx, w, fn)
}

// submit hands fn to a worker reserved by acquire and waits for its result.
func (q *RoomQueue) submit(ctx context.Context, w *roomWorker, fn func(ctx context.Context) error) error {
	job := roomJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.inbox <- job:
	case <-ctx.Done():
		q.abandon(w)
		return ctx.Err()
	case <-q.ctx.Done():
		q.abandon(w)
		return ErrQueueStopped
	}

	select {
	case err := <-job.done:
		return err
	case <-w.exited:
		// The worker may have drained the inbox on stop before the job
		// landed in it.
		select {
		case err := <-job.done:
			return err
		default:
			return ErrQueueStopped
		}
	}
}

// acquire returns the room's worker, starting one if needed, and reserves a
// slot in it.
func (q *RoomQueue) acquire(roomID string) (*roomWorker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrQueueStopped
	}

	w, ok := q.workers[roomID]
	if !ok {
		w = &roomWorker{
			roomID: roomID,
			inbox:  make(chan roomJob, 10), // Buffered to avoid blocking
			stop:   make(chan struct{}),
			exited: make(chan struct{}),
		}
		q.workers[roomID] = w
		q.wg.Add(1)
		go q.run(w)
	}
	w.pending++
	return w, nil
}

// release gives back a slot reserved by acquire. It reports whether the
// worker became idle and was removed.
func (q *RoomQueue) release(w *roomWorker) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	w.pending--
	if w.pending > 0 {
		return false
	}
	delete(q.workers, w.roomID)
	return true
}

// run is the worker loop for one room.
func (q *RoomQueue) run(w *roomWorker) {
	defer q.wg.Done()
	defer close(w.exited)

	for {
		select {
		case <-q.ctx.Done():
			// Fail anything still queued so callers don't hang
			for {
				select {
				case job := <-w.inbox:
					job.done <- ErrQueueStopped
				default:
					return
				}
			}
		case <-w.stop:
			return
		case job := <-w.inbox:
			q.process(w, job)
			if q.release(w) {
				return
			}
		}
	}
}

// abandon is release for a caller that never enqueued its job.
func (q *RoomQueue) abandon(w *roomWorker) {
	if q.release(w) {
		close(w.stop)
	}
}

// process runs a single job.
func (q *RoomQueue) process(w *roomWorker, job roomJob) {
	defer func() {
		// Recover from any panics to keep the worker running
		if r := recover(); r != nil {
			log.Error().
				Str("roomId", w.roomID).
				Interface("panic", r).
				Msg("recovered from panic in room worker")
			job.done <- fmt.Errorf("room worker panic: %v", r)
		}
	}()

	job.done <- job.fn(job.ctx)
}

// Active returns the number of rooms that currently have a worker.
func (q *RoomQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Stop stops all workers and waits for running jobs to finish. Queued jobs
// fail with ErrQueueStopped.
func (q *RoomQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	count := len(q.workers)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	log.Info().Int("count", count).Msg("stopped all room workers")
}
