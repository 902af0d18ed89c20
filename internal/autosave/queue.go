// Package autosave debounces background writes per key. Repeated Schedule
// calls for the same key within the delay collapse into one write.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusFailed  Status = "failed"
)

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent save failure")

// Permanent wraps err so the queue does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// SaveFunc performs the write for key.
type SaveFunc func(ctx context.Context, key string) error

type Options struct {
	Delay      time.Duration
	MaxRetries int
	// IsPermanent reports whether err must not be retried. Errors wrapped
	// with Permanent are always treated as permanent.
	IsPermanent func(error) bool
	// Timeout bounds a single save call.
	Timeout time.Duration
}

type entry struct {
	timer      *time.Timer
	status     Status
	generation uint64
	attempts   int
	dirty      bool
	lastErr    error
}

type Queue struct {
	save SaveFunc
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

func New(save SaveFunc, opts Options) *Queue {
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Queue{
		save:    save,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// Schedule (re)starts the debounce timer for key. A key that is saving right
// now is written again once the current save finishes.
func (q *Queue) Schedule(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	e := q.entries[key]
	if e == nil {
		e = &entry{}
		q.entries[key] = e
	}
	if e.status == StatusSaving {
		e.dirty = true
		return
	}
	e.attempts = 0
	e.lastErr = nil
	q.arm(key, e, q.opts.Delay)
}

// Cancel drops a pending write for key. A save already in flight completes.
func (q *Queue) Cancel(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[key]
	if e == nil {
		return
	}
	if e.status == StatusSaving {
		e.dirty = false
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.entries, key)
}

// Status reports the state of key and the last error when it failed.
func (q *Queue) Status(key string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[key]
	if e == nil {
		return StatusIdle, nil
	}
	return e.status, e.lastErr
}

// Pending returns the number of keys waiting for or running a save.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.status == StatusPending || e.status == StatusSaving {
			n++
		}
	}
	return n
}

// Flush runs every pending write now and waits for in-flight ones. It is
// used on shutdown, after which Schedule is a no-op.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	keys := make([]string, 0, len(q.entries))
	for key, e := range q.entries {
		if e.status != StatusPending {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		e.generation++
		e.status = StatusSaving
		keys = append(keys, key)
	}
	q.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := q.save(ctx, key); err != nil {
			log.Printf("autosave: flush %s failed: %v", key, err)
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
			q.finish(key, StatusFailed, err)
			continue
		}
		q.finish(key, StatusIdle, nil)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (q *Queue) arm(key string, e *entry, delay time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	e.status = StatusPending
	generation := e.generation
	e.timer = time.AfterFunc(delay, func() { q.run(key, generation) })
}

func (q *Queue) run(key string, generation uint64) {
	q.mu.Lock()
	e := q.entries[key]
	if e == nil || e.generation != generation || e.status != StatusPending {
		q.mu.Unlock()
		return
	}
	e.status = StatusSaving
	e.dirty = false
	q.wg.Add(1)
	q.mu.Unlock()
	defer q.wg.Done()

	var err error
	for {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.Timeout)
		err = q.save(ctx, key)
		cancel()

		q.mu.Lock()
		e = q.entries[key]
		// Once Flush has started nothing re-arms, so a change made during
		// this save is written before Flush returns.
		if err == nil && e != nil && e.dirty && q.closed {
			e.dirty = false
			q.mu.Unlock()
			continue
		}
		break
	}
	defer q.mu.Unlock()
	if e == nil {
		return
	}

	switch {
	case err == nil:
		if e.dirty {
			e.attempts = 0
			q.arm(key, e, q.opts.Delay)
			return
		}
		delete(q.entries, key)
	case q.permanent(err):
		log.Printf("autosave: %s failed permanently: %v", key, err)
		e.status = StatusFailed
		e.lastErr = err
	case e.attempts < q.opts.MaxRetries && !q.closed:
		e.attempts++
		e.lastErr = err
		backoff := q.opts.Delay << e.attempts
		log.Printf("autosave: %s failed (attempt %d), retrying in %s: %v", key, e.attempts, backoff, err)
		q.arm(key, e, backoff)
	default:
		log.Printf("autosave: %s failed after %d retries: %v", key, e.attempts, err)
		e.status = StatusFailed
		e.lastErr = err
	}
}

func (q *Queue) finish(key string, status Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.entries[key]
	if e == nil {
		return
	}
	if status == StatusIdle {
		delete(q.entries, key)
		return
	}
	e.status = status
	e.lastErr = err
}

func (q *Queue) permanent(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	return q.opts.IsPermanent != nil && q.opts.IsPermanent(err)
}
