package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	errFn func(key string, call int) error
	done  chan string
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), done: make(chan string, 64)}
}

func (r *recorder) save(_ context.Context, key string) error {
	r.mu.Lock()
	r.calls[key]++
	call := r.calls[key]
	r.mu.Unlock()

	var err error
	if r.errFn != nil {
		err = r.errFn(key, call)
	}
	r.done <- key
	return err
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("saved %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for save of %q", want)
	}
}

func waitForStatus(t *testing.T, q *Queue, key string, want Status) error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := q.Status(key)
		if status == want {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := q.Status(key)
	t.Fatalf("status of %q = %s, want %s", key, status, want)
	return nil
}

func TestScheduleCollapsesBurst(t *testing.T) {
	rec := newRecorder()
	q := New(rec.save, Options{Delay: 20 * time.Millisecond})

	for i := 0; i < 10; i++ {
		q.Schedule("script-1")
	}
	if status, _ := q.Status("script-1"); status != StatusPending {
		t.Fatalf("status = %s, want pending", status)
	}
	waitFor(t, rec.done, "script-1")
	waitForStatus(t, q, "script-1", StatusIdle)

	if got := rec.count("script-1"); got != 1 {
		t.Fatalf("save called %d times, want 1", got)
	}
}

func TestCancelDropsPendingWrite(t *testing.T) {
	rec := newRecorder()
	q := New(rec.save, Options{Delay: 20 * time.Millisecond})

	q.Schedule("script-1")
	q.Cancel("script-1")
	time.Sleep(60 * time.Millisecond)

	if got := rec.count("script-1"); got != 0 {
		t.Fatalf("save called %d times after cancel", got)
	}
	if q.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", q.Pending())
	}
}

func TestTransientFailureRetries(t *testing.T) {
	rec := newRecorder()
	rec.errFn = func(_ string, call int) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	q := New(rec.save, Options{Delay: 5 * time.Millisecond, MaxRetries: 2})

	q.Schedule("script-1")
	waitFor(t, rec.done, "script-1")
	waitFor(t, rec.done, "script-1")
	waitForStatus(t, q, "script-1", StatusIdle)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	rec := newRecorder()
	bad := errors.New("malformed block")
	rec.errFn = func(string, int) error { return bad }
	q := New(rec.save, Options{
		Delay:       5 * time.Millisecond,
		MaxRetries:  3,
		IsPermanent: func(err error) bool { return errors.Is(err, bad) },
	})

	q.Schedule("script-1")
	waitFor(t, rec.done, "script-1")
	err := waitForStatus(t, q, "script-1", StatusFailed)
	if !errors.Is(err, bad) {
		t.Fatalf("last error = %v, want %v", err, bad)
	}
	time.Sleep(40 * time.Millisecond)
	if got := rec.count("script-1"); got != 1 {
		t.Fatalf("save called %d times, want 1", got)
	}
}

func TestPermanentWrapper(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	inner := errors.New("boom")
	err := Permanent(inner)
	if !errors.Is(err, ErrPermanent) || !errors.Is(err, inner) {
		t.Fatalf("Permanent() = %v, want both sentinels", err)
	}
}

func TestScheduleDuringSaveWritesAgain(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	done := make(chan struct{}, 4)
	q := New(func(ctx context.Context, key string) error {
		if calls.Add(1) == 1 {
			<-release
		}
		done <- struct{}{}
		return nil
	}, Options{Delay: 5 * time.Millisecond})

	q.Schedule("script-1")
	waitForStatus(t, q, "script-1", StatusSaving)
	q.Schedule("script-1")
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for save %d", i+1)
		}
	}
	waitForStatus(t, q, "script-1", StatusIdle)
	if got := calls.Load(); got != 2 {
		t.Fatalf("save called %d times, want 2", got)
	}
}

func TestFlushWritesChangesMadeDuringInFlightSave(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	q := New(func(ctx context.Context, key string) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}, Options{Delay: 5 * time.Millisecond})

	q.Schedule("script-1")
	waitForStatus(t, q, "script-1", StatusSaving)
	q.Schedule("script-1")

	flushed := make(chan error, 1)
	go func() { flushed <- q.Flush(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Flush did not start")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	select {
	case err := <-flushed:
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("save called %d times, want 2", got)
	}
	if status, _ := q.Status("script-1"); status != StatusIdle {
		t.Fatalf("status = %s, want idle", status)
	}
}

func TestFlushRunsPendingWritesImmediately(t *testing.T) {
	rec := newRecorder()
	q := New(rec.save, Options{Delay: time.Hour})

	q.Schedule("script-1")
	q.Schedule("script-2")
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if rec.count("script-1") != 1 || rec.count("script-2") != 1 {
		t.Fatalf("calls = %v", rec.calls)
	}

	q.Schedule("script-3")
	if status, _ := q.Status("script-3"); status != StatusIdle {
		t.Fatalf("Schedule after Flush should be ignored, status = %s", status)
	}
}

func TestFlushReportsFailures(t *testing.T) {
	rec := newRecorder()
	rec.errFn = func(string, int) error { return errors.New("down") }
	q := New(rec.save, Options{Delay: time.Hour})

	q.Schedule("script-1")
	if err := q.Flush(context.Background()); err == nil {
		t.Fatal("Flush() should report the failed write")
	}
	if status, _ := q.Status("script-1"); status != StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
}
