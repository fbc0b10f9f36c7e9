package book

import (
	"context"
	"sync"
	"time"

	"github.com/quantfeed/bookmirror/internal/domain"
)

// Latch is the per-book synchronization discipline: any number of readers
// may hold it together, a single writer holds it exclusively, and neither
// side waits past its configured bound.
//
// Writers take priority: once a writer is queued, new readers wait until it
// has run, so a steady stream of samplers cannot starve the event path.
// Acquisition returns a release func (the same shape as a distributed lock
// handle); release is idempotent and must be called on every exit path.
type Latch struct {
	mu             sync.Mutex
	readers        int
	writerActive   bool
	writersWaiting int

	// changed is closed and replaced whenever the latch state moves, waking
	// every queued waiter to re-check its admission condition.
	changed chan struct{}

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewLatch creates a latch with the given acquisition bounds. A zero or
// negative timeout means waiters block until ctx is done.
func NewLatch(readTimeout, writeTimeout time.Duration) *Latch {
	return &Latch{
		changed:      make(chan struct{}),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// RLock enters a read section. It returns domain.ErrLockTimeout when the
// read bound elapses before admission, or ctx.Err() on cancellation.
func (l *Latch) RLock(ctx context.Context) (release func(), err error) {
	deadline := deadlineFrom(l.readTimeout)
	for {
		l.mu.Lock()
		if !l.writerActive && l.writersWaiting == 0 {
			l.readers++
			l.mu.Unlock()
			return l.releaseReadOnce(), nil
		}
		wait := l.changed
		l.mu.Unlock()

		if err := await(ctx, wait, deadline); err != nil {
			return nil, err
		}
	}
}

// Lock enters the write section. It returns domain.ErrLockTimeout when the
// write bound elapses before admission, or ctx.Err() on cancellation.
func (l *Latch) Lock(ctx context.Context) (release func(), err error) {
	deadline := deadlineFrom(l.writeTimeout)

	l.mu.Lock()
	l.writersWaiting++
	for l.writerActive || l.readers > 0 {
		wait := l.changed
		l.mu.Unlock()

		if err := await(ctx, wait, deadline); err != nil {
			l.mu.Lock()
			l.writersWaiting--
			l.notifyLocked()
			l.mu.Unlock()
			return nil, err
		}
		l.mu.Lock()
	}
	l.writersWaiting--
	l.writerActive = true
	l.mu.Unlock()

	return l.releaseWriteOnce(), nil
}

func (l *Latch) releaseReadOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.readers--
			l.notifyLocked()
			l.mu.Unlock()
		})
	}
}

func (l *Latch) releaseWriteOnce() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.writerActive = false
			l.notifyLocked()
			l.mu.Unlock()
		})
	}
}

// notifyLocked wakes all waiters. Caller must hold l.mu.
func (l *Latch) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// deadlineFrom converts a timeout into an absolute deadline channel source;
// a nil timer channel never fires, giving unbounded waits for zero timeouts.
func deadlineFrom(timeout time.Duration) <-chan time.Time {
	if timeout <= 0 {
		return nil
	}
	return time.After(timeout)
}

// await blocks until the latch state changes, the deadline fires, or ctx is
// cancelled.
func await(ctx context.Context, changed <-chan struct{}, deadline <-chan time.Time) error {
	select {
	case <-changed:
		return nil
	case <-deadline:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
