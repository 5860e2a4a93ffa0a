package voice

import (
	"context"
	"errors"
	"sync"
)

var ErrLoopStopped = errors.New("voice loop stopped")

// Loop is a run-to-completion event queue. Every state mutation of the voice
// core happens on the goroutine executing Run; other goroutines only Post.
// The queue is unbounded so posting from inside a handler never blocks.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for its result.
// Calling Do from inside a loop handler deadlocks.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !l.Post(func() { res <- fn() }) {
		return ErrLoopStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run processes events until ctx is done. A stopped loop cannot be restarted.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		l.drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// drain runs queued events, including ones posted while draining, and
// returns how many ran.
func (l *Loop) drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
		n++
	}
}
