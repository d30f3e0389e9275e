// Package display holds the interactive context: a single goroutine that owns
// every user-visible side effect, and the board it renders into.
package display

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Loop runs posted tasks one at a time, in the order they were posted.
// Post never blocks the caller.
type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
}

// NewLoop constructs an idle loop. Call Run to start executing tasks.
func NewLoop(logger *zap.Logger) *Loop {
	l := &Loop{logger: logger.Named("interactive_loop")}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post queues task for execution. It returns false once the loop is closed.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, task)
	l.cond.Signal()
	return true
}

// Run executes tasks until ctx is cancelled or Close is called. Tasks queued
// before shutdown are still executed.
func (l *Loop) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.execute(task)
	}
}

// Close stops accepting tasks and lets Run return once the queue drains.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}

// Sync blocks until every task posted before it has run.
func (l *Loop) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("interactive task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
