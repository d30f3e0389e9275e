// Package imagesource supplies frames to the inference pipeline.
package imagesource

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/example/classify-pipeline/internal/pipeline"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("imagesource: feed closed")

// Feed is a single-slot mailbox between a frame producer and the pipeline.
//
// A frame handed to the pipeline stays outstanding until ReadyForNext is
// called. Submit blocks while the slot is full or a frame is outstanding;
// TrySubmit drops the frame instead.
type Feed struct {
	mu          sync.Mutex
	cond        *sync.Cond
	frame       *pipeline.Frame
	outstanding bool
	closed      bool

	dropped atomic.Uint64
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	f := &Feed{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Submit waits until the pipeline is ready and places frame in the slot.
func (f *Feed) Submit(ctx context.Context, frame pipeline.Frame) error {
	stop := context.AfterFunc(ctx, f.wake)
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.closed && ctx.Err() == nil && (f.frame != nil || f.outstanding) {
		f.cond.Wait()
	}
	if f.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.put(frame)
	return nil
}

// TrySubmit places frame in the slot if the pipeline is ready and reports
// whether it did. Rejected frames are counted as dropped.
func (f *Feed) TrySubmit(frame pipeline.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.frame != nil || f.outstanding {
		f.dropped.Add(1)
		return false
	}
	f.put(frame)
	return true
}

// Next blocks until a frame is available. It returns io.EOF once the feed is
// closed and drained.
func (f *Feed) Next(ctx context.Context) (pipeline.Frame, error) {
	stop := context.AfterFunc(ctx, f.wake)
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.frame == nil && !f.closed && ctx.Err() == nil {
		f.cond.Wait()
	}
	if f.frame == nil {
		if err := ctx.Err(); err != nil {
			return pipeline.Frame{}, err
		}
		return pipeline.Frame{}, io.EOF
	}
	frame := *f.frame
	f.frame = nil
	f.outstanding = true
	return frame, nil
}

// ReadyForNext releases the outstanding frame and wakes a waiting producer.
func (f *Feed) ReadyForNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding = false
	f.cond.Broadcast()
}

// Close ends the stream. A frame already in the slot is still delivered.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Dropped returns how many frames TrySubmit rejected.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Feed) put(frame pipeline.Frame) {
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	f.frame = &frame
	f.cond.Broadcast()
}

func (f *Feed) wake() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cond.Broadcast()
}
