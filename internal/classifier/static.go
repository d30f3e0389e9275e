package classifier

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
)

// StaticFactory creates handles that report a fixed ranking for every image.
// It backs smoke runs where no model runtime is installed.
type StaticFactory struct {
	Width, Height int
	Recognitions  []Recognition
}

// Create returns a new static handle.
func (f StaticFactory) Create(_ context.Context, cfg Config) (Handle, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		w, h = 224, 224
	}
	recs := append([]Recognition(nil), f.Recognitions...)
	return &staticHandle{width: w, height: h, recs: Rank(recs, MaxResults)}, nil
}

type staticHandle struct {
	width, height int
	recs          []Recognition
	closed        atomic.Bool
}

func (h *staticHandle) Recognize(ctx context.Context, img image.Image, _ int) ([]Recognition, error) {
	if h.closed.Load() {
		return nil, errors.New("static classifier: handle released")
	}
	if img == nil {
		return nil, errors.New("static classifier: nil image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]Recognition{}, h.recs...), nil
}

func (h *staticHandle) InputWidth() int  { return h.width }
func (h *staticHandle) InputHeight() int { return h.height }

func (h *staticHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return errors.New("static classifier: already released")
	}
	return nil
}
