// Package pipeline runs classification on a background worker, one image at a
// time, and hands each result to the interactive context for display.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/fingerprint"
	"github.com/example/classify-pipeline/internal/logging"
)

// ErrInference marks a single image that could not be classified.
var ErrInference = errors.New("inference failed")

// Frame is one image delivered by a Source.
type Frame struct {
	ID          string
	Name        string
	Image       image.Image
	Orientation int
	// Err is set when the source could not decode the image.
	Err error
}

// Result is the outcome of classifying one frame.
type Result struct {
	ID           string                   `json:"id"`
	ImageID      string                   `json:"image_id"`
	ImageName    string                   `json:"image_name,omitempty"`
	Recognitions []classifier.Recognition `json:"recognitions"`
	Elapsed      time.Duration            `json:"-"`
	ElapsedMs    int64                    `json:"elapsed_ms"`
	ImageWidth   int                      `json:"image_width"`
	ImageHeight  int                      `json:"image_height"`
	InputWidth   int                      `json:"input_width"`
	InputHeight  int                      `json:"input_height"`
	Fingerprint  string                   `json:"fingerprint,omitempty"`
	Orientation  int                      `json:"orientation"`
	Config       classifier.Config        `json:"config"`
	CompletedAt  time.Time                `json:"completed_at"`
}

// Top returns the highest ranked recognition, if any.
func (r Result) Top() (classifier.Recognition, bool) {
	if len(r.Recognitions) == 0 {
		return classifier.Recognition{}, false
	}
	return r.Recognitions[0], true
}

// Source supplies frames. Next blocks until a frame is available and returns
// io.EOF once the source is exhausted. ReadyForNext is called exactly once
// per processed frame to request the next one.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	ReadyForNext()
}

// Classifiers gives the pipeline guarded access to the live handle.
// *classifier.Manager implements it.
type Classifiers interface {
	Use(fn func(classifier.Handle, classifier.Config) error) (bool, error)
}

// Sink displays results. It is only called from the interactive context.
type Sink interface {
	ShowResult(Result)
}

// Dispatcher runs tasks on the interactive context. Post must not block.
type Dispatcher interface {
	Post(task func()) bool
}

// Recorder persists results. It runs on the background worker.
type Recorder interface {
	Record(ctx context.Context, result Result) error
}

// Stats counts what the pipeline did with submitted frames.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder persists every published result.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// Pipeline classifies frames pulled from a Source.
type Pipeline struct {
	classifiers Classifiers
	source      Source
	sink        Sink
	dispatch    Dispatcher
	recorder    Recorder
	logger      *zap.Logger

	busy sync.Mutex

	submitted atomic.Uint64
	published atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New constructs a pipeline.
func New(classifiers Classifiers, source Source, sink Sink, dispatch Dispatcher, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		classifiers: classifiers,
		source:      source,
		sink:        sink,
		dispatch:    dispatch,
		logger:      logger.Named("inference_pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pulls and processes frames until the source is exhausted or ctx is
// cancelled. Frames are processed strictly one after another.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started")
	defer p.logger.Info("pipeline stopped", zap.Any("stats", p.Stats()))

	for {
		frame, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: next frame: %w", err)
		}
		p.ProcessNext(ctx, frame)
	}
}

// ProcessNext classifies one frame and publishes the result. It reports
// whether a result was published. The source is signaled ready on every path.
func (p *Pipeline) ProcessNext(ctx context.Context, frame Frame) (Result, bool) {
	p.busy.Lock()
	defer p.busy.Unlock()
	defer p.source.ReadyForNext()

	p.submitted.Add(1)
	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	logger := logging.WithImage(p.logger, frame.ID, frame.Name)

	result, ok, err := p.classify(ctx, frame)
	switch {
	case err != nil:
		p.failed.Add(1)
		logger.Error("skipping image", zap.Error(logging.NewOperationError("pipeline.recognize", frame.ID, err)))
		return Result{}, false
	case !ok:
		p.skipped.Add(1)
		return Result{}, false
	}

	if fp, err := fingerprint.Of(frame.Image); err != nil {
		logger.Warn("publishing result without fingerprint", zap.Error(err))
	} else {
		result.Fingerprint = fp
	}

	logger.Info("image classified",
		zap.String("fingerprint", result.Fingerprint),
		zap.Int64("elapsed_ms", result.ElapsedMs),
		zap.Stringers("recognitions", result.Recognitions))

	if p.dispatch.Post(func() { p.sink.ShowResult(result) }) {
		p.published.Add(1)
	} else {
		logger.Warn("interactive context closed, result dropped", zap.String("result_id", result.ID))
	}

	if p.recorder != nil {
		if err := p.recorder.Record(ctx, result); err != nil {
			logger.Warn("failed to record result", zap.String("result_id", result.ID), zap.Error(err))
		}
	}
	return result, true
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Published: p.published.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
	}
}

// classify runs the live handle on frame. ok is false when no handle exists.
func (p *Pipeline) classify(ctx context.Context, frame Frame) (result Result, ok bool, err error) {
	if frame.Err != nil {
		return Result{}, false, fmt.Errorf("%w: decode: %w", ErrInference, frame.Err)
	}
	if frame.Image == nil {
		return Result{}, false, fmt.Errorf("%w: empty image", ErrInference)
	}

	ok, err = p.classifiers.Use(func(h classifier.Handle, cfg classifier.Config) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", ErrInference, r)
			}
		}()

		start := time.Now()
		recs, err := h.Recognize(ctx, frame.Image, frame.Orientation)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInference, err)
		}
		if elapsed < 0 {
			elapsed = 0
		}
		if recs == nil {
			recs = []classifier.Recognition{}
		}

		bounds := frame.Image.Bounds()
		result = Result{
			ID:           uuid.NewString(),
			ImageID:      frame.ID,
			ImageName:    frame.Name,
			Recognitions: recs,
			Elapsed:      elapsed,
			ElapsedMs:    elapsed.Milliseconds(),
			ImageWidth:   bounds.Dx(),
			ImageHeight:  bounds.Dy(),
			InputWidth:   h.InputWidth(),
			InputHeight:  h.InputHeight(),
			Orientation:  frame.Orientation,
			Config:       cfg,
			CompletedAt:  time.Now().UTC(),
		}
		return nil
	})
	return result, ok, err
}
