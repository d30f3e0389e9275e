package pipeline_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/display"
	"github.com/example/classify-pipeline/internal/imagesource"
	"github.com/example/classify-pipeline/internal/pipeline"
)

type sliceSource struct {
	mu      sync.Mutex
	frames  []pipeline.Frame
	readies int
}

func (s *sliceSource) Next(ctx context.Context) (pipeline.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return pipeline.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) ReadyForNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readies++
}

func (s *sliceSource) readyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readies
}

type collectingSink struct {
	mu      sync.Mutex
	results []pipeline.Result
}

func (s *collectingSink) ShowResult(r pipeline.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *collectingSink) all() []pipeline.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Result(nil), s.results...)
}

// inlineDispatcher runs tasks on the caller.
type inlineDispatcher struct{}

func (inlineDispatcher) Post(task func()) bool {
	task()
	return true
}

type scriptedHandle struct {
	recognize func(img image.Image) ([]classifier.Recognition, error)
	closed    bool
}

func (h *scriptedHandle) Recognize(ctx context.Context, img image.Image, orientation int) ([]classifier.Recognition, error) {
	if h.closed {
		return nil, errors.New("recognize on released handle")
	}
	return h.recognize(img)
}

func (h *scriptedHandle) InputWidth() int  { return 224 }
func (h *scriptedHandle) InputHeight() int { return 224 }
func (h *scriptedHandle) Close() error {
	h.closed = true
	return nil
}

func managerWith(t *testing.T, recognize func(img image.Image) ([]classifier.Recognition, error)) *classifier.Manager {
	t.Helper()
	factory := classifier.FactoryFunc(func(ctx context.Context, cfg classifier.Config) (classifier.Handle, error) {
		return &scriptedHandle{recognize: recognize}, nil
	})
	m := classifier.NewManager(factory, nil, zap.NewNop())
	cfg := classifier.Config{Model: classifier.ModelFloatMobileNet, Device: classifier.DeviceCPU, NumThreads: 1}
	if err := m.Reconfigure(context.Background(), cfg); err != nil {
		t.Fatalf("reconfigure failed: %v", err)
	}
	return m
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func framesNamed(names ...string) []pipeline.Frame {
	frames := make([]pipeline.Frame, len(names))
	for i, n := range names {
		frames[i] = pipeline.Frame{Name: n, Image: solidImage(2, 2, color.Gray{Y: uint8(i)})}
	}
	return frames
}

func TestNoClassifierSkipsEveryImage(t *testing.T) {
	source := &sliceSource{frames: framesNamed("a", "b", "c", "d", "e")}
	sink := &collectingSink{}
	m := classifier.NewManager(classifier.StaticFactory{}, nil, zap.NewNop())
	p := pipeline.New(m, source, sink, inlineDispatcher{}, zap.NewNop())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := len(sink.all()); got != 0 {
		t.Fatalf("expected no results, got %d", got)
	}
	if got := source.readyCount(); got != 5 {
		t.Fatalf("expected 5 ready signals, got %d", got)
	}
	if s := p.Stats(); s.Skipped != 5 || s.Submitted != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestResultsPublishedInOrderWithFailuresSkipped(t *testing.T) {
	names := []string{"a", "b", "bad", "c", "panic", "d"}
	frames := framesNamed(names...)
	frames = append(frames, pipeline.Frame{Name: "undecodable", Err: errors.New("unexpected EOF")})

	failing := map[string]bool{"bad": true, "panic": true}
	var current string
	m := managerWith(t, func(img image.Image) ([]classifier.Recognition, error) {
		switch current {
		case "bad":
			return nil, errors.New("malformed tensor")
		case "panic":
			panic("native crash")
		}
		return []classifier.Recognition{{Label: current, Confidence: 0.5}}, nil
	})

	source := &sliceSource{}
	sink := &collectingSink{}
	p := pipeline.New(m, source, sink, inlineDispatcher{}, zap.NewNop())

	for _, f := range frames {
		current = f.Name
		_, published := p.ProcessNext(context.Background(), f)
		if published == (failing[f.Name] || f.Err != nil) {
			t.Fatalf("frame %s: unexpected published=%v", f.Name, published)
		}
	}

	results := sink.all()
	want := []string{"a", "b", "c", "d"}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, r := range results {
		if r.ImageName != want[i] || r.Recognitions[0].Label != want[i] {
			t.Fatalf("result %d: expected %s, got %s", i, want[i], r.ImageName)
		}
	}
	if got := source.readyCount(); got != len(frames) {
		t.Fatalf("expected %d ready signals, got %d", len(frames), got)
	}
	if s := p.Stats(); s.Failed != 3 || s.Published != 4 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestSolidBlackScenario(t *testing.T) {
	img := solidImage(4, 4, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	sum := md5.Sum(buf.Bytes())
	wantFingerprint := hex.EncodeToString(sum[:])

	m := managerWith(t, func(image.Image) ([]classifier.Recognition, error) { return nil, nil })
	source := &sliceSource{frames: []pipeline.Frame{{Name: "black.png", Image: img, Orientation: 90}}}
	sink := &collectingSink{}
	p := pipeline.New(m, source, sink, inlineDispatcher{}, zap.NewNop())

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ElapsedMs < 0 || r.Elapsed < 0 {
		t.Fatalf("negative elapsed time %v", r.Elapsed)
	}
	if r.Fingerprint != wantFingerprint {
		t.Fatalf("expected fingerprint %s, got %s", wantFingerprint, r.Fingerprint)
	}
	if r.Recognitions == nil {
		t.Fatal("expected non-nil recognitions")
	}
	if r.ImageWidth != 4 || r.ImageHeight != 4 || r.InputWidth != 224 || r.Orientation != 90 {
		t.Fatalf("unexpected dimensions %+v", r)
	}
	if r.Config.Model != classifier.ModelFloatMobileNet || r.ID == "" || r.ImageID == "" {
		t.Fatalf("unexpected identity fields %+v", r)
	}
}

func TestResultPublishedWithoutFingerprintWhenEncodingFails(t *testing.T) {
	m := managerWith(t, func(image.Image) ([]classifier.Recognition, error) {
		return []classifier.Recognition{{Label: "empty", Confidence: 0.5}}, nil
	})
	source := &sliceSource{}
	sink := &collectingSink{}
	core, logs := observer.New(zapcore.WarnLevel)
	p := pipeline.New(m, source, sink, inlineDispatcher{}, zap.New(core))

	frame := pipeline.Frame{Name: "empty.png", Image: image.NewRGBA(image.Rect(0, 0, 0, 0))}
	result, published := p.ProcessNext(context.Background(), frame)
	if !published {
		t.Fatal("expected the result to be published")
	}
	if result.Fingerprint != "" {
		t.Fatalf("expected empty fingerprint, got %q", result.Fingerprint)
	}
	results := sink.all()
	if len(results) != 1 || results[0].Fingerprint != "" {
		t.Fatalf("expected one result without fingerprint, got %+v", results)
	}
	if source.readyCount() != 1 {
		t.Fatalf("expected 1 ready signal, got %d", source.readyCount())
	}
	if logs.FilterMessage("publishing result without fingerprint").Len() != 1 {
		t.Fatalf("expected a fingerprint warning, got %v", logs.All())
	}
	if s := p.Stats(); s.Published != 1 || s.Failed != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

type recorderFunc func(ctx context.Context, r pipeline.Result) error

func (f recorderFunc) Record(ctx context.Context, r pipeline.Result) error { return f(ctx, r) }

func TestRecorderFailureDoesNotStopPipeline(t *testing.T) {
	m := managerWith(t, func(image.Image) ([]classifier.Recognition, error) {
		return []classifier.Recognition{{Label: "x", Confidence: 1}}, nil
	})
	var recorded int
	recorder := recorderFunc(func(ctx context.Context, r pipeline.Result) error {
		recorded++
		return errors.New("database down")
	})
	source := &sliceSource{frames: framesNamed("a", "b", "c")}
	sink := &collectingSink{}
	p := pipeline.New(m, source, sink, inlineDispatcher{}, zap.NewNop(), pipeline.WithRecorder(recorder))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if recorded != 3 || len(sink.all()) != 3 || source.readyCount() != 3 {
		t.Fatalf("unexpected counts recorded=%d results=%d readies=%d", recorded, len(sink.all()), source.readyCount())
	}
}

func TestRunWithFeedAndInteractiveLoop(t *testing.T) {
	loop := display.NewLoop(zap.NewNop())
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		loop.Run(loopCtx)
		close(loopDone)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	m := managerWith(t, func(img image.Image) ([]classifier.Recognition, error) {
		return []classifier.Recognition{{Label: "frame", Confidence: 0.9}}, nil
	})
	feed := imagesource.NewFeed()
	board := display.NewBoard()
	sink := &collectingSink{}
	p := pipeline.New(m, feed, sink, loop, zap.NewNop())

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()

	const n = 20
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		frame := pipeline.Frame{ID: string(rune('A' + i)), Image: solidImage(3, 3, color.Gray{Y: uint8(i)})}
		if err := feed.Submit(ctx, frame); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}
	feed.Close()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	if err := loop.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	results := sink.all()
	if len(results) != n {
		t.Fatalf("expected %d results, got %d", n, len(results))
	}
	for i, r := range results {
		if r.ImageID != string(rune('A'+i)) {
			t.Fatalf("result %d out of order: %s", i, r.ImageID)
		}
	}
	board.ShowResult(results[n-1])
	if board.Snapshot().Result == nil {
		t.Fatal("expected board to hold the last result")
	}
}

func TestReconfigureDuringInFlightInference(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var handles []*scriptedHandle
	var mu sync.Mutex

	factory := classifier.FactoryFunc(func(ctx context.Context, cfg classifier.Config) (classifier.Handle, error) {
		h := &scriptedHandle{}
		h.recognize = func(image.Image) ([]classifier.Recognition, error) {
			if h.closed {
				return nil, errors.New("released")
			}
			close(entered)
			<-release
			return []classifier.Recognition{{Label: string(cfg.Model)}}, nil
		}
		mu.Lock()
		handles = append(handles, h)
		mu.Unlock()
		return h, nil
	})
	m := classifier.NewManager(factory, nil, zap.NewNop())
	oldCfg := classifier.Config{Model: classifier.ModelFloatMobileNet, Device: classifier.DeviceCPU, NumThreads: 1}
	if err := m.Reconfigure(context.Background(), oldCfg); err != nil {
		t.Fatalf("reconfigure failed: %v", err)
	}

	source := &sliceSource{}
	sink := &collectingSink{}
	p := pipeline.New(m, source, sink, inlineDispatcher{}, zap.NewNop())

	processed := make(chan pipeline.Result, 1)
	go func() {
		r, _ := p.ProcessNext(context.Background(), framesNamed("x")[0])
		processed <- r
	}()
	<-entered

	newCfg := classifier.Config{Model: classifier.ModelFloatEfficientNet, Device: classifier.DeviceCPU, NumThreads: 2}
	reconfigured := make(chan error, 1)
	go func() { reconfigured <- m.Reconfigure(context.Background(), newCfg) }()

	select {
	case <-reconfigured:
		t.Fatal("reconfigure completed while inference was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	r := <-processed
	if r.Config != oldCfg || r.Recognitions[0].Label != string(classifier.ModelFloatMobileNet) {
		t.Fatalf("in-flight inference did not use the old handle: %+v", r)
	}
	if err := <-reconfigured; err != nil {
		t.Fatalf("reconfigure failed: %v", err)
	}
	if cfg, ok := m.Config(); !ok || cfg != newCfg {
		t.Fatalf("expected new config current, got %v", cfg)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handles) != 2 || !handles[0].closed || handles[1].closed {
		t.Fatalf("unexpected handle lifecycle")
	}
}
