// Package onnx runs classifier handles on a local ONNX Runtime session.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/classify-pipeline/internal/classifier"
)

var errReleased = errors.New("onnx: handle released")

// Factory creates ONNX Runtime sessions for the models found in ModelDir.
type Factory struct {
	ModelDir    string
	LibraryPath string
	Logger      *zap.Logger

	initOnce sync.Once
	initErr  error
}

// Create loads the model for cfg and binds a session to it.
func (f *Factory) Create(ctx context.Context, cfg classifier.Config) (classifier.Handle, error) {
	spec, err := specFor(cfg.Model)
	if err != nil {
		return nil, err
	}
	modelPath := filepath.Join(f.ModelDir, spec.file)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx: model file: %w", err)
	}
	labels, err := loadLabels(filepath.Join(f.ModelDir, spec.labels))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.initEnvironment(); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("onnx: unexpected io (in:%d out:%d)", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if len(in.Dimensions) != 4 {
		return nil, fmt.Errorf("onnx: expected 4D input, got %dD", len(in.Dimensions))
	}

	h := &handle{spec: spec, labels: labels}
	inShape := fixedShape(in.Dimensions)
	if inShape[3] == 3 {
		h.order = layoutNHWC
		h.height, h.width = int(inShape[1]), int(inShape[2])
	} else {
		h.order = layoutNCHW
		h.height, h.width = int(inShape[2]), int(inShape[3])
	}

	opts, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	if h.input, err = ort.NewEmptyTensor[float32](inShape); err != nil {
		return nil, fmt.Errorf("onnx: input tensor: %w", err)
	}
	if h.output, err = ort.NewEmptyTensor[float32](fixedShape(out.Dimensions)); err != nil {
		h.destroy()
		return nil, fmt.Errorf("onnx: output tensor: %w", err)
	}
	h.session, err = ort.NewAdvancedSession(modelPath,
		[]string{in.Name}, []string{out.Name},
		[]ort.Value{h.input}, []ort.Value{h.output}, opts)
	if err != nil {
		h.destroy()
		return nil, fmt.Errorf("onnx: session: %w", err)
	}

	f.Logger.Debug("onnx session created",
		zap.String("model_path", modelPath),
		zap.Int("input_width", h.width),
		zap.Int("input_height", h.height),
		zap.Int("labels", len(labels)))
	return h, nil
}

// Shutdown tears down the runtime environment once every handle is closed.
func (f *Factory) Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (f *Factory) initEnvironment() error {
	f.initOnce.Do(func() {
		if f.LibraryPath != "" {
			ort.SetSharedLibraryPath(f.LibraryPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				f.initErr = fmt.Errorf("onnx: init environment: %w", err)
			}
		}
	})
	return f.initErr
}

func sessionOptions(cfg classifier.Config) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("onnx: threads: %w", err)
	}
	if cfg.Device == classifier.DeviceGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("onnx: cuda options: %w", err)
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("onnx: cuda provider: %w", err)
		}
	}
	return opts, nil
}

// fixedShape replaces dynamic (negative) dimensions with 1.
func fixedShape(dims ort.Shape) ort.Shape {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return ort.NewShape(shape...)
}

type handle struct {
	spec          modelSpec
	labels        []string
	order         layout
	width, height int

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (h *handle) Recognize(ctx context.Context, img image.Image, orientation int) ([]classifier.Recognition, error) {
	if img == nil {
		return nil, errors.New("onnx: nil image")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil, errReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prepare(h.input.GetData(), img, orientation, h.width, h.height, h.order, h.spec.mean, h.spec.std)
	if err := h.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	return rank(h.output.GetData(), h.labels, h.spec.outputScale), nil
}

func (h *handle) InputWidth() int  { return h.width }
func (h *handle) InputHeight() int { return h.height }

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return errReleased
	}
	return h.destroy()
}

func (h *handle) destroy() error {
	var errs []error
	if h.session != nil {
		errs = append(errs, h.session.Destroy())
		h.session = nil
	}
	if h.input != nil {
		errs = append(errs, h.input.Destroy())
		h.input = nil
	}
	if h.output != nil {
		errs = append(errs, h.output.Destroy())
		h.output = nil
	}
	return errors.Join(errs...)
}
