// Package classifier defines the classification capability consumed by the
// inference pipeline and the manager that owns the single live handle.
package classifier

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"
)

// MaxResults is the number of recognitions a backend reports per image.
const MaxResults = 3

// Model identifies one of the supported network variants.
type Model string

const (
	ModelFloatMobileNet        Model = "float_mobilenet"
	ModelQuantizedMobileNet    Model = "quantized_mobilenet"
	ModelFloatEfficientNet     Model = "float_efficientnet"
	ModelQuantizedEfficientNet Model = "quantized_efficientnet"
)

// Quantized reports whether the model uses a quantized numeric representation.
func (m Model) Quantized() bool {
	return m == ModelQuantizedMobileNet || m == ModelQuantizedEfficientNet
}

// Valid reports whether m is one of the known models.
func (m Model) Valid() bool {
	switch m {
	case ModelFloatMobileNet, ModelQuantizedMobileNet, ModelFloatEfficientNet, ModelQuantizedEfficientNet:
		return true
	}
	return false
}

// Device is the execution target a handle is bound to.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// Accelerated reports whether the device is a hardware accelerator.
func (d Device) Accelerated() bool { return d == DeviceGPU }

// Valid reports whether d is one of the known devices.
func (d Device) Valid() bool { return d == DeviceCPU || d == DeviceGPU }

// ParseModel parses a model name, case-insensitively.
func ParseModel(s string) (Model, error) {
	m := Model(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, s)
	}
	return m, nil
}

// ParseDevice parses a device name, case-insensitively.
func ParseDevice(s string) (Device, error) {
	d := Device(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, s)
	}
	return d, nil
}

// Config binds a handle to a model, device and thread count. It is a plain
// value and can be compared with ==.
type Config struct {
	Model      Model  `json:"model"`
	Device     Device `json:"device"`
	NumThreads int    `json:"num_threads"`
}

// Validate checks that every field holds a supported value.
func (c Config) Validate() error {
	if !c.Model.Valid() {
		return fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, c.Model)
	}
	if !c.Device.Valid() {
		return fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, c.Device)
	}
	if c.NumThreads < 1 {
		return fmt.Errorf("%w: num_threads must be positive, got %d", ErrInvalidConfig, c.NumThreads)
	}
	return nil
}

// Compatible reports whether the device can execute the model. Accelerated
// execution of quantized models is not supported.
func (c Config) Compatible() bool {
	return !(c.Device.Accelerated() && c.Model.Quantized())
}

func (c Config) String() string {
	return fmt.Sprintf("model=%s device=%s threads=%d", c.Model, c.Device, c.NumThreads)
}

// Recognition is one labeled score produced for an image.
type Recognition struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Confidence float32          `json:"confidence"`
	Location   *image.Rectangle `json:"location,omitempty"`
}

func (r Recognition) String() string {
	var b strings.Builder
	if r.ID != "" {
		fmt.Fprintf(&b, "[%s] ", r.ID)
	}
	if r.Label != "" {
		b.WriteString(r.Label)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "(%.1f%%)", r.Confidence*100)
	if r.Location != nil {
		fmt.Fprintf(&b, " %v", *r.Location)
	}
	return strings.TrimSpace(b.String())
}

// Rank sorts recognitions by descending confidence and keeps at most limit
// entries. A limit <= 0 keeps all of them.
func Rank(recs []Recognition, limit int) []Recognition {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Confidence > recs[j].Confidence
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// Handle is a live binding to a classifier for one Config. It owns the
// underlying inference resources until Close is called.
type Handle interface {
	// Recognize classifies img, rotated by orientation degrees, and returns
	// recognitions ordered by descending confidence.
	Recognize(ctx context.Context, img image.Image, orientation int) ([]Recognition, error)
	InputWidth() int
	InputHeight() int
	Close() error
}

// Factory creates handles.
type Factory interface {
	Create(ctx context.Context, cfg Config) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, cfg Config) (Handle, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, cfg Config) (Handle, error) {
	return f(ctx, cfg)
}

// Notifier receives user-visible notices.
type Notifier interface {
	Notify(message string)
}
