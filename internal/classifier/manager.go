package classifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Manager owns the single live Handle and rebinds it when the configuration
// changes.
//
// Inference runs under the read side of mu (see Use) and replacement under
// the write side, so a reconfiguration waits for an in-flight inference to
// return and a reader never sees a released handle. The bound configuration is
// also published through bound, which never waits on mu.
type Manager struct {
	factory  Factory
	notifier Notifier
	logger   *zap.Logger

	mu     sync.RWMutex
	handle Handle
	config Config

	bound atomic.Pointer[Config]
}

// NewManager constructs a manager without a live handle. notifier may be nil.
func NewManager(factory Factory, notifier Notifier, logger *zap.Logger) *Manager {
	return &Manager{
		factory:  factory,
		notifier: notifier,
		logger:   logger.Named("classifier_manager"),
	}
}

// Reconfigure releases the current handle and binds a new one to cfg.
//
// An accelerated device paired with a quantized model is rejected with
// ErrIncompatibleConfig and a notice. A factory failure is logged and
// returned wrapped in ErrClassifierCreation. In both cases the manager stays
// without a handle.
func (m *Manager) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.releaseLocked()

	if !cfg.Compatible() {
		m.mu.Unlock()
		m.logger.Info("not creating classifier: accelerated device does not support quantized models",
			zap.String("model", string(cfg.Model)), zap.String("device", string(cfg.Device)))
		if m.notifier != nil {
			m.notifier.Notify(IncompatibleNotice)
		}
		return fmt.Errorf("%w: %s", ErrIncompatibleConfig, cfg)
	}

	m.logger.Debug("creating classifier",
		zap.String("model", string(cfg.Model)),
		zap.String("device", string(cfg.Device)),
		zap.Int("num_threads", cfg.NumThreads))

	handle, err := m.factory.Create(ctx, cfg)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to create classifier", zap.Stringer("config", cfg), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrClassifierCreation, err)
	}
	m.handle = handle
	m.config = cfg
	m.bound.Store(&cfg)
	m.mu.Unlock()

	m.logger.Info("classifier ready",
		zap.Stringer("config", cfg),
		zap.Int("input_width", handle.InputWidth()),
		zap.Int("input_height", handle.InputHeight()))
	return nil
}

// Current returns the live handle, if any.
func (m *Manager) Current() (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle, m.handle != nil
}

// Config returns the configuration the live handle is bound to. It does not
// wait for a reconfiguration in progress; while one runs there is no handle.
func (m *Manager) Config() (Config, bool) {
	cfg := m.bound.Load()
	if cfg == nil {
		return Config{}, false
	}
	return *cfg, true
}

// InputDimensions returns the input width and height of the live handle.
func (m *Manager) InputDimensions() (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return 0, 0, ErrNoClassifier
	}
	return m.handle.InputWidth(), m.handle.InputHeight(), nil
}

// Use runs fn with the live handle while holding it against replacement.
// It reports false without calling fn when no handle exists.
func (m *Manager) Use(fn func(Handle, Config) error) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return false, nil
	}
	return true, fn(m.handle, m.config)
}

// Close releases the live handle. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if m.handle == nil {
		return
	}
	m.bound.Store(nil)
	m.logger.Debug("closing classifier", zap.Stringer("config", m.config))
	if err := m.handle.Close(); err != nil {
		m.logger.Warn("failed to release classifier", zap.Stringer("config", m.config), zap.Error(err))
	}
	m.handle = nil
	m.config = Config{}
}
