package classifier

import "errors"

var (
	// ErrInvalidConfig is returned for unknown models, devices or thread counts.
	ErrInvalidConfig = errors.New("invalid classifier config")
	// ErrIncompatibleConfig is returned when the device cannot run the model.
	ErrIncompatibleConfig = errors.New("incompatible classifier config")
	// ErrClassifierCreation wraps failures raised by a Factory.
	ErrClassifierCreation = errors.New("classifier creation failed")
	// ErrNoClassifier is returned when an operation needs a live handle and none exists.
	ErrNoClassifier = errors.New("no active classifier")
)

// IncompatibleNotice is the user-visible message sent when a reconfiguration
// is rejected for an accelerated device and a quantized model.
const IncompatibleNotice = "GPU does not support quantized models."
