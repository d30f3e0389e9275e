package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/imagesource"
)

// Backends accepted in CLASSIFIER_BACKEND.
const (
	BackendONNX   = "onnx"
	BackendGRPC   = "grpc"
	BackendStatic = "static"
)

// Frame sources accepted in SOURCE.
const (
	SourceDir  = "dir"
	SourceFeed = "feed"
)

// Config is the process configuration read from the environment.
type Config struct {
	HTTPAddr string
	LogLevel string

	Backend        string
	Classifier     classifier.Config
	ModelDir       string
	ONNXLibrary    string
	ClassifierAddr string

	Source      string
	ImageDir    string
	Loop        bool
	Orientation int

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	model, err := classifier.ParseModel(getEnv("MODEL", string(classifier.ModelFloatMobileNet)))
	if err != nil {
		return nil, err
	}
	device, err := classifier.ParseDevice(getEnv("DEVICE", string(classifier.DeviceCPU)))
	if err != nil {
		return nil, err
	}
	threads, err := getInt("NUM_THREADS", 1)
	if err != nil {
		return nil, err
	}
	rotation, err := getInt("SENSOR_ROTATION", 90)
	if err != nil {
		return nil, err
	}
	screen, err := getInt("SCREEN_ORIENTATION", 0)
	if err != nil {
		return nil, err
	}
	loop, err := strconv.ParseBool(getEnv("LOOP", "false"))
	if err != nil {
		return nil, fmt.Errorf("config: LOOP: %w", err)
	}

	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Backend:        strings.ToLower(getEnv("CLASSIFIER_BACKEND", BackendONNX)),
		Classifier:     classifier.Config{Model: model, Device: device, NumThreads: threads},
		ModelDir:       getEnv("MODEL_DIR", "models"),
		ONNXLibrary:    os.Getenv("ONNXRUNTIME_LIB"),
		ClassifierAddr: getEnv("CLASSIFIER_ADDR", "classifier:50051"),
		Source:         strings.ToLower(getEnv("SOURCE", SourceDir)),
		ImageDir:       getEnv("IMAGE_DIR", "test_images"),
		Loop:           loop,
		Orientation:    imagesource.SensorOrientation(rotation, screen),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:    os.Getenv("JWT_AUDIENCE"),
	}

	switch cfg.Backend {
	case BackendONNX, BackendGRPC, BackendStatic:
	default:
		return nil, fmt.Errorf("config: unknown CLASSIFIER_BACKEND %q", cfg.Backend)
	}
	switch cfg.Source {
	case SourceDir, SourceFeed:
	default:
		return nil, fmt.Errorf("config: unknown SOURCE %q", cfg.Source)
	}
	if err := cfg.Classifier.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}
