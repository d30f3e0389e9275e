package onnx

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/example/classify-pipeline/internal/classifier"
)

// modelSpec describes how to feed and read one model variant.
type modelSpec struct {
	file   string
	labels string
	mean   float32
	std    float32
	// outputScale converts raw scores to probabilities.
	outputScale float32
}

var modelSpecs = map[classifier.Model]modelSpec{
	classifier.ModelFloatMobileNet: {
		file: "mobilenet_v1_1.0_224.onnx", labels: "labels.txt",
		mean: 127.5, std: 127.5, outputScale: 1,
	},
	classifier.ModelQuantizedMobileNet: {
		file: "mobilenet_v1_1.0_224_quant.onnx", labels: "labels.txt",
		mean: 0, std: 1, outputScale: 1.0 / 255,
	},
	classifier.ModelFloatEfficientNet: {
		file: "efficientnet-lite0-fp32.onnx", labels: "labels_without_background.txt",
		mean: 127, std: 128, outputScale: 1,
	},
	classifier.ModelQuantizedEfficientNet: {
		file: "efficientnet-lite0-int8.onnx", labels: "labels_without_background.txt",
		mean: 0, std: 1, outputScale: 1.0 / 255,
	},
}

func specFor(model classifier.Model) (modelSpec, error) {
	spec, ok := modelSpecs[model]
	if !ok {
		return modelSpec{}, fmt.Errorf("onnx: no model file for %q", model)
	}
	return spec, nil
}

func loadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("onnx: read labels: %w", err)
	}
	return labels, nil
}
