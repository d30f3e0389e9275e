// Package grpcclient binds classifier handles to a remote classification
// service over gRPC.
//
// Messages travel as google.protobuf.Struct so the service contract needs no
// generated stubs:
//
//	/classifier.v1.Classifier/Describe  {model, device, num_threads} -> {input_width, input_height}
//	/classifier.v1.Classifier/Recognize {model, orientation, image_png} -> {recognitions: [{id, label, confidence}]}
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/fingerprint"
	"github.com/example/classify-pipeline/internal/logging"
)

const (
	DescribeMethod  = "/classifier.v1.Classifier/Describe"
	RecognizeMethod = "/classifier.v1.Classifier/Recognize"
)

var errReleased = errors.New("grpcclient: handle released")

// Factory dials the remote classifier once per handle.
type Factory struct {
	Addr        string
	DialTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them to inject a dialer.
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Create dials the service and asks it for the input dimensions of cfg.
func (f *Factory) Create(ctx context.Context, cfg classifier.Config) (classifier.Handle, error) {
	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, f.DialOptions...)

	conn, err := grpc.DialContext(dialCtx, f.Addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		f.Logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", f.Addr))
		return nil, wrapped
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"model":       string(cfg.Model),
		"device":      string(cfg.Device),
		"num_threads": cfg.NumThreads,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, DescribeMethod, req, resp); err != nil {
		conn.Close()
		return nil, logging.NewOperationError("grpcclient.describe", "", err)
	}

	fields := resp.GetFields()
	width := int(fields["input_width"].GetNumberValue())
	height := int(fields["input_height"].GetNumberValue())
	if width <= 0 || height <= 0 {
		conn.Close()
		return nil, fmt.Errorf("grpcclient: invalid input dimensions %dx%d", width, height)
	}

	return &handle{
		conn:   conn,
		cfg:    cfg,
		width:  width,
		height: height,
		logger: f.Logger.Named("grpc_classifier"),
	}, nil
}

type handle struct {
	conn          *grpc.ClientConn
	cfg           classifier.Config
	width, height int
	logger        *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (h *handle) Recognize(ctx context.Context, img image.Image, orientation int) ([]classifier.Recognition, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, errReleased
	}

	encoded, err := fingerprint.Encode(img)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"model":       string(h.cfg.Model),
		"orientation": orientation,
		"image_png":   base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := h.conn.Invoke(ctx, RecognizeMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.recognize", "", err)
		h.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	var recs []classifier.Recognition
	for _, v := range resp.GetFields()["recognitions"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		recs = append(recs, classifier.Recognition{
			ID:         f["id"].GetStringValue(),
			Label:      f["label"].GetStringValue(),
			Confidence: float32(f["confidence"].GetNumberValue()),
		})
	}
	return classifier.Rank(recs, classifier.MaxResults), nil
}

func (h *handle) InputWidth() int  { return h.width }
func (h *handle) InputHeight() int { return h.height }

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errReleased
	}
	h.closed = true
	return h.conn.Close()
}
