package handlers

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/classify-pipeline/internal/auth"
	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/display"
	"github.com/example/classify-pipeline/internal/pipeline"
	"github.com/example/classify-pipeline/internal/repository"
	"github.com/example/classify-pipeline/internal/usecase"
)

// MaxUploadSize bounds the size of an uploaded frame.
const MaxUploadSize = 10 << 20

const (
	// maxFrameRequestSize leaves room for multipart headers around the image.
	maxFrameRequestSize = MaxUploadSize + 1<<20
	submitWaitTimeout   = 30 * time.Second
)

var allowedFrameTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
}

// Classifiers is the part of the classifier manager exposed over HTTP.
type Classifiers interface {
	Reconfigure(ctx context.Context, cfg classifier.Config) error
	Config() (classifier.Config, bool)
	InputDimensions() (int, int, error)
}

// Results answers queries about recorded results.
type Results interface {
	GetResult(ctx context.Context, resultID string) (*repository.ResultLog, error)
	GetReproducibilityReport(ctx context.Context, resultID string) (*usecase.ReproducibilityReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	LatestResultForFingerprint(ctx context.Context, fingerprint string) (*repository.ResultLog, error)
}

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Frames accepts uploaded frames. *imagesource.Feed implements it.
type Frames interface {
	Submit(ctx context.Context, frame pipeline.Frame) error
	TrySubmit(frame pipeline.Frame) bool
	Dropped() uint64
}

// Dependencies groups what the routes read from. Results is nil when
// persistence is disabled and Frames is nil unless uploads feed the pipeline.
type Dependencies struct {
	Classifiers Classifiers
	Board       *display.Board
	Stats       func() pipeline.Stats
	Results     Results
	Frames      Frames
	Orientation int
	Logger      *zap.Logger
}

type configRequest struct {
	Model      string `json:"model" binding:"required"`
	Device     string `json:"device" binding:"required"`
	NumThreads int    `json:"num_threads" binding:"required,min=1"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/display", func(c *gin.Context) {
		body := gin.H{"state": deps.Board.Snapshot()}
		if deps.Stats != nil {
			body["stats"] = deps.Stats()
		}
		if deps.Frames != nil {
			body["dropped_frames"] = deps.Frames.Dropped()
		}
		if cfg, ok := deps.Classifiers.Config(); ok {
			body["config"] = cfg
		}
		c.JSON(http.StatusOK, body)
	})

	router.POST("/config", authMiddleware, func(c *gin.Context) {
		var req configRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		model, err := classifier.ParseModel(req.Model)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		device, err := classifier.ParseDevice(req.Device)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg := classifier.Config{Model: model, Device: device, NumThreads: req.NumThreads}

		operator, _ := auth.Operator(c.Request.Context())
		logger.Info("reconfiguring classifier", zap.String("operator", operator), zap.Stringer("config", cfg))

		if err := deps.Classifiers.Reconfigure(c.Request.Context(), cfg); err != nil {
			c.JSON(configErrorStatus(err), gin.H{"error": err.Error()})
			return
		}

		width, height, err := deps.Classifiers.InputDimensions()
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"config":       cfg,
			"input_width":  width,
			"input_height": height,
		})
	})

	router.POST("/frames", authMiddleware, func(c *gin.Context) {
		if deps.Frames == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "frame upload is disabled"})
			return
		}

		if c.Request.ContentLength > maxFrameRequestSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameRequestSize)

		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		if !allowedFrameTypes[file.Header.Get("Content-Type")] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image must be PNG or JPEG"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		img, err := imaging.Decode(src)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unable to decode image"})
			return
		}

		frame := pipeline.Frame{
			ID:          uuid.NewString(),
			Name:        file.Filename,
			Image:       img,
			Orientation: deps.Orientation,
		}
		if c.Query("wait") != "true" {
			if !deps.Frames.TrySubmit(frame) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "previous frame still in progress"})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"image_id": frame.ID})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), submitWaitTimeout)
		defer cancel()
		if err := deps.Frames.Submit(ctx, frame); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				c.JSON(http.StatusRequestTimeout, gin.H{"error": "pipeline did not become ready"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"image_id": frame.ID})
	})

	router.GET("/results/:id", func(c *gin.Context) {
		if deps.Results == nil {
			persistenceDisabled(c)
			return
		}
		log, err := deps.Results.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			lookupFailed(c, logger, err)
			return
		}
		recs, err := log.DecodeRecognitions()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stored recognitions are corrupt"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"result":       log,
			"recognitions": recs,
		})
	})

	router.GET("/results/:id/reproducibility", func(c *gin.Context) {
		if deps.Results == nil {
			persistenceDisabled(c)
			return
		}
		report, err := deps.Results.GetReproducibilityReport(c.Request.Context(), c.Param("id"))
		if err != nil {
			lookupFailed(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, report)
	})

	router.GET("/fingerprints/:hex", func(c *gin.Context) {
		if deps.Results == nil {
			persistenceDisabled(c)
			return
		}
		fp := c.Param("hex")
		if !fingerprintPattern.MatchString(fp) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fingerprint must be 32 lowercase hex characters"})
			return
		}
		log, err := deps.Results.LatestResultForFingerprint(c.Request.Context(), fp)
		if err != nil {
			lookupFailed(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, log)
	})

	router.GET("/metrics", func(c *gin.Context) {
		if deps.Results == nil {
			persistenceDisabled(c)
			return
		}
		summary, err := deps.Results.GetMetricsSummary(c.Request.Context())
		if err != nil {
			logger.Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func configErrorStatus(err error) int {
	switch {
	case errors.Is(err, classifier.ErrIncompatibleConfig):
		return http.StatusConflict
	case errors.Is(err, classifier.ErrClassifierCreation):
		return http.StatusBadGateway
	case errors.Is(err, classifier.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func persistenceDisabled(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result persistence is disabled"})
}

func lookupFailed(c *gin.Context, logger *zap.Logger, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	logger.Error("failed to load result", zap.String("result_id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
}
