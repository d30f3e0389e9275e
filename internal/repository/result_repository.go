package repository

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/logging"
	"github.com/example/classify-pipeline/internal/pipeline"
)

// ResultLog is a persisted inference result.
type ResultLog struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	ResultID      string    `gorm:"column:result_id;uniqueIndex;size:64" json:"result_id"`
	ImageID       string    `gorm:"column:image_id;size:64" json:"image_id"`
	ImageName     string    `gorm:"column:image_name;size:255" json:"image_name"`
	Fingerprint   string    `gorm:"column:fingerprint;index;size:32" json:"fingerprint"`
	TopLabel      string    `gorm:"column:top_label;size:255" json:"top_label"`
	TopConfidence float32   `gorm:"column:top_confidence" json:"top_confidence"`
	Recognitions  string    `gorm:"column:recognitions;type:text" json:"recognitions"`
	ElapsedMs     int64     `gorm:"column:elapsed_ms" json:"elapsed_ms"`
	ImageWidth    int       `gorm:"column:image_width" json:"image_width"`
	ImageHeight   int       `gorm:"column:image_height" json:"image_height"`
	Orientation   int       `gorm:"column:orientation" json:"orientation"`
	Model         string    `gorm:"column:model;size:64" json:"model"`
	Device        string    `gorm:"column:device;size:16" json:"device"`
	NumThreads    int       `gorm:"column:num_threads" json:"num_threads"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (ResultLog) TableName() string {
	return "inference_results"
}

// NewResultLog flattens a pipeline result into its persisted form.
func NewResultLog(r pipeline.Result) (*ResultLog, error) {
	recs, err := json.Marshal(r.Recognitions)
	if err != nil {
		return nil, err
	}
	log := &ResultLog{
		ResultID:     r.ID,
		ImageID:      r.ImageID,
		ImageName:    r.ImageName,
		Fingerprint:  r.Fingerprint,
		Recognitions: string(recs),
		ElapsedMs:    r.ElapsedMs,
		ImageWidth:   r.ImageWidth,
		ImageHeight:  r.ImageHeight,
		Orientation:  r.Orientation,
		Model:        string(r.Config.Model),
		Device:       string(r.Config.Device),
		NumThreads:   r.Config.NumThreads,
		CreatedAt:    r.CompletedAt,
	}
	if top, ok := r.Top(); ok {
		log.TopLabel = top.Label
		log.TopConfidence = top.Confidence
	}
	return log, nil
}

// DecodeRecognitions returns the stored recognitions.
func (l *ResultLog) DecodeRecognitions() ([]classifier.Recognition, error) {
	var recs []classifier.Recognition
	if l.Recognitions == "" {
		return recs, nil
	}
	err := json.Unmarshal([]byte(l.Recognitions), &recs)
	return recs, err
}

// MetricsAggregation holds aggregate figures over all stored results.
type MetricsAggregation struct {
	TotalCount           int64
	AverageElapsedMs     float64
	DistinctFingerprints int64
}

// ResultRepository provides persistence APIs for inference results.
type ResultRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewResultRepository creates a new repository instance.
func NewResultRepository(db *gorm.DB, logger *zap.Logger) *ResultRepository {
	return &ResultRepository{
		db:             db,
		logger:         logger.Named("result_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ResultRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ResultLog{})
}

// SaveResult persists a result log entry.
func (r *ResultRepository) SaveResult(ctx context.Context, log *ResultLog) error {
	return r.executeWithRetry(ctx, "repository.save_result", log.ResultID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByResultID retrieves a stored result.
func (r *ResultRepository) FindByResultID(ctx context.Context, resultID string) (*ResultLog, error) {
	var log ResultLog
	err := r.executeWithRetry(ctx, "repository.find_result", resultID, func() error {
		return r.db.WithContext(ctx).First(&log, "result_id = ?", resultID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindByFingerprint lists results for the same image content, oldest first,
// leaving out excludeResultID.
func (r *ResultRepository) FindByFingerprint(ctx context.Context, fingerprint, excludeResultID string) ([]*ResultLog, error) {
	var logs []*ResultLog
	err := r.executeWithRetry(ctx, "repository.find_by_fingerprint", excludeResultID, func() error {
		return r.db.WithContext(ctx).
			Where("fingerprint = ? AND result_id <> ?", fingerprint, excludeResultID).
			Order("created_at ASC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarizes every stored result.
func (r *ResultRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&ResultLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(AVG(elapsed_ms), 0) AS average_elapsed_ms, " +
				"COUNT(DISTINCT NULLIF(fingerprint, '')) AS distinct_fingerprints").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ResultRepository) executeWithRetry(ctx context.Context, operation, id string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, id)
	var err error
	for attempt := 0; attempt < max(r.retryAttempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == r.retryAttempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}
