package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/classify-pipeline/internal/logging"
	"github.com/example/classify-pipeline/internal/pipeline"
	"github.com/example/classify-pipeline/internal/repository"
)

// ResultRepository defines the persistence operations needed by the use case.
type ResultRepository interface {
	SaveResult(ctx context.Context, log *repository.ResultLog) error
	FindByResultID(ctx context.Context, resultID string) (*repository.ResultLog, error)
	FindByFingerprint(ctx context.Context, fingerprint, excludeResultID string) ([]*repository.ResultLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ResultUseCase records inference results and answers queries about them.
type ResultUseCase struct {
	repo           ResultRepository
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ReproducibilityReport lists every other result computed on the same image
// content and whether they agree on the top label.
type ReproducibilityReport struct {
	Result     *repository.ResultLog   `json:"result"`
	Matches    []*repository.ResultLog `json:"matches"`
	Consistent bool                    `json:"consistent"`
}

// NewResultUseCase constructs a new use case instance. cache may be nil.
func NewResultUseCase(repo ResultRepository, cache Cache, logger *zap.Logger) *ResultUseCase {
	return &ResultUseCase{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("result_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Record persists result and caches it by id and by fingerprint.
func (uc *ResultUseCase) Record(ctx context.Context, result pipeline.Result) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_result", result.ID)

	log, err := repository.NewResultLog(result)
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", result.ID, err)
	}
	if err := uc.repo.SaveResult(ctx, log); err != nil {
		opLogger.Error("failed to persist result", zap.Error(err))
		return err
	}

	if uc.cache == nil {
		return nil
	}

	serialized, err := json.Marshal(log)
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", result.ID, err)
	}
	if err := uc.withCacheRetry(ctx, result.ID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(result.ID), string(serialized), resultTTL)
	}); err != nil {
		return err
	}

	if result.Fingerprint != "" {
		if err := uc.withCacheRetry(ctx, result.ID, "cache.set.fingerprint", func() error {
			return uc.cache.Set(ctx, fingerprintKey(result.Fingerprint), result.ID, fingerprintTTL)
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetResult retrieves a cached result or loads it from persistence.
func (uc *ResultUseCase) GetResult(ctx context.Context, resultID string) (*repository.ResultLog, error) {
	if uc.cache != nil {
		cached, err := uc.withCacheGet(ctx, resultID, "cache.get.result", resultKey(resultID))
		switch {
		case err == nil:
			var log repository.ResultLog
			if decodeErr := json.Unmarshal([]byte(cached), &log); decodeErr != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", resultID).Warn("failed to decode cached result", zap.Error(decodeErr))
			} else {
				return &log, nil
			}
		case !errors.Is(err, redis.Nil):
			logging.WithOperation(uc.logger, "usecase.get_result", resultID).Warn("failed to read cache", zap.Error(err))
		}
	}

	return uc.repo.FindByResultID(ctx, resultID)
}

// LatestResultForFingerprint returns the most recent result computed on the
// image content with the given fingerprint. The cached pointer is tried before
// the repository.
func (uc *ResultUseCase) LatestResultForFingerprint(ctx context.Context, fingerprint string) (*repository.ResultLog, error) {
	if id, ok := uc.cachedResultForFingerprint(ctx, fingerprint); ok {
		log, err := uc.GetResult(ctx, id)
		if err == nil {
			return log, nil
		}
		logging.WithOperation(uc.logger, "usecase.latest_for_fingerprint", id).
			Warn("cached fingerprint points at an unreadable result", zap.Error(err))
	}

	logs, err := uc.repo.FindByFingerprint(ctx, fingerprint, "")
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, logging.NewOperationError("usecase.latest_for_fingerprint", "", gorm.ErrRecordNotFound)
	}
	return logs[len(logs)-1], nil
}

func (uc *ResultUseCase) cachedResultForFingerprint(ctx context.Context, fingerprint string) (string, bool) {
	if uc.cache == nil || fingerprint == "" {
		return "", false
	}
	id, err := uc.withCacheGet(ctx, "", "cache.get.fingerprint", fingerprintKey(fingerprint))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// GetReproducibilityReport compares a result with every other result computed
// on bit-identical image content.
func (uc *ResultUseCase) GetReproducibilityReport(ctx context.Context, resultID string) (*ReproducibilityReport, error) {
	log, err := uc.repo.FindByResultID(ctx, resultID)
	if err != nil {
		return nil, err
	}

	report := &ReproducibilityReport{Result: log, Matches: []*repository.ResultLog{}, Consistent: true}
	if log.Fingerprint == "" {
		return report, nil
	}

	matches, err := uc.repo.FindByFingerprint(ctx, log.Fingerprint, log.ResultID)
	if err != nil {
		return nil, err
	}
	report.Matches = matches
	for _, m := range matches {
		if m.TopLabel != log.TopLabel {
			report.Consistent = false
			break
		}
	}
	return report, nil
}

func (uc *ResultUseCase) withCacheRetry(ctx context.Context, resultID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, resultID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, resultID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, resultID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, resultID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, resultID, err)
}

func (uc *ResultUseCase) withCacheGet(ctx context.Context, resultID, operation, key string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, resultID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
