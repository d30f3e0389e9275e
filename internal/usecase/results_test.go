package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/classify-pipeline/internal/classifier"
	"github.com/example/classify-pipeline/internal/logging"
	"github.com/example/classify-pipeline/internal/pipeline"
	"github.com/example/classify-pipeline/internal/repository"
)

type stubRepository struct {
	saved       []*repository.ResultLog
	saveErr     error
	findLog     *repository.ResultLog
	findErr     error
	findCalls   int
	matches     []*repository.ResultLog
	aggregation *repository.MetricsAggregation
}

func (s *stubRepository) SaveResult(ctx context.Context, log *repository.ResultLog) error {
	s.saved = append(s.saved, log)
	return s.saveErr
}

func (s *stubRepository) FindByResultID(ctx context.Context, resultID string) (*repository.ResultLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) FindByFingerprint(ctx context.Context, fingerprint, excludeResultID string) ([]*repository.ResultLog, error) {
	return s.matches, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.aggregation, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(repo ResultRepository, cache Cache) *ResultUseCase {
	uc := NewResultUseCase(repo, cache, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func sampleResult() pipeline.Result {
	return pipeline.Result{
		ID:           "res-1",
		ImageID:      "img-1",
		Fingerprint:  "5d41402abc4b2a76b9719d911017c592",
		Recognitions: []classifier.Recognition{{Label: "tabby", Confidence: 0.9}},
		ElapsedMs:    21,
		Config:       classifier.Config{Model: classifier.ModelFloatMobileNet, Device: classifier.DeviceCPU, NumThreads: 1},
		CompletedAt:  time.Now().UTC(),
	}
}

func TestRecordPersistsAndCaches(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := newTestUseCase(repo, cache)

	if err := uc.Record(context.Background(), sampleResult()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(repo.saved) != 1 || repo.saved[0].TopLabel != "tabby" {
		t.Fatalf("expected one saved log, got %+v", repo.saved)
	}
	want := []string{"result:res-1", "result:res-1", "fingerprint:5d41402abc4b2a76b9719d911017c592"}
	if len(cache.setKeys) != len(want) {
		t.Fatalf("expected keys %v, got %v", want, cache.setKeys)
	}
	for i, k := range want {
		if cache.setKeys[i] != k {
			t.Fatalf("expected key %s at %d, got %s", k, i, cache.setKeys[i])
		}
	}
	if cache.setValues[2] != "res-1" {
		t.Fatalf("expected fingerprint to map to result id, got %v", cache.setValues[2])
	}
}

func TestRecordWithoutCache(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(repo, nil)
	if err := uc.Record(context.Background(), sampleResult()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one saved log, got %d", len(repo.saved))
	}
}

func TestRecordReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(&stubRepository{}, cache)

	err := uc.Record(context.Background(), sampleResult())
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.result" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	cached, _ := json.Marshal(repository.ResultLog{ResultID: "res-1", TopLabel: "from-cache"})
	cache := &stubCache{getValues: []string{string(cached)}}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, cache)

	log, err := uc.GetResult(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if log.TopLabel != "from-cache" || repo.findCalls != 0 {
		t.Fatalf("expected cached log without repository call, got %+v calls=%d", log, repo.findCalls)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.ResultLog{ResultID: "res-1", TopLabel: "from-db"}
	repo := &stubRepository{findLog: expected}
	uc := newTestUseCase(repo, cache)

	log, err := uc.GetResult(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestReproducibilityReport(t *testing.T) {
	base := &repository.ResultLog{ResultID: "res-1", Fingerprint: "abc", TopLabel: "tabby"}

	tests := []struct {
		name       string
		matches    []*repository.ResultLog
		consistent bool
	}{
		{name: "no matches", matches: nil, consistent: true},
		{name: "agreeing runs", matches: []*repository.ResultLog{{ResultID: "res-2", TopLabel: "tabby"}}, consistent: true},
		{name: "diverging run", matches: []*repository.ResultLog{
			{ResultID: "res-2", TopLabel: "tabby"},
			{ResultID: "res-3", TopLabel: "tiger cat"},
		}, consistent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := newTestUseCase(&stubRepository{findLog: base, matches: tt.matches}, nil)
			report, err := uc.GetReproducibilityReport(context.Background(), "res-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if report.Consistent != tt.consistent {
				t.Fatalf("expected consistent=%v, got %v", tt.consistent, report.Consistent)
			}
			if len(report.Matches) != len(tt.matches) {
				t.Fatalf("expected %d matches, got %d", len(tt.matches), len(report.Matches))
			}
		})
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{
		TotalCount:           10,
		AverageElapsedMs:     12.5,
		DistinctFingerprints: 8,
	}}
	uc := newTestUseCase(repo, nil)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalResults != 10 || summary.AverageElapsedMs != 12.5 || summary.RepeatedImageRate != 0.2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestLatestResultForFingerprintUsesCachedPointer(t *testing.T) {
	cached, err := json.Marshal(&repository.ResultLog{ResultID: "res-9", Fingerprint: "abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache := &stubCache{getValues: []string{"res-9", string(cached)}}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, cache)

	log, err := uc.LatestResultForFingerprint(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ResultID != "res-9" {
		t.Fatalf("expected res-9, got %s", log.ResultID)
	}
	if len(cache.getKeys) != 2 || cache.getKeys[0] != "fingerprint:abc" || cache.getKeys[1] != "result:res-9" {
		t.Fatalf("unexpected cache keys %v", cache.getKeys)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository to be skipped, got %d calls", repo.findCalls)
	}
}

func TestLatestResultForFingerprintFallsBackToRepository(t *testing.T) {
	repo := &stubRepository{matches: []*repository.ResultLog{{ResultID: "res-1"}, {ResultID: "res-2"}}}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := newTestUseCase(repo, cache)

	log, err := uc.LatestResultForFingerprint(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ResultID != "res-2" {
		t.Fatalf("expected newest match res-2, got %s", log.ResultID)
	}
}

func TestLatestResultForFingerprintNotFound(t *testing.T) {
	uc := newTestUseCase(&stubRepository{}, nil)

	if _, err := uc.LatestResultForFingerprint(context.Background(), "abc"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected gorm.ErrRecordNotFound, got %v", err)
	}
}
