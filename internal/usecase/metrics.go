package usecase

import "context"

// MetricsSummary represents aggregated inference figures.
type MetricsSummary struct {
	TotalResults         int64   `json:"total_results"`
	AverageElapsedMs     float64 `json:"average_elapsed_ms"`
	DistinctFingerprints int64   `json:"distinct_fingerprints"`
	RepeatedImageRate    float64 `json:"repeated_image_rate"`
}

// GetMetricsSummary aggregates inference metrics from persisted results.
func (uc *ResultUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalResults:         aggregation.TotalCount,
		AverageElapsedMs:     aggregation.AverageElapsedMs,
		DistinctFingerprints: aggregation.DistinctFingerprints,
	}

	if aggregation.TotalCount > 0 {
		repeated := aggregation.TotalCount - aggregation.DistinctFingerprints
		summary.RepeatedImageRate = float64(repeated) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
