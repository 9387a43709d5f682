package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalAttempts    int64   `json:"total_attempts"`
	ValidAttempts    int64   `json:"valid_attempts"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	RegisteredCodes  int64   `json:"registered_codes"`
	ActiveCodes      int64   `json:"active_codes"`
}

// GetMetricsSummary aggregates verification metrics from persisted attempts.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:    aggregation.TotalCount,
		ValidAttempts:    aggregation.ValidCount,
		AverageLatencyMs: aggregation.AverageLatencyMs,
		RegisteredCodes:  aggregation.RegisteredCodes,
		ActiveCodes:      aggregation.ActiveCodes,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.ValidCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
