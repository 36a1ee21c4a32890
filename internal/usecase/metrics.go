package usecase

import "context"

// MetricsSummary represents aggregated batch statistics.
type MetricsSummary struct {
	TotalBatches             int64   `json:"total_batches"`
	TotalImages              int64   `json:"total_images"`
	AcceptedImages           int64   `json:"accepted_images"`
	AcceptanceRate           float64 `json:"acceptance_rate"`
	AverageProcessingSeconds float64 `json:"average_processing_seconds"`
}

// GetMetricsSummary aggregates batch metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalBatches:             aggregation.TotalBatches,
		TotalImages:              aggregation.TotalImages,
		AcceptedImages:           aggregation.TotalAccepted,
		AverageProcessingSeconds: aggregation.AverageProcessingSeconds,
	}

	if aggregation.TotalImages > 0 {
		summary.AcceptanceRate = float64(aggregation.TotalAccepted) / float64(aggregation.TotalImages)
	}

	return summary, nil
}
