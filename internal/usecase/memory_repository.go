package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/example/vqa-verify/internal/repository"
)

// MemoryRepository keeps batch logs in process memory. Used when no database
// is configured; logs are lost on restart.
type MemoryRepository struct {
	mu   sync.RWMutex
	logs map[string]*repository.BatchLog
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{logs: make(map[string]*repository.BatchLog)}
}

// SaveLog stores log under its request id.
func (r *MemoryRepository) SaveLog(_ context.Context, log *repository.BatchLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	r.logs[log.RequestID] = log
	return nil
}

// FindByRequestID returns repository.ErrNotFound for unknown ids or owners.
func (r *MemoryRepository) FindByRequestID(_ context.Context, requestID, userID string) (*repository.BatchLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log, ok := r.logs[requestID]
	if !ok || (userID != "" && log.UserID != userID) {
		return nil, repository.ErrNotFound
	}
	return log, nil
}

// AggregateMetrics summarizes the stored logs.
func (r *MemoryRepository) AggregateMetrics(context.Context) (*repository.BatchAggregation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg := &repository.BatchAggregation{}
	var seconds float64
	for _, l := range r.logs {
		agg.TotalBatches++
		agg.TotalImages += int64(l.ImageCount)
		agg.TotalAccepted += int64(l.AcceptedCount)
		seconds += l.ProcessingSeconds
	}
	if agg.TotalBatches > 0 {
		agg.AverageProcessingSeconds = seconds / float64(agg.TotalBatches)
	}
	return agg, nil
}
