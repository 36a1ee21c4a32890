// Package repository persists one log row per scoring request.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/vqa-verify/internal/retry"
	"github.com/example/vqa-verify/internal/wire"
)

// ErrNotFound is returned when no log matches a lookup.
var ErrNotFound = errors.New("batch log not found")

// BatchLog represents a persisted scoring request.
type BatchLog struct {
	ID                uint      `gorm:"primaryKey"`
	RequestID         string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID            string    `gorm:"column:user_id;size:64;index"`
	Model             string    `gorm:"column:model;size:64"`
	ImageCount        int       `gorm:"column:image_count"`
	AcceptedCount     int       `gorm:"column:accepted_count"`
	QuestionCount     int       `gorm:"column:question_count"`
	Threshold         *float64  `gorm:"column:threshold"`
	ProcessingSeconds float64   `gorm:"column:processing_seconds"`
	Response          string    `gorm:"column:response;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (BatchLog) TableName() string {
	return "batch_logs"
}

// NewBatchLog builds a log row from a finished response. images is the
// number of uploaded images, which can exceed the verdict count when base
// names collide.
func NewBatchLog(userID string, images, questions int, threshold *float64, resp *wire.ProcessResponse) (*BatchLog, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &BatchLog{
		RequestID:         resp.RequestID,
		UserID:            userID,
		Model:             resp.Model,
		ImageCount:        images,
		AcceptedCount:     len(resp.AcceptedImages),
		QuestionCount:     questions,
		Threshold:         threshold,
		ProcessingSeconds: resp.TimeTaken,
		Response:          string(raw),
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// Decode returns the response stored with the log.
func (l *BatchLog) Decode() (*wire.ProcessResponse, error) {
	var resp wire.ProcessResponse
	if err := json.Unmarshal([]byte(l.Response), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BatchAggregation is the result of AggregateMetrics.
type BatchAggregation struct {
	TotalBatches             int64
	TotalImages              int64
	TotalAccepted            int64
	AverageProcessingSeconds float64
}

// BatchRepository provides persistence APIs for batch logs.
type BatchRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewBatchRepository creates a new repository instance.
func NewBatchRepository(db *gorm.DB, logger *zap.Logger) *BatchRepository {
	return &BatchRepository{
		db:             db,
		logger:         logger.Named("batch_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *BatchRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&BatchLog{})
}

// SaveLog persists a batch log entry.
func (r *BatchRepository) SaveLog(ctx context.Context, log *BatchLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves a log by request id. A non-empty userID also
// requires the log to belong to that user.
func (r *BatchRepository) FindByRequestID(ctx context.Context, requestID, userID string) (*BatchLog, error) {
	var log BatchLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		q := r.db.WithContext(ctx).Where("request_id = ?", requestID)
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		err := q.First(&log).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarizes every persisted batch.
func (r *BatchRepository) AggregateMetrics(ctx context.Context) (*BatchAggregation, error) {
	var agg BatchAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&BatchLog{}).Select(
			"COUNT(*) AS total_batches, " +
				"COALESCE(SUM(image_count), 0) AS total_images, " +
				"COALESCE(SUM(accepted_count), 0) AS total_accepted, " +
				"COALESCE(AVG(processing_seconds), 0) AS average_processing_seconds",
		).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *BatchRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{Attempts: r.retryAttempts, InitialBackoff: r.initialBackoff, MaxBackoff: r.maxBackoff}
	return retry.Do(ctx, r.logger, policy, operation, requestID, fn)
}
