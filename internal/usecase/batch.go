// Package usecase drives one scoring request from validation to persistence.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/logging"
	"github.com/example/vqa-verify/internal/repository"
	"github.com/example/vqa-verify/internal/retry"
	"github.com/example/vqa-verify/internal/scoring"
	"github.com/example/vqa-verify/internal/wire"
)

// Batch states stored in the cache.
const (
	StatusProcessing = "processing"
	StatusFailed     = "failed"
	StatusDone       = "done"
)

// BatchRepository defines the persistence operations needed by the use case.
type BatchRepository interface {
	SaveLog(ctx context.Context, log *repository.BatchLog) error
	FindByRequestID(ctx context.Context, requestID, userID string) (*repository.BatchLog, error)
	AggregateMetrics(ctx context.Context) (*repository.BatchAggregation, error)
}

// Metrics receives batch and generation observations.
type Metrics interface {
	scoring.Observer
	RecordBatch(model string, images, accepted int, elapsed time.Duration, err error)
}

// BatchInput is one POST /process call after form decoding.
type BatchInput struct {
	UserID    string
	ModelName string
	Request   scoring.Request
}

// ResultLookup is returned by GetResult. Response is set once Status is done.
type ResultLookup struct {
	RequestID string
	Status    string
	Response  *wire.ProcessResponse
}

// VerificationUseCase encapsulates business logic for the scoring flow.
type VerificationUseCase struct {
	repo           BatchRepository
	cache          Cache
	resolver       scoring.Resolver
	metrics        Metrics
	logger         *zap.Logger
	defaultModel   string
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedBatch struct {
	Status   string                `json:"status"`
	UserID   string                `json:"user_id,omitempty"`
	Response *wire.ProcessResponse `json:"response,omitempty"`
}

// Option configures a VerificationUseCase.
type Option func(*VerificationUseCase)

// WithMetrics reports batches and generation calls to m.
func WithMetrics(m Metrics) Option {
	return func(uc *VerificationUseCase) {
		if m != nil {
			uc.metrics = m
		}
	}
}

// WithDefaultModel selects the model for requests without model_name.
func WithDefaultModel(name string) Option {
	return func(uc *VerificationUseCase) {
		uc.defaultModel = name
	}
}

// WithResultTTL sets how long finished results stay cached.
func WithResultTTL(ttl time.Duration) Option {
	return func(uc *VerificationUseCase) {
		if ttl > 0 {
			uc.resultTTL = ttl
		}
	}
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo BatchRepository, cache Cache, resolver scoring.Resolver, logger *zap.Logger, opts ...Option) *VerificationUseCase {
	uc := &VerificationUseCase{
		repo:           repo,
		cache:          cache,
		resolver:       resolver,
		metrics:        nopMetrics{},
		logger:         logger.Named("verification_usecase"),
		resultTTL:      30 * time.Minute,
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// ProcessBatch validates, scores, persists and caches one batch.
// Validation and model resolution fail with scoring.ErrConfig before any
// generation or cache work.
func (uc *VerificationUseCase) ProcessBatch(ctx context.Context, in BatchInput) (*wire.ProcessResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.process_batch", requestID)

	modelName := in.ModelName
	if modelName == "" {
		modelName = uc.defaultModel
	}
	opLogger.Info("batch received",
		zap.Strings("questions", in.Request.Questions),
		zap.Any("expected_answers", in.Request.ExpectedAnswers),
		zap.Float64s("question_weights", in.Request.Weights),
		zap.Any("threshold", in.Request.Threshold),
		zap.String("model", modelName),
		zap.Int("images", len(in.Request.Images)),
		zap.Int("batch_size", in.Request.GenerationBatchSize),
	)

	if err := in.Request.Validate(); err != nil {
		opLogger.Warn("rejected batch", zap.Error(err))
		return nil, logging.NewOperationError("usecase.validate", requestID, err)
	}
	engine, err := scoring.NewEngineForModel(modelName, uc.resolver, uc.logger, scoring.WithObserver(uc.metrics))
	if err != nil {
		opLogger.Warn("rejected batch", zap.Error(err))
		return nil, logging.NewOperationError("usecase.resolve_model", requestID, err)
	}
	model := engine.Kind().String()

	cacheKey := cacheKeyFor(requestID)
	if err := uc.setCached(ctx, requestID, "cache.set.processing", cacheKey, cachedBatch{Status: StatusProcessing, UserID: in.UserID}, uc.resultTTL); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	result, err := engine.Score(ctx, in.Request)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.score", requestID, err)
		opLogger.Error("scoring failed", zap.Error(wrapped))
		uc.metrics.RecordBatch(model, len(in.Request.Images), 0, time.Since(start), wrapped)
		if cacheErr := uc.setCached(context.WithoutCancel(ctx), requestID, "cache.set.failed", cacheKey,
			cachedBatch{Status: StatusFailed, UserID: in.UserID}, uc.resultTTL); cacheErr != nil {
			opLogger.Warn("failed to record failure status", zap.Error(cacheErr))
		}
		return nil, wrapped
	}

	elapsed := time.Since(start)
	resp := toResponse(requestID, model, result, scoring.Round2(elapsed.Seconds()))

	log, err := repository.NewBatchLog(in.UserID, len(in.Request.Images), len(in.Request.Questions), in.Request.Threshold, resp)
	if err != nil {
		return nil, logging.NewOperationError("usecase.build_log", requestID, err)
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist batch log", zap.Error(wrapped))
		return nil, wrapped
	}

	if err := uc.setCached(ctx, requestID, "cache.set.result", cacheKey,
		cachedBatch{Status: StatusDone, UserID: in.UserID, Response: resp}, uc.resultTTL); err != nil {
		opLogger.Error("failed to cache batch result", zap.Error(err))
		return nil, err
	}

	uc.metrics.RecordBatch(model, len(result.Verdicts), len(result.Accepted), elapsed, nil)
	opLogger.Info("batch scored",
		zap.Int("images", len(result.Verdicts)),
		zap.Int("accepted", len(result.Accepted)),
		zap.Float64("time_taken", resp.TimeTaken),
	)
	return resp, nil
}

// GetResult retrieves a cached batch outcome or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*ResultLookup, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cacheKey := cacheKeyFor(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedBatch
		switch {
		case json.Unmarshal([]byte(cached), &payload) != nil:
			opLogger.Warn("failed to decode cached result")
		case userID != "" && payload.UserID != "" && payload.UserID != userID:
			return nil, logging.NewOperationError("usecase.get_result", requestID, repository.ErrNotFound)
		case payload.Status != StatusDone || payload.Response != nil:
			return &ResultLookup{RequestID: requestID, Status: payload.Status, Response: payload.Response}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	resp, err := log.Decode()
	if err != nil {
		return nil, logging.NewOperationError("usecase.decode_log", requestID, err)
	}
	return &ResultLookup{RequestID: requestID, Status: StatusDone, Response: resp}, nil
}

func toResponse(requestID, model string, result *scoring.Result, timeTaken float64) *wire.ProcessResponse {
	resp := &wire.ProcessResponse{
		RequestID:      requestID,
		Model:          model,
		Verdicts:       make(map[string]wire.ImageVerdict, len(result.Verdicts)),
		AcceptedImages: make([]wire.AcceptedImage, 0, len(result.Accepted)),
		TimeTaken:      timeTaken,
	}
	for _, v := range result.Verdicts {
		resp.Verdicts[v.Image] = wire.ImageVerdict{Results: v.Results, Score: v.Score, Accepted: v.Accepted}
	}
	for _, a := range result.Accepted {
		resp.AcceptedImages = append(resp.AcceptedImages, wire.AcceptedImage{ImageID: a.ImageID, Score: a.Score, Results: a.Results})
	}
	return resp
}

func cacheKeyFor(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func (uc *VerificationUseCase) setCached(ctx context.Context, requestID, operation, cacheKey string, payload cachedBatch, ttl time.Duration) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return logging.NewOperationError(operation, requestID, err)
	}
	return uc.withRedisRetry(ctx, requestID, operation, func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), ttl)
	})
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	policy := retry.Policy{Attempts: uc.retryAttempts, InitialBackoff: uc.initialBackoff, MaxBackoff: uc.maxBackoff}
	return retry.Do(ctx, uc.logger, policy, operation, requestID, fn)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
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

type nopMetrics struct{}

func (nopMetrics) ObserveGeneration(string, int, time.Duration, error)  {}
func (nopMetrics) RecordBatch(string, int, int, time.Duration, error) {}
