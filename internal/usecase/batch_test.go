package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/logging"
	"github.com/example/vqa-verify/internal/repository"
	"github.com/example/vqa-verify/internal/scoring"
	"github.com/example/vqa-verify/internal/vqamodel"
	"github.com/example/vqa-verify/internal/wire"
)

type stubRepository struct {
	savedLogs []*repository.BatchLog
	saveErr   error
	findLog   *repository.BatchLog
	findErr   error
	findCalls int
	agg       *repository.BatchAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.BatchLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID, userID string) (*repository.BatchLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.BatchAggregation, error) {
	if s.agg == nil {
		return &repository.BatchAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	setTTLs   []time.Duration
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, fmt.Sprint(value))
	s.setTTLs = append(s.setTTLs, expiration)
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

// stubGenerator answers every image with the same text.
type stubGenerator struct {
	answer string
	err    error
	calls  int
}

func (s *stubGenerator) Generate(ctx context.Context, images []vqamodel.Image, question string) ([]vqamodel.Generation, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]vqamodel.Generation, len(images))
	for i := range out {
		out[i] = vqamodel.Generation{Text: s.answer}
	}
	return out, nil
}

type stubResolver struct {
	gen vqamodel.Generator
}

func (s stubResolver) Resolve(kind vqamodel.Kind) (vqamodel.Generator, error) {
	if kind != vqamodel.KindBLIPCapfiltLarge {
		return nil, fmt.Errorf("%w: %s", vqamodel.ErrUnsupportedModel, kind)
	}
	return s.gen, nil
}

type stubMetrics struct {
	batches []error
}

func (s *stubMetrics) ObserveGeneration(string, int, time.Duration, error) {}

func (s *stubMetrics) RecordBatch(model string, images, accepted int, elapsed time.Duration, err error) {
	s.batches = append(s.batches, err)
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestUseCase(repo BatchRepository, cache Cache, gen vqamodel.Generator, opts ...Option) *VerificationUseCase {
	uc := NewVerificationUseCase(repo, cache, stubResolver{gen: gen}, zap.NewNop(), opts...)
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func testInput() BatchInput {
	return BatchInput{
		UserID: "user-1",
		Request: scoring.Request{
			Images: []vqamodel.Image{
				{Name: "imgs/a.jpg", Data: []byte("a")},
				{Name: "imgs/b.jpg", Data: []byte("b")},
			},
			Questions:       []string{"Is it red?"},
			ExpectedAnswers: [][]string{{"yes"}},
		},
	}
}

func TestProcessBatchRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	metrics := &stubMetrics{}
	uc := newTestUseCase(repo, cache, &stubGenerator{answer: "yes"}, WithMetrics(metrics))

	resp, err := uc.ProcessBatch(context.Background(), testInput())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(resp.AcceptedImages) != 2 || !resp.Verdicts["a.jpg"].Accepted {
		t.Fatalf("expected both images accepted, got %+v", resp)
	}
	if resp.Model != "blip-vqa-capfilt-large" {
		t.Fatalf("expected default model, got %q", resp.Model)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + result), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].RequestID != resp.RequestID {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	if len(metrics.batches) != 1 || metrics.batches[0] != nil {
		t.Fatalf("expected one successful batch metric, got %v", metrics.batches)
	}
}

func TestProcessBatchCachesProcessingFlagForResultTTL(t *testing.T) {
	cache := &stubCache{}
	uc := newTestUseCase(&stubRepository{}, cache, &stubGenerator{answer: "yes"}, WithResultTTL(2*time.Hour))

	if _, err := uc.ProcessBatch(context.Background(), testInput()); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setTTLs) != 2 {
		t.Fatalf("expected processing and done writes, got %d", len(cache.setTTLs))
	}
	for i, ttl := range cache.setTTLs {
		if ttl != 2*time.Hour {
			t.Fatalf("cache write %d: expected ttl 2h, got %s", i, ttl)
		}
	}
	if !strings.Contains(cache.setValues[0], StatusProcessing) {
		t.Fatalf("expected first write to be the processing flag, got %s", cache.setValues[0])
	}
}

func TestProcessBatchLogsUploadedImageCount(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(repo, &stubCache{}, &stubGenerator{answer: "yes"})

	in := testInput()
	in.Request.Images = []vqamodel.Image{
		{Name: "day1/a.jpg", Data: []byte("a")},
		{Name: "day2/a.jpg", Data: []byte("a")},
		{Name: "day2/b.jpg", Data: []byte("b")},
	}
	resp, err := uc.ProcessBatch(context.Background(), in)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(resp.Verdicts) != 2 {
		t.Fatalf("expected colliding base names to share a verdict key, got %d", len(resp.Verdicts))
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].ImageCount != 3 {
		t.Fatalf("expected image count 3 in the batch log, got %+v", repo.savedLogs)
	}
}

func TestProcessBatchReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	gen := &stubGenerator{answer: "yes"}
	uc := newTestUseCase(&stubRepository{}, cache, gen)

	_, err := uc.ProcessBatch(context.Background(), testInput())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if gen.calls != 0 {
		t.Fatalf("expected no generation after cache failure, got %d calls", gen.calls)
	}
}

func TestProcessBatchRejectsConfigBeforeWork(t *testing.T) {
	cache := &stubCache{}
	gen := &stubGenerator{answer: "yes"}
	uc := newTestUseCase(&stubRepository{}, cache, gen)

	in := testInput()
	in.ModelName = "gemini"
	_, err := uc.ProcessBatch(context.Background(), in)
	if !errors.Is(err, scoring.ErrConfig) || !errors.Is(err, scoring.ErrUnsupportedModel) {
		t.Fatalf("expected unsupported model config error, got %v", err)
	}

	in = testInput()
	in.Request.ExpectedAnswers = nil
	_, err = uc.ProcessBatch(context.Background(), in)
	if !errors.Is(err, scoring.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}

	if gen.calls != 0 || len(cache.setKeys) != 0 {
		t.Fatalf("expected no work for rejected requests, got %d calls and %d cache writes", gen.calls, len(cache.setKeys))
	}
}

func TestProcessBatchMarksFailedOnScoringError(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepository{}
	metrics := &stubMetrics{}
	uc := newTestUseCase(repo, cache, &stubGenerator{err: errors.New("sidecar down")}, WithMetrics(metrics))

	_, err := uc.ProcessBatch(context.Background(), testInput())
	if !errors.Is(err, scoring.ErrScoringInternal) {
		t.Fatalf("expected internal scoring error, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("failed batches must not be persisted as results")
	}
	var last cachedBatch
	if err := json.Unmarshal([]byte(cache.setValues[len(cache.setValues)-1]), &last); err != nil {
		t.Fatalf("decode cached status: %v", err)
	}
	if last.Status != StatusFailed {
		t.Fatalf("expected failed status, got %q", last.Status)
	}
	if len(metrics.batches) != 1 || metrics.batches[0] == nil {
		t.Fatalf("expected one failed batch metric, got %v", metrics.batches)
	}
}

func TestGetResultReturnsCachedResponse(t *testing.T) {
	payload, _ := json.Marshal(cachedBatch{
		Status:   StatusDone,
		UserID:   "user",
		Response: &wire.ProcessResponse{RequestID: "req", TimeTaken: 1.5},
	})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(repo, cache, &stubGenerator{})

	res, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if res.Status != StatusDone || res.Response.TimeTaken != 1.5 {
		t.Fatalf("unexpected lookup %+v", res)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected cache hit to skip the repository, got %d calls", repo.findCalls)
	}

	payload, _ = json.Marshal(cachedBatch{Status: StatusProcessing, UserID: "user"})
	cache.getValues = []string{string(payload)}
	res, err = uc.GetResult(context.Background(), "user", "req")
	if err != nil || res.Status != StatusProcessing || res.Response != nil {
		t.Fatalf("expected processing status, got %+v, %v", res, err)
	}

	cache.getValues = []string{string(payload)}
	if _, err := uc.GetResult(context.Background(), "someone-else", "req"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	stored, err := repository.NewBatchLog("user", 0, 1, nil, &wire.ProcessResponse{RequestID: "req", Model: "openai"})
	if err != nil {
		t.Fatalf("build log: %v", err)
	}
	repo := &stubRepository{findLog: stored}
	uc := newTestUseCase(repo, cache, &stubGenerator{})

	res, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if res.Response.Model != "openai" || res.Status != StatusDone {
		t.Fatalf("unexpected lookup %+v", res)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetMetricsSummaryComputesAcceptanceRate(t *testing.T) {
	repo := &stubRepository{agg: &repository.BatchAggregation{
		TotalBatches: 3, TotalImages: 250, TotalAccepted: 50, AverageProcessingSeconds: 4.2,
	}}
	uc := newTestUseCase(repo, &stubCache{}, &stubGenerator{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.AcceptanceRate != 0.2 || summary.TotalBatches != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestMemoryRepositoryScopesByUser(t *testing.T) {
	repo := NewMemoryRepository()
	log := &repository.BatchLog{RequestID: "req", UserID: "u1", ImageCount: 4, AcceptedCount: 1, ProcessingSeconds: 2}
	if err := repo.SaveLog(context.Background(), log); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := repo.FindByRequestID(context.Background(), "req", "u2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got, err := repo.FindByRequestID(context.Background(), "req", ""); err != nil || got != log {
		t.Fatalf("expected stored log, got %v, %v", got, err)
	}
	agg, _ := repo.AggregateMetrics(context.Background())
	if agg.TotalBatches != 1 || agg.TotalImages != 4 || agg.AverageProcessingSeconds != 2 {
		t.Fatalf("unexpected aggregation %+v", agg)
	}
}
