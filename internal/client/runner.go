package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/vqa-verify/internal/wire"
)

const defaultReadConcurrency = 8

// ArtifactSink persists each raw batch response as it arrives.
type ArtifactSink interface {
	WriteResponse(index int, raw []byte) error
}

// RunResult accumulates the outcome of a run. It is returned even when the
// run stops early, holding everything gathered up to that point.
type RunResult struct {
	Batches int `json:"batches"`
	// ProcessTime is the sum of server-reported processing times, in seconds.
	ProcessTime float64 `json:"process_time"`
	// TotalTime is the sum of observed round-trip times, in seconds.
	TotalTime      float64              `json:"total_time"`
	AcceptedImages []wire.AcceptedImage `json:"accepted_images"`
}

// AcceptedIDs lists accepted image ids in arrival order.
func (r *RunResult) AcceptedIDs() []string {
	ids := make([]string, 0, len(r.AcceptedImages))
	for _, img := range r.AcceptedImages {
		ids = append(ids, img.ImageID)
	}
	return ids
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithSink persists every batch response.
func WithSink(sink ArtifactSink) RunnerOption {
	return func(r *Runner) { r.sink = sink }
}

// WithReadConcurrency bounds parallel file reads within a batch.
func WithReadConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.readers = n
		}
	}
}

// Runner splits a list of images into batches and sends them one at a time.
type Runner struct {
	transport Transport
	sink      ArtifactSink
	logger    *zap.Logger
	batchSize int
	readers   int
}

// NewRunner builds a Runner. batchSize must be positive.
func NewRunner(transport Transport, batchSize int, logger *zap.Logger, opts ...RunnerOption) (*Runner, error) {
	if transport == nil {
		return nil, errors.New("client: transport is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("client: batch size must be positive, got %d", batchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		transport: transport,
		logger:    logger.Named("runner"),
		batchSize: batchSize,
		readers:   defaultReadConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run sends imagePaths in consecutive batches. Cancellation of ctx is only
// observed between batches; a batch already in flight runs to completion.
// The first failing batch stops the run and the partial result is returned
// together with the error.
func (r *Runner) Run(ctx context.Context, imagePaths []string, cfg RequestConfig) (*RunResult, error) {
	result := &RunResult{AcceptedImages: []wire.AcceptedImage{}}
	total := (len(imagePaths) + r.batchSize - 1) / r.batchSize

	for index := 0; index < total; index++ {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("run interrupted", zap.Int("completed_batches", result.Batches), zap.Int("total_batches", total))
			return result, err
		}

		start := index * r.batchSize
		end := min(start+r.batchSize, len(imagePaths))

		files, err := r.readBatch(ctx, imagePaths[start:end])
		if err != nil {
			return result, fmt.Errorf("batch %d: %w", index, err)
		}

		resp, err := r.transport.Send(context.WithoutCancel(ctx), files, cfg)
		if err != nil {
			r.logger.Error("batch failed", zap.Int("batch", index), zap.Error(err))
			return result, fmt.Errorf("batch %d: %w", index, err)
		}

		if r.sink != nil {
			if err := r.sink.WriteResponse(index, resp.Raw); err != nil {
				return result, fmt.Errorf("batch %d: persist response: %w", index, err)
			}
		}

		result.Batches++
		result.ProcessTime += resp.Response.TimeTaken
		result.TotalTime += resp.Elapsed.Seconds()
		result.AcceptedImages = append(result.AcceptedImages, resp.Response.AcceptedImages...)

		r.logger.Info("batch done",
			zap.Int("batch", index+1),
			zap.Int("of", total),
			zap.Int("images", len(files)),
			zap.Int("accepted", len(resp.Response.AcceptedImages)),
			zap.Duration("elapsed", resp.Elapsed),
			zap.String("request_id", resp.Response.RequestID),
		)
	}
	return result, nil
}

func (r *Runner) readBatch(ctx context.Context, paths []string) ([]BatchFile, error) {
	files := make([]BatchFile, len(paths))
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(r.readers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			files[i] = BatchFile{Name: filepath.Base(p), Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

