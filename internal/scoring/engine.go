// Package scoring turns per-question model answers into per-image verdicts.
package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/logging"
	"github.com/example/vqa-verify/internal/vqamodel"
	"github.com/example/vqa-verify/internal/wire"
)

// Verdict is the decision for one image.
type Verdict struct {
	// Image is the uploaded filename without directory.
	Image   string
	ImageID string
	// Results holds 1 for a matching answer and 0 otherwise, per question.
	Results []int
	// Scores holds the per-question score before weighting: MatchValue or
	// MismatchValue, multiplied by the confidence when enabled.
	Scores   []float64
	Score    float64
	Accepted bool
}

// AcceptedImage is the summary of an accepted verdict.
type AcceptedImage struct {
	ImageID string
	Score   float64
	Results []int
}

// Result is the outcome of one Score call. Verdicts follow input order.
type Result struct {
	Verdicts []Verdict
	Accepted []AcceptedImage
}

// Observer receives one event per generation call.
type Observer interface {
	ObserveGeneration(model string, images int, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveGeneration(string, int, time.Duration, error) {}

// Resolver returns the generator bound to a model kind.
type Resolver interface {
	Resolve(kind vqamodel.Kind) (vqamodel.Generator, error)
}

// Engine scores batches of images against one model.
type Engine struct {
	kind      vqamodel.Kind
	generator vqamodel.Generator
	logger    *zap.Logger
	observer  Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver reports generation calls to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine builds an engine around an already resolved generator.
func NewEngine(kind vqamodel.Kind, generator vqamodel.Generator, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		kind:      kind,
		generator: generator,
		logger:    logger.Named("scoring"),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEngineForModel resolves modelName through r. Unknown names and kinds
// without a backend fail with ErrConfig and ErrUnsupportedModel.
func NewEngineForModel(modelName string, r Resolver, logger *zap.Logger, opts ...Option) (*Engine, error) {
	kind, err := vqamodel.ParseKind(modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	generator, err := r.Resolve(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return NewEngine(kind, generator, logger, opts...), nil
}

// Kind returns the model kind the engine scores with.
func (e *Engine) Kind() vqamodel.Kind {
	return e.kind
}

// Score issues one generation call per question covering every image, builds
// the score matrix column by column and applies the acceptance policy.
func (e *Engine) Score(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pol, err := req.policy()
	if err != nil {
		return nil, err
	}

	numImages := len(req.Images)
	result := &Result{Verdicts: make([]Verdict, numImages), Accepted: []AcceptedImage{}}
	if numImages == 0 {
		return result, nil
	}

	for i, img := range req.Images {
		result.Verdicts[i] = Verdict{
			Image:   baseName(img.Name),
			ImageID: wire.ImageID(img.Name),
			Results: make([]int, len(req.Questions)),
			Scores:  make([]float64, len(req.Questions)),
		}
	}

	for q, question := range req.Questions {
		gens, err := e.generateColumn(ctx, req.Images, question, req.GenerationBatchSize)
		if err != nil {
			return nil, logging.NewOperationError("scoring.generate",
				"", fmt.Errorf("%w: question %d: %w", ErrScoringInternal, q, err))
		}
		for i, gen := range gens {
			matched := Matches(strings.TrimSpace(gen.Text), req.ExpectedAnswers[q])
			value := MismatchValue
			if matched {
				value = MatchValue
				result.Verdicts[i].Results[q] = 1
			}
			if req.UseConfidence {
				value *= Confidence(gen.Steps)
			}
			result.Verdicts[i].Scores[q] = value
		}
		e.logger.Debug("question scored",
			zap.Int("question_index", q),
			zap.String("question", question),
			zap.Int("images", numImages),
		)
	}

	for i := range result.Verdicts {
		v := &result.Verdicts[i]
		var sum float64
		for q, s := range v.Scores {
			sum += s * pol.weights[q]
		}
		v.Score = Round2(sum)
		if pol.strict {
			v.Accepted = allMatched(v.Results)
		} else {
			v.Accepted = v.Score >= pol.threshold
		}
		if v.Accepted {
			result.Accepted = append(result.Accepted, AcceptedImage{
				ImageID: v.ImageID,
				Score:   v.Score,
				Results: v.Results,
			})
		}
	}
	return result, nil
}

// generateColumn answers one question for every image, in chunks of size
// images when size > 0.
func (e *Engine) generateColumn(ctx context.Context, images []vqamodel.Image, question string, size int) ([]vqamodel.Generation, error) {
	if size <= 0 || size > len(images) {
		size = len(images)
	}
	out := make([]vqamodel.Generation, 0, len(images))
	for start := 0; start < len(images); start += size {
		end := min(start+size, len(images))
		begin := time.Now()
		gens, err := e.generator.Generate(ctx, images[start:end], question)
		e.observer.ObserveGeneration(e.kind.String(), end-start, time.Since(begin), err)
		if err != nil {
			return nil, err
		}
		if len(gens) != end-start {
			return nil, fmt.Errorf("model returned %d answers for %d images", len(gens), end-start)
		}
		out = append(out, gens...)
	}
	return out, nil
}

func allMatched(results []int) bool {
	for _, r := range results {
		if r != 1 {
			return false
		}
	}
	return true
}

func baseName(name string) string {
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
