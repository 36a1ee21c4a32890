package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/example/vqa-verify/internal/vqamodel"
)

const (
	// MatchValue is the per-question score of a matching answer.
	MatchValue = 1.0
	// MismatchValue is the per-question score of a wrong answer.
	MismatchValue = -0.1
)

// Request is one scoring call for a batch of images.
type Request struct {
	Images          []vqamodel.Image
	Questions       []string
	ExpectedAnswers [][]string
	// Weights is optional; when set it has one entry per question.
	Weights []float64
	// Threshold selects weighted mode when non-nil; nil selects strict mode.
	Threshold *float64

	UseConfidence bool
	// NormalizeWeights rescales Weights to sum to 1.
	NormalizeWeights bool
	// GenerationBatchSize splits each per-question call into chunks of this
	// many images; 0 covers all images with one call.
	GenerationBatchSize int
}

// Validate rejects malformed requests with ErrConfig.
func (r Request) Validate() error {
	if len(r.Questions) == 0 {
		return fmt.Errorf("%w: at least one question is required", ErrConfig)
	}
	for i, q := range r.Questions {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("%w: question %d is empty", ErrConfig, i)
		}
	}
	if len(r.ExpectedAnswers) != len(r.Questions) {
		return fmt.Errorf("%w: %d questions but %d expected answer groups",
			ErrConfig, len(r.Questions), len(r.ExpectedAnswers))
	}
	if len(r.Weights) > 0 && len(r.Weights) != len(r.Questions) {
		return fmt.Errorf("%w: %d questions but %d weights", ErrConfig, len(r.Questions), len(r.Weights))
	}
	for i, w := range r.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight %d is not finite", ErrConfig, i)
		}
	}
	if r.Threshold != nil && (math.IsNaN(*r.Threshold) || math.IsInf(*r.Threshold, 0)) {
		return fmt.Errorf("%w: threshold is not finite", ErrConfig)
	}
	if r.GenerationBatchSize < 0 {
		return fmt.Errorf("%w: batch size must not be negative", ErrConfig)
	}
	_, err := r.policy()
	return err
}

// policy is the acceptance rule derived from a request.
type policy struct {
	weights   []float64
	threshold float64
	strict    bool
}

func (r Request) policy() (policy, error) {
	n := len(r.Questions)
	if r.Threshold == nil {
		return policy{weights: ones(n), threshold: float64(n), strict: true}, nil
	}

	weights := ones(n)
	if len(r.Weights) > 0 {
		weights = append([]float64(nil), r.Weights...)
	}
	if r.NormalizeWeights {
		var sum float64
		for _, w := range weights {
			sum += w
		}
		if sum == 0 {
			return policy{}, fmt.Errorf("%w: weights sum to zero and cannot be normalized", ErrConfig)
		}
		for i := range weights {
			weights[i] /= sum
		}
	}
	return policy{weights: weights, threshold: *r.Threshold}, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Round2 rounds v half away from zero to 2 decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
