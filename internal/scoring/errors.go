package scoring

import (
	"errors"

	"github.com/example/vqa-verify/internal/vqamodel"
)

// Sentinel error kinds for this package.
var (
	// ErrConfig marks requests rejected before any generation work starts.
	ErrConfig = errors.New("invalid scoring request")
	// ErrUnsupportedModel is reported together with ErrConfig when the model
	// name maps to no kind or the kind has no configured backend.
	ErrUnsupportedModel = vqamodel.ErrUnsupportedModel
	// ErrScoringInternal marks failures during generation or scoring.
	ErrScoringInternal = errors.New("scoring failed")
)
