package scoring

import "github.com/example/vqa-verify/internal/vqamodel"

// Confidence is the product of the top-1 probability of every decoding step.
// A generation without steps has confidence 1. Steps without any candidates
// are skipped.
func Confidence(steps []vqamodel.Distribution) float64 {
	conf := 1.0
	for _, dist := range steps {
		if len(dist) == 0 {
			continue
		}
		top := dist[0]
		for _, p := range dist[1:] {
			if p > top {
				top = p
			}
		}
		conf *= top
	}
	return conf
}
