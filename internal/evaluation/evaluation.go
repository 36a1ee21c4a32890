// Package evaluation scores a run's accepted images against ground-truth labels.
package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/vqa-verify/internal/scoring"
)

// ErrLabelNotFound is returned when an accepted image has no label.
var ErrLabelNotFound = errors.New("label not found")

// Labels maps a bare image id to its 0/1 class.
type Labels map[string]int

// Confusion holds the confusion-matrix counts of one evaluation.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TN int `json:"tn"`
}

// Metrics is the outcome of Compute. Rates are rounded to 2 decimals.
type Metrics struct {
	Accuracy        float64   `json:"accuracy"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1"`
	TruePositiveIDs []string  `json:"true_positive_ids"`
	Confusion       Confusion `json:"confusion"`
}

// LoadLabels reads a label store. Files ending in .yaml or .yml are parsed
// as YAML, everything else as JSON.
func LoadLabels(path string) (Labels, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	labels := Labels{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &labels)
	default:
		err = json.Unmarshal(raw, &labels)
	}
	if err != nil {
		return nil, fmt.Errorf("load labels %s: %w", path, err)
	}
	for id, v := range labels {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("load labels %s: id %q has label %d, want 0 or 1", path, id, v)
		}
	}
	return labels, nil
}

// Subset restricts labels to the first n ids in sorted order. n <= 0 or
// n >= len(labels) returns labels unchanged.
func (l Labels) Subset(n int) Labels {
	if n <= 0 || n >= len(l) {
		return l
	}
	ids := make([]string, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make(Labels, n)
	for _, id := range ids[:n] {
		out[id] = l[id]
	}
	return out
}

// Compute evaluates accepted ids against labels. When subset > 0 the label
// universe is first restricted with Subset. Duplicate accepted ids count
// once. An accepted id outside the universe fails with ErrLabelNotFound.
func Compute(accepted []string, labels Labels, subset int) (Metrics, error) {
	universe := labels.Subset(subset)

	seen := make(map[string]struct{}, len(accepted))
	m := Metrics{TruePositiveIDs: []string{}}
	for _, id := range accepted {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		label, ok := universe[id]
		if !ok {
			return Metrics{}, fmt.Errorf("%w: %s", ErrLabelNotFound, id)
		}
		if label == 1 {
			m.Confusion.TP++
			m.TruePositiveIDs = append(m.TruePositiveIDs, id)
		} else {
			m.Confusion.FP++
		}
	}

	positives := 0
	for _, label := range universe {
		if label == 1 {
			positives++
		}
	}
	c := &m.Confusion
	c.FN = positives - c.TP
	c.TN = len(universe) - c.TP - c.FP - c.FN

	if n := len(universe); n > 0 {
		m.Accuracy = float64(c.TP+c.TN) / float64(n)
	}
	if c.TP+c.FP > 0 {
		m.Precision = float64(c.TP) / float64(c.TP+c.FP)
	}
	if c.TP+c.FN > 0 {
		m.Recall = float64(c.TP) / float64(c.TP+c.FN)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}

	m.Accuracy = scoring.Round2(m.Accuracy)
	m.Precision = scoring.Round2(m.Precision)
	m.Recall = scoring.Round2(m.Recall)
	m.F1 = scoring.Round2(m.F1)
	return m, nil
}
