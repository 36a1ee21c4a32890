// Package wire holds the request encoding and response documents shared by
// the scoring service and the batch client.
package wire

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Multipart form and query field names of POST /process.
const (
	FieldImages           = "images"
	FieldQuestions        = "questions"
	FieldExpectedAnswers  = "expected_answers"
	FieldQuestionWeights  = "question_weights"
	FieldThreshold        = "threshold"
	FieldModelName        = "model_name"
	FieldUseConfidence    = "use_confidence"
	FieldNormalizeWeights = "normalize_weights"
	FieldBatchSize        = "batch_size"
)

const questionSeparator = "?,"

// ImageVerdict is the per-image entry of a ProcessResponse.
type ImageVerdict struct {
	Results  []int   `json:"results"`
	Score    float64 `json:"score"`
	Accepted bool    `json:"accepted"`
}

// AcceptedImage is one accepted image in a ProcessResponse.
type AcceptedImage struct {
	ImageID string  `json:"image_id"`
	Score   float64 `json:"score"`
	Results []int   `json:"results"`
}

// ProcessResponse is the body returned by POST /process.
type ProcessResponse struct {
	RequestID      string                  `json:"request_id"`
	Model          string                  `json:"model"`
	Verdicts       map[string]ImageVerdict `json:"verdicts"`
	AcceptedImages []AcceptedImage         `json:"accepted_images"`
	// TimeTaken is server-side processing time in seconds.
	TimeTaken float64 `json:"time_taken"`
}

// StatusResponse is returned by GET /result/:id while a batch is running.
type StatusResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ImageID strips directory and extension from an uploaded filename.
func ImageID(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// SplitQuestions returns the questions of a request. A single value holding
// more than one '?' is treated as questions joined by "?,".
func SplitQuestions(values []string) []string {
	if len(values) == 1 && strings.Count(values[0], "?") > 1 {
		var out []string
		for _, part := range strings.Split(values[0], questionSeparator) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !strings.HasSuffix(part, "?") {
				part += "?"
			}
			out = append(out, part)
		}
		return out
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SplitExpectedAnswers returns one group of acceptable answers per question.
// Alternatives inside a group are whitespace separated. A single value holding
// a ',' is treated as groups joined by ','.
func SplitExpectedAnswers(values []string) [][]string {
	if len(values) == 1 && strings.Contains(values[0], ",") {
		var out [][]string
		for _, group := range strings.Split(values[0], ",") {
			if fields := strings.Fields(group); len(fields) > 0 {
				out = append(out, fields)
			}
		}
		return out
	}
	out := make([][]string, len(values))
	for i, v := range values {
		out[i] = strings.Fields(v)
	}
	return out
}

// ParseWeights parses whitespace separated floats. An empty value yields nil.
func ParseWeights(value string) ([]float64, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		w, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("weight %d: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}

// JoinQuestions encodes questions as one "?,"-joined value. Questions that do
// not end in '?' get one appended so SplitQuestions recovers them.
func JoinQuestions(questions []string) string {
	parts := make([]string, len(questions))
	for i, q := range questions {
		q = strings.TrimSpace(q)
		if !strings.HasSuffix(q, "?") {
			q += "?"
		}
		parts[i] = q
	}
	return strings.Join(parts, ",")
}

// JoinExpectedAnswers encodes answer groups as one ','-joined value.
func JoinExpectedAnswers(groups [][]string) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = strings.Join(g, " ")
	}
	return strings.Join(parts, ",")
}

// FormatWeights encodes weights as a whitespace separated value.
func FormatWeights(weights []float64) string {
	parts := make([]string, len(weights))
	for i, w := range weights {
		parts[i] = strconv.FormatFloat(w, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
