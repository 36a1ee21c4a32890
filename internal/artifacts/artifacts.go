// Package artifacts persists the inputs and outputs of a client run.
package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/vqa-verify/internal/client"
	"github.com/example/vqa-verify/internal/evaluation"
	"github.com/example/vqa-verify/internal/scoring"
	"github.com/example/vqa-verify/internal/wire"
)

// File names inside a run directory.
const (
	ParamsFile    = "params.json"
	DataFile      = "data.json"
	StatsFile     = "stats_overall.json"
	ResponsesDir  = "responses"
	timestampForm = "20060102_150405"
)

// Params are the query parameters sent with every batch.
type Params struct {
	QuestionWeights *string  `json:"question_weights"`
	Threshold       *float64 `json:"threshold"`
	ModelName       string   `json:"model_name,omitempty"`
	UseConfidence   *bool    `json:"use_confidence,omitempty"`
}

// Data is the form payload sent with every batch.
type Data struct {
	Questions       []string   `json:"questions"`
	ExpectedAnswers [][]string `json:"expected_answers"`
}

// Stats is the end-of-run summary.
type Stats struct {
	ProcessTimeTaken float64              `json:"process_time_taken"`
	TotalTimeTaken   float64              `json:"total_time_taken"`
	Batches          int                  `json:"batches"`
	AcceptedImages   []wire.AcceptedImage `json:"accepted_images"`
	AcceptedIDs      []string             `json:"accepted_ids"`
	TruePositiveIDs  []string             `json:"true_positive_ids,omitempty"`
	Metrics          *evaluation.Metrics  `json:"metrics,omitempty"`
	// Error records why a run stopped early.
	Error string `json:"error,omitempty"`
}

// NewStats summarises a run. metrics may be nil when no labels were given.
func NewStats(res *client.RunResult, metrics *evaluation.Metrics) Stats {
	s := Stats{
		ProcessTimeTaken: scoring.Round2(res.ProcessTime),
		TotalTimeTaken:   scoring.Round2(res.TotalTime),
		Batches:          res.Batches,
		AcceptedImages:   res.AcceptedImages,
		AcceptedIDs:      res.AcceptedIDs(),
		Metrics:          metrics,
	}
	if metrics != nil {
		s.TruePositiveIDs = metrics.TruePositiveIDs
	}
	return s
}

// ParamsFor extracts the persisted parameters from a request config.
func ParamsFor(cfg client.RequestConfig) Params {
	p := Params{Threshold: cfg.Threshold, ModelName: cfg.Model, UseConfidence: cfg.UseConfidence}
	if len(cfg.Weights) > 0 {
		w := wire.FormatWeights(cfg.Weights)
		p.QuestionWeights = &w
	}
	return p
}

var _ client.ArtifactSink = (*Dir)(nil)

// Dir is one timestamped run directory. It implements client.ArtifactSink.
type Dir struct {
	Path string
}

// Create makes <outputDir>/<YYYYMMDD_HHMMSS>/responses. It fails if a run
// directory with the same timestamp already exists.
func Create(outputDir string, now time.Time) (*Dir, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(outputDir, now.Format(timestampForm))
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.Mkdir(filepath.Join(path, ResponsesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create responses dir: %w", err)
	}
	return &Dir{Path: path}, nil
}

// WriteRequest persists params.json and data.json.
func (d *Dir) WriteRequest(cfg client.RequestConfig) error {
	if err := d.writeJSON(ParamsFile, ParamsFor(cfg)); err != nil {
		return err
	}
	return d.writeJSON(DataFile, Data{Questions: cfg.Questions, ExpectedAnswers: cfg.ExpectedAnswers})
}

// WriteResponse persists one raw batch response as responses/response_<index>.json.
func (d *Dir) WriteResponse(index int, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	buf.WriteByte('\n')
	name := filepath.Join(d.Path, ResponsesDir, fmt.Sprintf("response_%d.json", index))
	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write response %d: %w", index, err)
	}
	return nil
}

// WriteStats persists stats_overall.json.
func (d *Dir) WriteStats(s Stats) error {
	return d.writeJSON(StatsFile, s)
}

// ReadStats loads stats_overall.json from a run directory.
func ReadStats(runDir string) (Stats, error) {
	var s Stats
	raw, err := os.ReadFile(filepath.Join(runDir, StatsFile))
	if err != nil {
		return s, fmt.Errorf("read stats: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode stats: %w", err)
	}
	return s, nil
}

func (d *Dir) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(d.Path, name), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
