package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/vqa-verify/internal/client"
	"github.com/example/vqa-verify/internal/evaluation"
	"github.com/example/vqa-verify/internal/wire"
)

var runStart = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func TestCreateLayout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "outputs")

	dir, err := Create(out, runStart)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "20240309_140507"), dir.Path)
	assert.DirExists(t, filepath.Join(dir.Path, ResponsesDir))

	_, err = Create(out, runStart)
	assert.Error(t, err, "same timestamp must not reuse a run directory")
}

func TestWriteRequest(t *testing.T) {
	dir, err := Create(t.TempDir(), runStart)
	require.NoError(t, err)

	threshold := 0.6
	require.NoError(t, dir.WriteRequest(client.RequestConfig{
		Questions:       []string{"q1?", "q2?"},
		ExpectedAnswers: [][]string{{"yes"}, {"no"}},
		Weights:         []float64{0.5, 0.5},
		Threshold:       &threshold,
	}))

	var params map[string]any
	readJSON(t, filepath.Join(dir.Path, ParamsFile), &params)
	assert.Equal(t, "0.5 0.5", params["question_weights"])
	assert.Equal(t, 0.6, params["threshold"])

	var data Data
	readJSON(t, filepath.Join(dir.Path, DataFile), &data)
	assert.Equal(t, []string{"q1?", "q2?"}, data.Questions)
	assert.Equal(t, [][]string{{"yes"}, {"no"}}, data.ExpectedAnswers)
}

func TestWriteRequestStrictModeKeepsNullParams(t *testing.T) {
	dir, err := Create(t.TempDir(), runStart)
	require.NoError(t, err)
	require.NoError(t, dir.WriteRequest(client.RequestConfig{Questions: []string{"q?"}}))

	var params map[string]any
	readJSON(t, filepath.Join(dir.Path, ParamsFile), &params)
	assert.Contains(t, params, "question_weights")
	assert.Nil(t, params["question_weights"])
	assert.Nil(t, params["threshold"])
}

func TestWriteResponse(t *testing.T) {
	dir, err := Create(t.TempDir(), runStart)
	require.NoError(t, err)

	require.NoError(t, dir.WriteResponse(2, []byte(`{"time_taken":1.5}`)))
	raw, err := os.ReadFile(filepath.Join(dir.Path, ResponsesDir, "response_2.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"time_taken":1.5}`, string(raw))
	assert.Contains(t, string(raw), "\n    ")
}

func TestStatsRoundTrip(t *testing.T) {
	dir, err := Create(t.TempDir(), runStart)
	require.NoError(t, err)

	res := &client.RunResult{
		Batches:     2,
		ProcessTime: 3.14159,
		TotalTime:   4.005001,
		AcceptedImages: []wire.AcceptedImage{
			{ImageID: "a", Score: 1, Results: []int{1}},
			{ImageID: "b", Score: 1, Results: []int{1}},
		},
	}
	metrics := &evaluation.Metrics{Accuracy: 0.5, Precision: 0.5, Recall: 0.5, F1: 0.5, TruePositiveIDs: []string{"a"}}
	require.NoError(t, dir.WriteStats(NewStats(res, metrics)))

	got, err := ReadStats(dir.Path)
	require.NoError(t, err)
	assert.Equal(t, 3.14, got.ProcessTimeTaken)
	assert.Equal(t, 4.01, got.TotalTimeTaken)
	assert.Equal(t, []string{"a", "b"}, got.AcceptedIDs)
	assert.Equal(t, []string{"a"}, got.TruePositiveIDs)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 0.5, got.Metrics.F1)
}

func TestReadStatsMissing(t *testing.T) {
	_, err := ReadStats(t.TempDir())
	assert.Error(t, err)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}
