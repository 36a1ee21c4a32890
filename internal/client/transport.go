// Package client drives the scoring service from a directory of images.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/vqa-verify/internal/vqamodel"
	"github.com/example/vqa-verify/internal/wire"
)

// RequestConfig is sent with every batch of a run.
type RequestConfig struct {
	Questions       []string   `json:"questions" yaml:"questions"`
	ExpectedAnswers [][]string `json:"expected_answers" yaml:"expected_answers"`
	Weights         []float64  `json:"question_weights,omitempty" yaml:"question_weights,omitempty"`
	Threshold       *float64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Model           string     `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	// UseConfidence is left to the server default when nil.
	UseConfidence       *bool `json:"use_confidence,omitempty" yaml:"use_confidence,omitempty"`
	NormalizeWeights    bool  `json:"normalize_weights,omitempty" yaml:"normalize_weights,omitempty"`
	GenerationBatchSize int   `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// BatchFile is one image read from disk.
type BatchFile struct {
	Name string
	Data []byte
}

// BatchResponse is a decoded scoring response with its raw body.
type BatchResponse struct {
	Response wire.ProcessResponse
	Raw      []byte
	// Elapsed is the observed wall-clock round trip.
	Elapsed time.Duration
}

// Transport sends one batch and waits for its response.
type Transport interface {
	Send(ctx context.Context, files []BatchFile, cfg RequestConfig) (*BatchResponse, error)
}

// HTTPTransport posts batches to POST /process.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPTransport returns a transport with the given per-batch timeout.
func NewHTTPTransport(baseURL, token string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, files []BatchFile, cfg RequestConfig) (*BatchResponse, error) {
	body, contentType, err := encodeBatch(files, cfg)
	if err != nil {
		return nil, err
	}

	endpoint := t.BaseURL + "/process"
	if q := encodeQuery(cfg); q != "" {
		endpoint += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", contentType)
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	start := time.Now()
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr wire.ErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, msg)
	}

	out := &BatchResponse{Raw: raw, Elapsed: elapsed}
	if err := json.Unmarshal(raw, &out.Response); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if out.Response.Verdicts == nil {
		return nil, fmt.Errorf("%w: response has no verdicts", ErrMalformedResponse)
	}
	return out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func encodeBatch(files []BatchFile, cfg RequestConfig) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, q := range cfg.Questions {
		if err := writer.WriteField(wire.FieldQuestions, q); err != nil {
			return nil, "", err
		}
	}
	for _, group := range cfg.ExpectedAnswers {
		if err := writer.WriteField(wire.FieldExpectedAnswers, strings.Join(group, " ")); err != nil {
			return nil, "", err
		}
	}
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, wire.FieldImages, quoteEscaper.Replace(f.Name)))
		header.Set("Content-Type", vqamodel.SniffMIME(f.Data))
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func encodeQuery(cfg RequestConfig) string {
	q := url.Values{}
	if len(cfg.Weights) > 0 {
		q.Set(wire.FieldQuestionWeights, wire.FormatWeights(cfg.Weights))
	}
	if cfg.Threshold != nil {
		q.Set(wire.FieldThreshold, strconv.FormatFloat(*cfg.Threshold, 'f', -1, 64))
	}
	if cfg.Model != "" {
		q.Set(wire.FieldModelName, cfg.Model)
	}
	if cfg.UseConfidence != nil {
		q.Set(wire.FieldUseConfidence, strconv.FormatBool(*cfg.UseConfidence))
	}
	if cfg.NormalizeWeights {
		q.Set(wire.FieldNormalizeWeights, "true")
	}
	if cfg.GenerationBatchSize > 0 {
		q.Set(wire.FieldBatchSize, strconv.Itoa(cfg.GenerationBatchSize))
	}
	return q.Encode()
}
