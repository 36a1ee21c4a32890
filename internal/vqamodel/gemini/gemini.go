// Package gemini answers visual questions with Google Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/example/vqa-verify/internal/vqamodel"
)

const (
	maxAttempts = 3
	instruction = "Answer the question about the image with one or two lower-case words, for example yes or no. Do not explain."
)

// Engine implements vqamodel.Generator. Gemini exposes no token
// probabilities, so generations carry no steps.
type Engine struct {
	client *genai.Client
	Model  string
}

// New opens a Gemini client. Close releases it.
func New(ctx context.Context, apiKey, model string) (*Engine, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Engine{client: cl, Model: strings.TrimSpace(model)}, nil
}

// Close releases the underlying client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Generate answers question for each image in order.
func (e *Engine) Generate(ctx context.Context, images []vqamodel.Image, question string) ([]vqamodel.Generation, error) {
	m := e.client.GenerativeModel(e.Model)
	if m == nil {
		return nil, fmt.Errorf("gemini: model is nil")
	}
	m.GenerationConfig = genai.GenerationConfig{Temperature: ptrFloat32(0)}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}

	out := make([]vqamodel.Generation, 0, len(images))
	for _, img := range images {
		txt, err := answer(ctx, m, img, question)
		if err != nil {
			return nil, fmt.Errorf("gemini: image %s: %w", img.Name, err)
		}
		out = append(out, vqamodel.Generation{Text: normalizeAnswer(txt)})
	}
	return out, nil
}

func answer(ctx context.Context, m *genai.GenerativeModel, img vqamodel.Image, question string) (string, error) {
	parts := []genai.Part{
		genai.Text(question),
		&genai.Blob{MIMEType: img.ContentType(), Data: img.Data},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := m.GenerateContent(ctx, parts...)
		if err == nil {
			txt := firstText(resp)
			if txt == "" {
				return "", errors.New("empty response")
			}
			return txt, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
	return "", lastErr
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!")
}

func ptrFloat32(v float32) *float32 { return &v }
