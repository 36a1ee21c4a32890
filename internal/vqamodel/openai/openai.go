// Package openai answers visual questions through the OpenAI chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/vqa-verify/internal/vqamodel"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	topLogprobs    = 5
	systemPrompt   = "Answer the question about the image with one or two lower-case words, for example yes or no. Do not explain."
)

// Engine implements vqamodel.Generator with one chat completion per image.
type Engine struct {
	APIKey  string
	Model   string
	BaseURL string
	httpc   *http.Client
}

// New creates an engine. An empty baseURL selects the public API.
func New(key, model, baseURL string) *Engine {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Engine{
		APIKey:  strings.TrimSpace(key),
		Model:   strings.TrimSpace(model),
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Transport: tr},
	}
}

// WithHTTPClient overrides the internal HTTP client.
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	if c != nil {
		e.httpc = c
	}
	return e
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Logprobs *struct {
			Content []tokenLogprob `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

type tokenLogprob struct {
	Token       string  `json:"token"`
	Logprob     float64 `json:"logprob"`
	TopLogprobs []struct {
		Token   string  `json:"token"`
		Logprob float64 `json:"logprob"`
	} `json:"top_logprobs"`
}

// Generate answers question for each image in order.
func (e *Engine) Generate(ctx context.Context, images []vqamodel.Image, question string) ([]vqamodel.Generation, error) {
	if e.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is empty")
	}
	out := make([]vqamodel.Generation, 0, len(images))
	for _, img := range images {
		gen, err := e.answer(ctx, img, question)
		if err != nil {
			return nil, fmt.Errorf("openai: image %s: %w", img.Name, err)
		}
		out = append(out, gen)
	}
	return out, nil
}

func (e *Engine) answer(ctx context.Context, img vqamodel.Image, question string) (vqamodel.Generation, error) {
	dataURL := "data:" + img.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	body := map[string]any{
		"model": e.Model,
		"messages": []any{
			map[string]any{"role": "system", "content": systemPrompt},
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": question},
					map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
				},
			},
		},
		"temperature":  0,
		"logprobs":     true,
		"top_logprobs": topLogprobs,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return vqamodel.Generation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return vqamodel.Generation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)

	resp, err := e.httpc.Do(req)
	if err != nil {
		return vqamodel.Generation{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return vqamodel.Generation{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return vqamodel.Generation{}, fmt.Errorf("status %d: %s", resp.StatusCode, truncateBytes(raw, 512))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return vqamodel.Generation{}, fmt.Errorf("bad JSON: %w", err)
	}
	if len(cr.Choices) == 0 {
		return vqamodel.Generation{}, fmt.Errorf("empty choices; body=%s", truncateBytes(raw, 512))
	}
	choice := cr.Choices[0]
	gen := vqamodel.Generation{Text: normalizeAnswer(choice.Message.Content)}
	if choice.Logprobs != nil {
		for _, tok := range choice.Logprobs.Content {
			gen.Steps = append(gen.Steps, distribution(tok))
		}
	}
	return gen, nil
}

// distribution converts the top-k log probabilities of one step to probabilities.
func distribution(tok tokenLogprob) vqamodel.Distribution {
	if len(tok.TopLogprobs) == 0 {
		return vqamodel.Distribution{math.Exp(tok.Logprob)}
	}
	dist := make(vqamodel.Distribution, len(tok.TopLogprobs))
	for i, alt := range tok.TopLogprobs {
		dist[i] = math.Exp(alt.Logprob)
	}
	return dist
}

// normalizeAnswer lower-cases and strips trailing punctuation so chat answers
// compare like the short answers of dedicated VQA models.
func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!")
}

func truncateBytes(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
