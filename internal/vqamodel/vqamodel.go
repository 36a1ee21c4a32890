// Package vqamodel defines the boundary to the visual question answering models.
package vqamodel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedModel is returned when a model name maps to no known kind
// or when a known kind has no configured backend.
var ErrUnsupportedModel = errors.New("unsupported model")

// Kind is the closed set of model backends the service can score with.
type Kind int

const (
	KindBLIPCapfiltLarge Kind = iota
	KindOpenAI
	KindGemini
)

// DefaultKind is used when a request does not name a model.
const DefaultKind = KindBLIPCapfiltLarge

var kindNames = map[Kind]string{
	KindBLIPCapfiltLarge: "blip-vqa-capfilt-large",
	KindOpenAI:           "openai",
	KindGemini:           "gemini",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds lists every supported kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindBLIPCapfiltLarge, KindOpenAI, KindGemini}
}

// ParseKind maps a model name to its kind. An empty name selects DefaultKind.
func ParseKind(name string) (Kind, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultKind, nil
	}
	for _, k := range Kinds() {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedModel, name)
}

// Image is one decoded upload held for the duration of a batch.
type Image struct {
	Name string
	Data []byte
	MIME string
}

// ContentType returns the declared MIME type or sniffs it from the payload.
func (i Image) ContentType() string {
	if i.MIME != "" && i.MIME != "application/octet-stream" {
		return i.MIME
	}
	return SniffMIME(i.Data)
}

// SniffMIME detects the media type of a payload from its magic bytes.
// Unknown payloads report application/octet-stream.
func SniffMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsImage reports whether mime is an image media type.
func IsImage(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/")
}

// Distribution is the probability mass of one decoding step. It may cover the
// whole vocabulary or only the top-k candidates.
type Distribution []float64

// Generation is the answer produced for one image and one question.
type Generation struct {
	Text  string
	Steps []Distribution
}

// Generator answers one question for a batch of images in a single call.
// Implementations return exactly one Generation per image, in input order.
type Generator interface {
	Generate(ctx context.Context, images []Image, question string) ([]Generation, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, images []Image, question string) ([]Generation, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, images []Image, question string) ([]Generation, error) {
	return f(ctx, images, question)
}

// DeviceConfig selects the accelerators a backend may use.
type DeviceConfig struct {
	Device    string
	DeviceIDs []int
}

// VisibleDevices renders the device ids the way CUDA_VISIBLE_DEVICES expects them.
func (d DeviceConfig) VisibleDevices() string {
	parts := make([]string, len(d.DeviceIDs))
	for i, id := range d.DeviceIDs {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
