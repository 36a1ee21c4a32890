// Package engines builds the configured model backends once at startup and
// resolves model kinds to them.
package engines

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/config"
	"github.com/example/vqa-verify/internal/grpcclient"
	"github.com/example/vqa-verify/internal/vqamodel"
	"github.com/example/vqa-verify/internal/vqamodel/gemini"
	"github.com/example/vqa-verify/internal/vqamodel/openai"
)

// Registry maps kinds to generators. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	generators map[vqamodel.Kind]vqamodel.Generator
	closers    []func() error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[vqamodel.Kind]vqamodel.Generator)}
}

// Register binds gen to kind, replacing any previous binding.
func (r *Registry) Register(kind vqamodel.Kind, gen vqamodel.Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[kind] = gen
}

// Resolve returns the generator for kind or ErrUnsupportedModel.
func (r *Registry) Resolve(kind vqamodel.Kind) (vqamodel.Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gen, ok := r.generators[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no configured backend", vqamodel.ErrUnsupportedModel, kind)
	}
	return gen, nil
}

// Available lists the kinds with a backend, in declaration order.
func (r *Registry) Available() []vqamodel.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []vqamodel.Kind
	for _, k := range vqamodel.Kinds() {
		if _, ok := r.generators[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Close releases every backend connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Registry) onClose(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Build creates a generator for every backend present in cfg. A backend
// without an address or key is left out.
func Build(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (*Registry, error) {
	reg := NewRegistry()
	device := vqamodel.DeviceConfig{Device: cfg.Device, DeviceIDs: cfg.DeviceIDs}

	if cfg.BLIPAddr != "" {
		client, conn, err := grpcclient.DialBLIP(ctx, cfg.BLIPAddr, device, logger)
		if err != nil {
			return nil, err
		}
		reg.Register(vqamodel.KindBLIPCapfiltLarge, client)
		reg.onClose(conn.Close)
	}

	if cfg.OpenAIKey != "" {
		reg.Register(vqamodel.KindOpenAI, openai.New(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL))
	}

	if cfg.GeminiKey != "" {
		engine, err := gemini.New(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		reg.Register(vqamodel.KindGemini, engine)
		reg.onClose(engine.Close)
	}

	kinds := make([]string, 0, len(vqamodel.Kinds()))
	for _, k := range reg.Available() {
		kinds = append(kinds, k.String())
	}
	logger.Info("model backends ready", zap.Strings("kinds", kinds), zap.String("device", cfg.Device))
	return reg, nil
}
