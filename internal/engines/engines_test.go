package engines

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/config"
	"github.com/example/vqa-verify/internal/vqamodel"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	gen := vqamodel.GeneratorFunc(func(context.Context, []vqamodel.Image, string) ([]vqamodel.Generation, error) {
		return nil, nil
	})
	reg.Register(vqamodel.KindOpenAI, gen)

	if _, err := reg.Resolve(vqamodel.KindOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Resolve(vqamodel.KindBLIPCapfiltLarge); !errors.Is(err, vqamodel.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
	if got := reg.Available(); len(got) != 1 || got[0] != vqamodel.KindOpenAI {
		t.Fatalf("unexpected available kinds %v", got)
	}
}

func TestBuildSkipsUnconfiguredBackends(t *testing.T) {
	cfg := config.New().Server
	cfg.BLIPAddr = ""
	cfg.OpenAIKey = "sk-test"

	reg, err := Build(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reg.Close()

	if got := reg.Available(); len(got) != 1 || got[0] != vqamodel.KindOpenAI {
		t.Fatalf("unexpected available kinds %v", got)
	}
}
