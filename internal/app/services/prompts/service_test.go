package prompts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/storage/memory"
	"github.com/labcv/labcv/internal/config"
)

func newService() (*Service, *memory.Store) {
	store := memory.New()
	return New(store, store, config.DefaultProduct().Learning, nil), store
}

func TestActiveFallsBackToDefault(t *testing.T) {
	svc, _ := newService()
	v, err := svc.Active(context.Background())
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if v.Version != 0 || v.Content != DefaultPrompt {
		t.Fatalf("unexpected fallback %+v", v)
	}
}

func TestCreateAndActivate(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	v1, err := svc.Create(ctx, "admin", "primero", "", true)
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	v2, err := svc.Create(ctx, "admin", "segundo", "borrador", false)
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Fatalf("versions = %d, %d", v1.Version, v2.Version)
	}

	active, _ := svc.Active(ctx)
	if active.ID != v1.ID {
		t.Fatalf("active = %d, want 1", active.Version)
	}
	if _, err := svc.Activate(ctx, v2.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	active, _ = svc.Active(ctx)
	if active.ID != v2.ID {
		t.Fatalf("active = %d, want 2", active.Version)
	}

	if _, err := svc.Create(ctx, "admin", "   ", "", false); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("empty prompt err = %v", err)
	}
}

func TestSeedOnlyOnce(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	v, created, err := svc.Seed(ctx, "cli")
	if err != nil || !created || v.Version != 1 || !v.IsActive {
		t.Fatalf("seed = %+v %v %v", v, created, err)
	}
	if _, created, _ := svc.Seed(ctx, "cli"); created {
		t.Fatal("second seed must not create a version")
	}
}

func TestCompose(t *testing.T) {
	patterns := []learning.Pattern{
		{Tag: "weak", Instruction: "débil", Confidence: 0.55},
		{Tag: "b", Instruction: "Usa verbos de acción", Confidence: 0.7},
		{Tag: "a", Instruction: "Cuantifica logros", Confidence: 0.9},
		{Tag: "off", Instruction: "desactivada", Confidence: 1, Disabled: true},
	}
	got := Compose("Base", patterns, 0.6, 10)
	want := "Base\n\n" + catalogHeading + "\n- Cuantifica logros\n- Usa verbos de acción"
	if got != want {
		t.Fatalf("compose =\n%s\nwant\n%s", got, want)
	}

	if got := Compose(" Base ", patterns, 0.6, 1); strings.Contains(got, "verbos") {
		t.Fatalf("max not applied: %s", got)
	}
	if got := Compose("Base", nil, 0.6, 10); got != "Base" {
		t.Fatalf("no patterns = %q", got)
	}
}

func TestSystemPromptIncludesLearnedPatterns(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	u := learning.Update{Direction: learning.Positive, Step: 0.1, Weight: 2, InitialConfidence: 0.5,
		Instructions: map[string]string{"logros": "Pide logros medibles"}}
	if _, _, err := store.ApplyFeedback(ctx, learning.Feedback{Source: learning.SourceTraining, MessageID: "m", Rating: 5, Tags: []string{"logros"}}, u); err != nil {
		t.Fatalf("apply: %v", err)
	}

	text, err := svc.SystemPrompt(ctx, "")
	if err != nil {
		t.Fatalf("system prompt: %v", err)
	}
	if !strings.HasPrefix(text, "Eres el asistente de Lab CV") || !strings.HasSuffix(text, "- Pide logros medibles") {
		t.Fatalf("unexpected prompt:\n%s", text)
	}
}
