package learning

import (
	"context"
	"errors"
	"testing"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/memory"
	"github.com/labcv/labcv/internal/config"
)

func newService() *Service {
	return New(memory.New(), config.DefaultProduct().Learning, nil)
}

func confidenceOf(t *testing.T, svc *Service, tag string) float64 {
	t.Helper()
	patterns, err := svc.Patterns(context.Background())
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	for _, p := range patterns {
		if p.Tag == tag {
			return p.Confidence
		}
	}
	t.Fatalf("pattern %s not found", tag)
	return 0
}

func TestUserFeedbackMovesOneStep(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	res, err := svc.Record(ctx, learning.Feedback{Source: learning.SourceUser, MessageID: "m1", Rating: 5, Tags: []string{"Action Verbs"}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Direction != "positive" || len(res.Patterns) != 1 {
		t.Fatalf("result = %+v", res)
	}
	p := res.Patterns[0]
	if p.Tag != "action_verbs" || p.Confidence != 0.6 || p.PositiveCount != 1 {
		t.Fatalf("pattern = %+v", p)
	}
	if p.Instruction != "Redacta los logros empezando con verbos de acción." {
		t.Fatalf("catalog instruction not used: %q", p.Instruction)
	}

	if _, err := svc.Record(ctx, learning.Feedback{Source: learning.SourceUser, MessageID: "m2", Rating: 1, Tags: []string{"action_verbs"}}); err != nil {
		t.Fatalf("record negative: %v", err)
	}
	if got := confidenceOf(t, svc, "action_verbs"); got != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", got)
	}
}

func TestTrainingFeedbackDoubleWeight(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	res, err := svc.Record(ctx, learning.Feedback{Source: learning.SourceTraining, SessionID: "s1", MessageID: "m1", Rating: 4, Tags: []string{"custom guideline"}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	p := res.Patterns[0]
	if p.Confidence != 0.7 {
		t.Fatalf("confidence = %v, want 0.7", p.Confidence)
	}
	if p.Instruction != "custom_guideline" {
		t.Fatalf("instruction = %q, want tag text", p.Instruction)
	}
}

func TestNeutralRatingKeepsConfidence(t *testing.T) {
	svc := newService()
	res, err := svc.Record(context.Background(), learning.Feedback{Source: learning.SourceUser, MessageID: "m", Rating: 3, Tags: []string{"concise"}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Direction != "neutral" || res.Patterns[0].Confidence != 0.5 {
		t.Fatalf("result = %+v", res)
	}
}

func TestConfidenceClamped(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if _, err := svc.Record(ctx, learning.Feedback{Source: learning.SourceTraining, MessageID: "m", Rating: 5, Tags: []string{"concise"}}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if got := confidenceOf(t, svc, "concise"); got != 1 {
		t.Fatalf("confidence = %v, want 1", got)
	}
	active, _ := svc.ActivePatterns(ctx)
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
}

func TestRecordValidation(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	if _, err := svc.Record(ctx, learning.Feedback{Source: learning.SourceUser, Rating: 6}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("rating err = %v", err)
	}
	tags := make([]string, 11)
	for i := range tags {
		tags[i] = string(rune('a' + i))
	}
	if _, err := svc.Record(ctx, learning.Feedback{Source: learning.SourceUser, Rating: 4, Tags: tags}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("tags err = %v", err)
	}
}

func TestUpdateAndReset(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	res, _ := svc.Record(ctx, learning.Feedback{Source: learning.SourceTraining, MessageID: "m", Rating: 5, Tags: []string{"spelling"}})
	id := res.Patterns[0].ID

	disabled := true
	instr := "  Corrige tildes  "
	p, err := svc.Update(ctx, id, storage.PatternChange{Instruction: &instr, Disabled: &disabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Instruction != "Corrige tildes" || !p.Disabled {
		t.Fatalf("pattern = %+v", p)
	}
	if active, _ := svc.ActivePatterns(ctx); len(active) != 0 {
		t.Fatal("disabled pattern must not be active")
	}

	p, err = svc.Reset(ctx, id)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if p.Confidence != 0.5 || p.PositiveCount != 0 || p.NegativeCount != 0 {
		t.Fatalf("reset pattern = %+v", p)
	}

	empty := " "
	if _, err := svc.Update(ctx, id, storage.PatternChange{Instruction: &empty}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("empty instruction err = %v", err)
	}
}

func TestCatalogSorted(t *testing.T) {
	tags := Catalog()
	for i := 1; i < len(tags); i++ {
		if tags[i-1].Tag > tags[i].Tag {
			t.Fatalf("catalog not sorted at %d", i)
		}
	}
}
