package training

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/training"
	"github.com/labcv/labcv/internal/app/services/ai"
	learningsvc "github.com/labcv/labcv/internal/app/services/learning"
	"github.com/labcv/labcv/internal/app/services/prompts"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/memory"
	"github.com/labcv/labcv/internal/config"
)

type fixture struct {
	svc     *Service
	prompts *prompts.Service
}

func newFixture(t *testing.T, completer ai.Completer) fixture {
	t.Helper()
	store := memory.New()
	settings := config.DefaultProduct().Learning
	promptService := prompts.New(store, store, settings, nil)
	return fixture{
		svc:     New(store, promptService, learningsvc.New(store, settings, nil), completer, nil),
		prompts: promptService,
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, ai.StaticCompleter{Reply: "Respuesta de prueba"})
	ctx := context.Background()

	v, err := f.prompts.Create(ctx, "admin", "Eres un asistente de CV.", "v1", true)
	if err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	sess, err := f.svc.Start(ctx, "admin", "", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.PromptVersionID != v.ID || sess.Status != training.StatusActive || !strings.HasPrefix(sess.Title, "Entrenamiento") {
		t.Fatalf("session = %+v", sess)
	}

	ex, err := f.svc.Send(ctx, sess.ID, "¿Cómo mejoro mi resumen?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ex.AssistantMessage.Content != "Respuesta de prueba" {
		t.Fatalf("reply = %+v", ex.AssistantMessage)
	}

	res, err := f.svc.Feedback(ctx, "admin", sess.ID, Rating{MessageID: ex.AssistantMessage.ID, Rating: 5, Tags: []string{"quantify_results"}})
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if got := res.Patterns[0].Confidence; got != 0.7 {
		t.Fatalf("confidence = %v, want 0.7 with training weight", got)
	}
	if _, err := f.svc.Feedback(ctx, "admin", sess.ID, Rating{MessageID: ex.UserMessage.ID, Rating: 2}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid for admin message", err)
	}
	if _, err := f.svc.Feedback(ctx, "admin", sess.ID, Rating{MessageID: ex.AssistantMessage.ID, Rating: 3}); err != nil {
		t.Fatalf("second feedback: %v", err)
	}

	done, err := f.svc.Complete(ctx, sess.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != training.StatusCompleted || done.Summary != "2 mensajes, 2 valoraciones, promedio 4.0" {
		t.Fatalf("completed = %+v", done)
	}

	if _, err := f.svc.Complete(ctx, sess.ID); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if _, err := f.svc.Send(ctx, sess.ID, "hola"); !errors.Is(err, service.ErrConflict) {
		t.Fatalf("err = %v, want conflict on completed session", err)
	}

	detail, err := f.svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.Messages) != 2 || len(detail.Feedback) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
	list, err := f.svc.List(ctx, storage.Page{})
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
}

func TestStartWithUnknownVersion(t *testing.T) {
	f := newFixture(t, ai.StaticCompleter{})
	if _, err := f.svc.Start(context.Background(), "admin", "x", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestFeedbackOnForeignMessage(t *testing.T) {
	f := newFixture(t, ai.StaticCompleter{Reply: "ok"})
	ctx := context.Background()
	a, _ := f.svc.Start(ctx, "admin", "A", "")
	b, _ := f.svc.Start(ctx, "admin", "B", "")
	ex, err := f.svc.Send(ctx, a.ID, "hola")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Feedback(ctx, "admin", b.ID, Rating{MessageID: ex.AssistantMessage.ID, Rating: 4}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCompleteWithoutFeedback(t *testing.T) {
	f := newFixture(t, ai.StaticCompleter{})
	ctx := context.Background()
	sess, _ := f.svc.Start(ctx, "admin", "Vacía", "")
	done, err := f.svc.Complete(ctx, sess.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Summary != "0 mensajes, sin valoraciones" {
		t.Fatalf("summary = %q", done.Summary)
	}
}

func TestCompleteSummarizesEveryRating(t *testing.T) {
	f := newFixture(t, ai.StaticCompleter{Reply: "ok"})
	ctx := context.Background()
	sess, err := f.svc.Start(ctx, "admin", "Larga", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ex, err := f.svc.Send(ctx, sess.ID, "hola")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 600; i++ {
		rating := 5
		if i < 100 {
			rating = 1
		}
		if _, err := f.svc.Feedback(ctx, "admin", sess.ID, Rating{MessageID: ex.AssistantMessage.ID, Rating: rating}); err != nil {
			t.Fatalf("feedback %d: %v", i, err)
		}
	}

	done, err := f.svc.Complete(ctx, sess.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Summary != "2 mensajes, 600 valoraciones, promedio 4.3" {
		t.Fatalf("summary = %q", done.Summary)
	}
}
