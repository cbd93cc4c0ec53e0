package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/domain/prompt"
	"github.com/labcv/labcv/internal/app/storage"
)

func TestProfileUpsertKeepsRole(t *testing.T) {
	ctx := context.Background()
	store := New()

	p, err := store.UpsertProfile(ctx, profile.Profile{ID: "u1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.Role != profile.RoleUser {
		t.Fatalf("role = %s, want user", p.Role)
	}
	if _, err := store.SetProfileRole(ctx, "u1", profile.RoleAdmin); err != nil {
		t.Fatalf("set role: %v", err)
	}
	p, err = store.UpsertProfile(ctx, profile.Profile{ID: "u1", Email: "new@example.com"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if p.Role != profile.RoleAdmin || p.Email != "new@example.com" {
		t.Fatalf("unexpected profile after upsert: %+v", p)
	}
}

func TestSaveContentNumbersVersions(t *testing.T) {
	ctx := context.Background()
	store := New()

	c, err := store.CreateCV(ctx, cv.CV{UserID: "u1", Title: "Mi CV", Status: cv.StatusDraft, Template: cv.TemplateClassic})
	if err != nil {
		t.Fatalf("create cv: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, v, err := store.SaveContent(ctx, c.ID, cv.Content{Summary: "v"}, cv.ReasonManual)
		if err != nil {
			t.Fatalf("save content: %v", err)
		}
		if v.Number != i+2 {
			t.Fatalf("version number = %d, want %d", v.Number, i+2)
		}
	}
	versions, err := store.ListVersions(ctx, c.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 4 || versions[0].Reason != cv.ReasonCreate {
		t.Fatalf("unexpected versions: %+v", versions)
	}
}

func TestListMessagesLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := New()
	c, _ := store.CreateCV(ctx, cv.CV{UserID: "u1"})
	for _, text := range []string{"a", "b", "c"} {
		if _, err := store.AddMessage(ctx, cv.Message{CVID: c.ID, Role: cv.RoleUser, Content: text}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	msgs, err := store.ListMessages(ctx, c.ID, 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Fatalf("unexpected window: %+v", msgs)
	}
}

func TestTransitionPaymentCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := New()

	p, err := store.CreatePayment(ctx, payment.Payment{UserID: "u1", CVID: "c1", OrderID: "LC1", AmountCents: 299, Currency: "USD", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		stale   int
	)
	for _, to := range []payment.Status{payment.StatusCompleted, payment.StatusExpired, payment.StatusFailed, payment.StatusCancelled} {
		wg.Add(1)
		go func(to payment.Status) {
			defer wg.Done()
			_, err := store.TransitionPayment(ctx, payment.Transition{PaymentID: p.ID, From: payment.StatusPending, To: to, At: time.Now().UTC()})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, storage.ErrStaleTransition):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(to)
	}
	wg.Wait()

	if winners != 1 || stale != 3 {
		t.Fatalf("winners = %d, stale = %d; want 1 and 3", winners, stale)
	}
	logs, err := store.ListPaymentLogs(ctx, p.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Event != payment.EventCreated {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestFindOpenPaymentIgnoresExpired(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()

	if _, err := store.CreatePayment(ctx, payment.Payment{UserID: "u1", CVID: "c1", OrderID: "old", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.FindOpenPayment(ctx, "u1", "c1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	open, err := store.CreatePayment(ctx, payment.Payment{UserID: "u1", CVID: "c1", OrderID: "new", ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err := store.FindOpenPayment(ctx, "u1", "c1", now)
	if err != nil || found.ID != open.ID {
		t.Fatalf("found = %+v, err = %v", found, err)
	}
	if _, err := store.CreatePayment(ctx, payment.Payment{OrderID: "new"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected duplicate order conflict, got %v", err)
	}
}

func TestListCompletedWithoutAccess(t *testing.T) {
	ctx := context.Background()
	store := New()
	since := time.Now().Add(-time.Hour)

	complete := func(orderID, cvID string) payment.Payment {
		p, err := store.CreatePayment(ctx, payment.Payment{UserID: "u1", CVID: cvID, OrderID: orderID, ExpiresAt: time.Now().Add(time.Minute)})
		if err != nil {
			t.Fatalf("create %s: %v", orderID, err)
		}
		p, err = store.TransitionPayment(ctx, payment.Transition{PaymentID: p.ID, From: payment.StatusPending, To: payment.StatusCompleted, At: time.Now()})
		if err != nil {
			t.Fatalf("complete %s: %v", orderID, err)
		}
		return p
	}
	granted := complete("LC1", "c1")
	missing := complete("LC2", "c2")
	if _, err := store.UpsertAccess(ctx, access.Grant{UserID: "u1", CVID: "c1", PaymentID: granted.ID}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	got, err := store.ListCompletedWithoutAccess(ctx, since)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != missing.ID {
		t.Fatalf("got %+v, want only %s", got, missing.ID)
	}
	if got, _ := store.ListCompletedWithoutAccess(ctx, time.Now().Add(time.Hour)); len(got) != 0 {
		t.Fatalf("window not applied: %+v", got)
	}
}

func TestConsumeDownloadQuota(t *testing.T) {
	ctx := context.Background()
	store := New()
	expires := time.Now().Add(time.Hour)

	if _, err := store.UpsertAccess(ctx, access.Grant{UserID: "u1", CVID: "c1", MaxDownloads: 2, ExpiresAt: &expires}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.ConsumeDownload(ctx, "u1", "c1", time.Now()); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if _, err := store.ConsumeDownload(ctx, "u1", "c1", time.Now()); !errors.Is(err, storage.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}

	g, err := store.UpsertAccess(ctx, access.Grant{UserID: "u1", CVID: "c1", MaxDownloads: 2, ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("regrant: %v", err)
	}
	if g.DownloadsUsed != 0 {
		t.Fatalf("regrant should reset usage, got %d", g.DownloadsUsed)
	}
	if _, err := store.ConsumeDownload(ctx, "u1", "c1", expires.Add(time.Second)); !errors.Is(err, storage.ErrAccessDenied) {
		t.Fatalf("expected expired grant to be denied, got %v", err)
	}
}

func TestPromptActivationKeepsSingleActive(t *testing.T) {
	ctx := context.Background()
	store := New()

	first, _ := store.CreatePromptVersion(ctx, prompt.Version{Content: "a", IsActive: true})
	second, _ := store.CreatePromptVersion(ctx, prompt.Version{Content: "b", IsActive: true})
	if second.Version != first.Version+1 {
		t.Fatalf("version = %d, want %d", second.Version, first.Version+1)
	}
	if _, err := store.ActivatePromptVersion(ctx, first.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	versions, _ := store.ListPromptVersions(ctx)
	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
			if v.ID != first.ID {
				t.Fatalf("wrong active version %d", v.Version)
			}
		}
	}
	if active != 1 {
		t.Fatalf("active versions = %d, want 1", active)
	}
}

func TestApplyFeedbackCreatesAndReinforcesPatterns(t *testing.T) {
	ctx := context.Background()
	store := New()
	u := learning.Update{Direction: learning.Positive, Step: 0.1, Weight: 2, InitialConfidence: 0.5, Instructions: map[string]string{"concise": "Sé conciso"}}

	_, patterns, err := store.ApplyFeedback(ctx, learning.Feedback{Source: learning.SourceTraining, Rating: 5, Tags: []string{"concise"}}, u)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(patterns) != 1 || patterns[0].Confidence != 0.7 || patterns[0].Instruction != "Sé conciso" {
		t.Fatalf("unexpected pattern: %+v", patterns)
	}

	u.Direction = learning.Negative
	u.Weight = 1
	_, patterns, _ = store.ApplyFeedback(ctx, learning.Feedback{Source: learning.SourceUser, Rating: 1, Tags: []string{"concise"}}, u)
	if patterns[0].Confidence != 0.6 || patterns[0].PositiveCount != 1 || patterns[0].NegativeCount != 1 {
		t.Fatalf("unexpected pattern after negative: %+v", patterns[0])
	}

	active, _ := store.ListActivePatterns(ctx, 0.6, 10)
	if len(active) != 1 {
		t.Fatalf("active patterns = %d, want 1", len(active))
	}
	stats, _ := store.Stats(ctx, time.Now(), 0.6)
	if stats.Feedback != 2 || stats.AverageRating != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDeleteCVCascades(t *testing.T) {
	ctx := context.Background()
	store := New()
	c, _ := store.CreateCV(ctx, cv.CV{UserID: "u1"})
	m, _ := store.AddMessage(ctx, cv.Message{CVID: c.ID, Role: cv.RoleUser, Content: "hola"})
	_, _ = store.UpsertAccess(ctx, access.Grant{UserID: "u1", CVID: c.ID})

	if err := store.DeleteCV(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetMessage(ctx, m.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("message should be gone, got %v", err)
	}
	if _, err := store.GetAccess(ctx, "u1", c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("grant should be gone, got %v", err)
	}
}
