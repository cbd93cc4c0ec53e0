package cvs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/blob"
	"github.com/labcv/labcv/internal/app/storage/memory"
)

func newService(t *testing.T) (*Service, *blob.Memory) {
	t.Helper()
	bucket := blob.NewMemory()
	return New(memory.New(), bucket, nil), bucket
}

func TestCreateDefaults(t *testing.T) {
	svc, _ := newService(t)
	c, err := svc.Create(context.Background(), "u1", "  ", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Title != DefaultTitle || c.Template != cv.TemplateClassic || c.Status != cv.StatusDraft {
		t.Fatalf("cv = %+v", c)
	}
	versions, err := svc.Versions(context.Background(), "u1", c.ID)
	if err != nil || len(versions) != 1 || versions[0].Number != 1 {
		t.Fatalf("versions = %+v, %v", versions, err)
	}

	if _, err := svc.Create(context.Background(), "u1", strings.Repeat("x", 121), ""); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("long title err = %v", err)
	}
	if _, err := svc.Create(context.Background(), "u1", "a", cv.Template("fancy")); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("bad template err = %v", err)
	}
}

func TestOwnershipHidesForeignCV(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, "owner", "CV", "")

	if _, err := svc.Get(ctx, "intruder", c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, "intruder", c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete err = %v", err)
	}
	if _, err := svc.GetAny(ctx, c.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
}

func TestUpdateContentVersioning(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, "u1", "CV", "")

	content := cv.Content{Summary: "Ingeniera de software", Skills: []string{"Go"}}
	_, v, err := svc.UpdateContent(ctx, "u1", c.ID, content, cv.ReasonManual)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v == nil || v.Number != 2 {
		t.Fatalf("version = %+v, want 2", v)
	}

	_, v, err = svc.UpdateContent(ctx, "u1", c.ID, content, cv.ReasonManual)
	if err != nil {
		t.Fatalf("update same: %v", err)
	}
	if v != nil {
		t.Fatalf("identical content created version %d", v.Number)
	}

	bad := cv.Content{Experience: []cv.Experience{{Location: "Panamá"}}}
	if _, _, err := svc.UpdateContent(ctx, "u1", c.ID, bad, cv.ReasonManual); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("invalid content err = %v", err)
	}
}

func TestApplyPatchAndRestore(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, "u1", "CV", "")

	_, _, _ = svc.UpdateContent(ctx, "u1", c.ID, cv.Content{Summary: "uno", Skills: []string{"Go"}}, cv.ReasonManual)
	updated, v, err := svc.ApplyPatch(ctx, "u1", c.ID, cv.Content{Summary: "dos"}, cv.ReasonChat)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.Content.Summary != "dos" || len(updated.Content.Skills) != 1 || v.Number != 3 {
		t.Fatalf("patched = %+v v=%+v", updated.Content, v)
	}

	restored, v, err := svc.RestoreVersion(ctx, "u1", c.ID, 2)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Content.Summary != "uno" || v.Number != 4 || v.Reason != cv.ReasonRestore {
		t.Fatalf("restored = %+v v=%+v", restored.Content, v)
	}

	if _, _, err := svc.RestoreVersion(ctx, "u1", c.ID, 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing version err = %v", err)
	}
}

func TestUpdateMeta(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, "u1", "CV", "")

	c, err := svc.Rename(ctx, "u1", c.ID, "CV Backend")
	if err != nil || c.Title != "CV Backend" {
		t.Fatalf("rename = %+v %v", c, err)
	}
	c, err = svc.SetStatus(ctx, "u1", c.ID, cv.StatusCompleted)
	if err != nil || c.Status != cv.StatusCompleted {
		t.Fatalf("status = %+v %v", c, err)
	}
	c, err = svc.SetTemplate(ctx, "u1", c.ID, cv.TemplateModern)
	if err != nil || c.Template != cv.TemplateModern {
		t.Fatalf("template = %+v %v", c, err)
	}
	if _, err := svc.SetStatus(ctx, "u1", c.ID, cv.Status("archived")); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("bad status err = %v", err)
	}
}

func TestAddPhotoUpdatesContent(t *testing.T) {
	svc, bucket := newService(t)
	ctx := context.Background()
	c, _ := svc.Create(ctx, "u1", "CV", "")

	asset, err := svc.AddAsset(ctx, "u1", c.ID, Upload{Kind: cv.AssetPhoto, Filename: "me.png", ContentType: "image/png", Data: []byte("png")})
	if err != nil {
		t.Fatalf("add asset: %v", err)
	}
	if !strings.HasPrefix(asset.StoragePath, "u1/"+c.ID+"/") || !strings.HasSuffix(asset.StoragePath, ".png") {
		t.Fatalf("path = %s", asset.StoragePath)
	}
	got, _ := svc.Get(ctx, "u1", c.ID)
	if got.Content.PhotoPath != asset.StoragePath {
		t.Fatalf("photo path = %q", got.Content.PhotoPath)
	}
	if data, err := svc.Photo(ctx, got); err != nil || string(data) != "png" {
		t.Fatalf("photo = %q %v", data, err)
	}

	if _, err := svc.AddAsset(ctx, "u1", c.ID, Upload{Kind: cv.AssetPhoto, ContentType: "image/gif", Data: []byte("gif")}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("gif err = %v", err)
	}

	if err := svc.Delete(ctx, "u1", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if keys := bucket.Keys("u1/"); len(keys) != 0 {
		t.Fatalf("objects left after delete: %v", keys)
	}
}

func TestSearchRejectsUnknownStatus(t *testing.T) {
	svc, _ := newService(t)
	if _, _, err := svc.Search(context.Background(), storage.CVFilter{Status: "x"}); !errors.Is(err, service.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}
