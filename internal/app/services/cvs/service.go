// Package cvs manages CV documents, their version history and assets.
package cvs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/app/storage/blob"
	"github.com/labcv/labcv/internal/logging"
)

const (
	DefaultTitle  = "Mi CV"
	maxTitleLen   = 120
	MaxAssetBytes = 5 << 20
)

var photoTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Service owns CV documents.
type Service struct {
	store  storage.CVStore
	bucket blob.Bucket
	log    *logging.Logger
}

func New(store storage.CVStore, bucket blob.Bucket, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("cvs")
	}
	if bucket == nil {
		bucket = blob.NewMemory()
	}
	return &Service{store: store, bucket: bucket, log: log}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "cvs", Capabilities: []string{"versions", "assets"}}
}

// Create stores an empty draft with version 1.
func (s *Service) Create(ctx context.Context, userID, title string, template cv.Template) (cv.CV, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return cv.CV{}, err
	}
	if template == "" {
		template = cv.TemplateClassic
	}
	if !template.Valid() {
		return cv.CV{}, service.Invalid("Plantilla no válida")
	}
	created, err := s.store.CreateCV(ctx, cv.CV{
		UserID:   userID,
		Title:    title,
		Status:   cv.StatusDraft,
		Template: template,
	})
	if err != nil {
		return cv.CV{}, fmt.Errorf("create cv: %w", err)
	}
	s.log.WithContext(ctx).WithField("cv_id", created.ID).Info("cv created")
	return created, nil
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle, nil
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return "", service.Invalid(fmt.Sprintf("El título no puede superar %d caracteres", maxTitleLen))
	}
	return title, nil
}

// Get returns the CV when userID owns it. Other users get ErrNotFound so the
// existence of foreign CVs is not revealed.
func (s *Service) Get(ctx context.Context, userID, id string) (cv.CV, error) {
	c, err := s.store.GetCV(ctx, id)
	if err != nil {
		return cv.CV{}, err
	}
	if c.UserID != userID {
		return cv.CV{}, storage.ErrNotFound
	}
	return c, nil
}

// GetAny returns a CV without ownership checks (admin).
func (s *Service) GetAny(ctx context.Context, id string) (cv.CV, error) {
	return s.store.GetCV(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]cv.CV, error) {
	return s.store.ListCVs(ctx, userID)
}

// Search lists CVs across users (admin) with the total match count.
func (s *Service) Search(ctx context.Context, filter storage.CVFilter) ([]cv.CV, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, service.Invalid("Estado no válido")
	}
	return s.store.SearchCVs(ctx, filter)
}

// UpdateContent validates and stores content. Identical content returns the
// CV unchanged and a nil version.
func (s *Service) UpdateContent(ctx context.Context, userID, id string, content cv.Content, reason cv.VersionReason) (cv.CV, *cv.Version, error) {
	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return cv.CV{}, nil, err
	}
	return s.save(ctx, current, content, reason)
}

// ApplyPatch merges patch into the current content and stores the result.
func (s *Service) ApplyPatch(ctx context.Context, userID, id string, patch cv.Content, reason cv.VersionReason) (cv.CV, *cv.Version, error) {
	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return cv.CV{}, nil, err
	}
	return s.save(ctx, current, cv.Merge(current.Content, patch), reason)
}

func (s *Service) save(ctx context.Context, current cv.CV, content cv.Content, reason cv.VersionReason) (cv.CV, *cv.Version, error) {
	if err := content.Validate(); err != nil {
		return cv.CV{}, nil, service.InvalidCause("El contenido del CV no es válido", err)
	}
	if current.Content.Equal(content) {
		return current, nil, nil
	}
	updated, version, err := s.store.SaveContent(ctx, current.ID, content, reason)
	if err != nil {
		return cv.CV{}, nil, fmt.Errorf("save content: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"cv_id":   current.ID,
		"version": version.Number,
		"reason":  reason,
	}).Info("cv content saved")
	return updated, &version, nil
}

// MetaChange carries optional metadata edits.
type MetaChange struct {
	Title    *string
	Status   *cv.Status
	Template *cv.Template
}

// UpdateMeta renames the CV or changes its status or template.
func (s *Service) UpdateMeta(ctx context.Context, userID, id string, change MetaChange) (cv.CV, error) {
	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return cv.CV{}, err
	}
	if change.Title != nil {
		if c.Title, err = normalizeTitle(*change.Title); err != nil {
			return cv.CV{}, err
		}
	}
	if change.Status != nil {
		if !change.Status.Valid() {
			return cv.CV{}, service.Invalid("Estado no válido")
		}
		c.Status = *change.Status
	}
	if change.Template != nil {
		if !change.Template.Valid() {
			return cv.CV{}, service.Invalid("Plantilla no válida")
		}
		c.Template = *change.Template
	}
	return s.store.UpdateCVMeta(ctx, c)
}

func (s *Service) Rename(ctx context.Context, userID, id, title string) (cv.CV, error) {
	return s.UpdateMeta(ctx, userID, id, MetaChange{Title: &title})
}

func (s *Service) SetStatus(ctx context.Context, userID, id string, status cv.Status) (cv.CV, error) {
	return s.UpdateMeta(ctx, userID, id, MetaChange{Status: &status})
}

func (s *Service) SetTemplate(ctx context.Context, userID, id string, template cv.Template) (cv.CV, error) {
	return s.UpdateMeta(ctx, userID, id, MetaChange{Template: &template})
}

// Delete removes an owned CV.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.DeleteAny(ctx, id)
}

// DeleteAny removes the CV rows, then its stored objects on a best-effort
// basis.
func (s *Service) DeleteAny(ctx context.Context, id string) error {
	assets, err := s.store.ListAssets(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.store.DeleteCV(ctx, id); err != nil {
		return err
	}
	if len(assets) == 0 {
		return nil
	}
	paths := make([]string, 0, len(assets))
	for _, a := range assets {
		paths = append(paths, a.StoragePath)
	}
	if err := s.bucket.Delete(ctx, paths...); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("cv_id", id).Warn("delete cv objects failed")
	}
	return nil
}

func (s *Service) Versions(ctx context.Context, userID, id string) ([]cv.Version, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, id)
}

// RestoreVersion copies an older snapshot into a new version.
func (s *Service) RestoreVersion(ctx context.Context, userID, id string, number int) (cv.CV, *cv.Version, error) {
	current, err := s.Get(ctx, userID, id)
	if err != nil {
		return cv.CV{}, nil, err
	}
	old, err := s.store.GetVersion(ctx, id, number)
	if err != nil {
		return cv.CV{}, nil, err
	}
	if current.Content.Equal(old.Content) {
		return current, nil, nil
	}
	updated, version, err := s.store.SaveContent(ctx, id, old.Content, cv.ReasonRestore)
	if err != nil {
		return cv.CV{}, nil, fmt.Errorf("restore version: %w", err)
	}
	return updated, &version, nil
}

// Upload is a file received from the client.
type Upload struct {
	Kind        cv.AssetKind
	Filename    string
	ContentType string
	Data        []byte
}

// AddAsset stores bytes in the bucket under <user>/<cv>/<uuid><ext> and
// records the asset. Photos also become content.photo_path.
func (s *Service) AddAsset(ctx context.Context, userID, id string, up Upload) (cv.Asset, error) {
	c, err := s.Get(ctx, userID, id)
	if err != nil {
		return cv.Asset{}, err
	}
	return s.storeAsset(ctx, c, up)
}

func (s *Service) storeAsset(ctx context.Context, c cv.CV, up Upload) (cv.Asset, error) {
	if !up.Kind.Valid() {
		return cv.Asset{}, service.Invalid("Tipo de archivo no válido")
	}
	if len(up.Data) == 0 {
		return cv.Asset{}, service.Invalid("El archivo está vacío")
	}
	if len(up.Data) > MaxAssetBytes {
		return cv.Asset{}, service.Invalid("El archivo supera el tamaño máximo de 5 MB")
	}
	ext := strings.ToLower(path.Ext(up.Filename))
	if up.Kind == cv.AssetPhoto {
		photoExt, ok := photoTypes[up.ContentType]
		if !ok {
			return cv.Asset{}, service.Invalid("La foto debe ser JPG, PNG o WEBP")
		}
		ext = photoExt
	}
	if up.Kind == cv.AssetPDF {
		ext = ".pdf"
	}

	objectPath := fmt.Sprintf("%s/%s/%s%s", c.UserID, c.ID, uuid.NewString(), ext)
	if err := s.bucket.Put(ctx, objectPath, up.Data, up.ContentType); err != nil {
		return cv.Asset{}, service.Unavailable("No se pudo guardar el archivo", err)
	}

	asset, err := s.store.AddAsset(ctx, cv.Asset{
		CVID:        c.ID,
		UserID:      c.UserID,
		Kind:        up.Kind,
		StoragePath: objectPath,
		MimeType:    up.ContentType,
		SizeBytes:   int64(len(up.Data)),
	})
	if err != nil {
		_ = s.bucket.Delete(ctx, objectPath)
		return cv.Asset{}, fmt.Errorf("record asset: %w", err)
	}

	if up.Kind == cv.AssetPhoto {
		content := c.Content
		content.PhotoPath = objectPath
		if _, _, err := s.save(ctx, c, content, cv.ReasonManual); err != nil {
			return asset, err
		}
	}
	return asset, nil
}

// ArchivePDF stores a rendered PDF for the CV owner.
func (s *Service) ArchivePDF(ctx context.Context, c cv.CV, data []byte) (cv.Asset, error) {
	return s.storeAsset(ctx, c, Upload{Kind: cv.AssetPDF, Filename: "cv.pdf", ContentType: "application/pdf", Data: data})
}

func (s *Service) Assets(ctx context.Context, userID, id string) ([]cv.Asset, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListAssets(ctx, id)
}

// Photo returns the stored profile photo, if any.
func (s *Service) Photo(ctx context.Context, c cv.CV) ([]byte, error) {
	if c.Content.PhotoPath == "" {
		return nil, blob.ErrNotFound
	}
	return s.bucket.Get(ctx, c.Content.PhotoPath)
}
