// Package downloads serves watermarked previews and paid PDF downloads.
package downloads

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/metrics"
	"github.com/labcv/labcv/internal/app/services/access"
	"github.com/labcv/labcv/internal/app/services/cvs"
	"github.com/labcv/labcv/internal/app/services/render"
	"github.com/labcv/labcv/internal/logging"
)

// File is a rendered PDF.
type File struct {
	Name string
	Data []byte
}

// Service renders CVs for download.
type Service struct {
	cvs    *cvs.Service
	access *access.Service
	log    *logging.Logger
}

func New(cvService *cvs.Service, accessService *access.Service, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("downloads")
	}
	return &Service{cvs: cvService, access: accessService, log: log}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "downloads", Capabilities: []string{"preview", "download"}}
}

// Preview renders the watermarked PDF. It needs no payment.
func (s *Service) Preview(ctx context.Context, userID, cvID string) (File, error) {
	c, err := s.cvs.Get(ctx, userID, cvID)
	if err != nil {
		return File{}, err
	}
	data, err := s.render(ctx, c, true)
	if err != nil {
		return File{}, err
	}
	metrics.RecordDownload("preview")
	return File{Name: fileName(c.Title, "vista-previa"), Data: data}, nil
}

// Download spends one download of the user's access and renders the full
// PDF. Admins may download any CV without spending access.
func (s *Service) Download(ctx context.Context, userID, cvID string, admin bool) (File, error) {
	var (
		c   cv.CV
		err error
	)
	if admin {
		c, err = s.cvs.GetAny(ctx, cvID)
	} else {
		c, err = s.cvs.Get(ctx, userID, cvID)
	}
	if err != nil {
		return File{}, err
	}

	if _, err := s.access.ConsumeDownload(ctx, userID, c.ID, admin); err != nil {
		return File{}, err
	}
	data, err := s.render(ctx, c, false)
	if err != nil {
		return File{}, err
	}
	if _, err := s.cvs.ArchivePDF(ctx, c, data); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("cv_id", c.ID).Warn("archive pdf failed")
	}

	metrics.RecordDownload("full")
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"cv_id": c.ID,
		"admin": admin,
		"bytes": len(data),
	}).Info("cv downloaded")
	return File{Name: fileName(c.Title, ""), Data: data}, nil
}

func (s *Service) render(ctx context.Context, c cv.CV, preview bool) ([]byte, error) {
	opts := render.Options{Watermark: preview}
	if c.Content.PhotoPath != "" {
		photo, err := s.cvs.Photo(ctx, c)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("cv_id", c.ID).Warn("photo unavailable; rendering without it")
		} else {
			opts.Photo = photo
			opts.PhotoType = photoType(c.Content.PhotoPath)
		}
	}
	data, err := render.Render(c.Content, c.Template, opts)
	if err != nil {
		return nil, fmt.Errorf("render cv: %w", err)
	}
	return data, nil
}

func photoType(objectPath string) string {
	switch strings.ToLower(path.Ext(objectPath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return ""
}

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

// fileName builds an ASCII file name such as "cv-backend-vista-previa.pdf".
func fileName(title, suffix string) string {
	replacer := strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n", "ü", "u")
	slug := strings.Trim(unsafeName.ReplaceAllString(replacer.Replace(strings.ToLower(title)), "-"), "-")
	name := "cv"
	if slug != "" && slug != "cv" {
		name += "-" + slug
	}
	if suffix != "" {
		name += "-" + suffix
	}
	return name + ".pdf"
}
