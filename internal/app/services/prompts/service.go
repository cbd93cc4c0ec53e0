// Package prompts versions the assistant system prompt and composes it with
// the guidelines learned from feedback.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/prompt"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

const maxPromptChars = 20000

// Service manages prompt versions.
type Service struct {
	store    storage.PromptStore
	patterns storage.LearningStore
	settings config.LearningSettings
	log      *logging.Logger
}

func New(store storage.PromptStore, patterns storage.LearningStore, settings config.LearningSettings, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("prompts")
	}
	return &Service{store: store, patterns: patterns, settings: settings, log: log}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "prompts", Capabilities: []string{"versions", "compose"}}
}

// Create stores a new version numbered max+1, optionally activating it.
func (s *Service) Create(ctx context.Context, adminID, content, notes string, activate bool) (prompt.Version, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return prompt.Version{}, service.Invalid("El prompt no puede estar vacío")
	}
	if len(content) > maxPromptChars {
		return prompt.Version{}, service.Invalid(fmt.Sprintf("El prompt no puede superar %d caracteres", maxPromptChars))
	}
	v, err := s.store.CreatePromptVersion(ctx, prompt.Version{
		Content:   content,
		Notes:     strings.TrimSpace(notes),
		IsActive:  activate,
		CreatedBy: adminID,
	})
	if err != nil {
		return prompt.Version{}, fmt.Errorf("create prompt version: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"version": v.Version,
		"active":  v.IsActive,
	}).Info("prompt version created")
	return v, nil
}

// Activate makes id the only active version.
func (s *Service) Activate(ctx context.Context, id string) (prompt.Version, error) {
	v, err := s.store.ActivatePromptVersion(ctx, id)
	if err != nil {
		return prompt.Version{}, err
	}
	s.log.WithContext(ctx).WithField("version", v.Version).Info("prompt version activated")
	return v, nil
}

// Active returns the active version, or the built-in default (version 0)
// when none is stored.
func (s *Service) Active(ctx context.Context) (prompt.Version, error) {
	v, err := s.store.GetActivePromptVersion(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return prompt.Version{Version: 0, Content: DefaultPrompt, IsActive: true}, nil
	}
	return v, err
}

func (s *Service) Get(ctx context.Context, id string) (prompt.Version, error) {
	return s.store.GetPromptVersion(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]prompt.Version, error) {
	return s.store.ListPromptVersions(ctx)
}

// Seed stores the default prompt as the active version 1 when the table is
// empty. It reports whether a version was created.
func (s *Service) Seed(ctx context.Context, adminID string) (prompt.Version, bool, error) {
	existing, err := s.store.ListPromptVersions(ctx)
	if err != nil {
		return prompt.Version{}, false, err
	}
	if len(existing) > 0 {
		return existing[0], false, nil
	}
	v, err := s.Create(ctx, adminID, DefaultPrompt, "prompt inicial", true)
	return v, err == nil, err
}

// Resolve returns the base prompt of versionID, or of the active version when
// versionID is empty.
func (s *Service) Resolve(ctx context.Context, versionID string) (prompt.Version, error) {
	if versionID == "" {
		return s.Active(ctx)
	}
	return s.store.GetPromptVersion(ctx, versionID)
}

// ActivePatterns returns the patterns currently injected into prompts.
func (s *Service) ActivePatterns(ctx context.Context) ([]learning.Pattern, error) {
	if s.patterns == nil {
		return nil, nil
	}
	return s.patterns.ListActivePatterns(ctx, s.settings.ActivationThreshold, s.settings.MaxPatterns)
}

// SystemPrompt composes the prompt of versionID (active when empty) with the
// active learned patterns.
func (s *Service) SystemPrompt(ctx context.Context, versionID string) (string, error) {
	base, err := s.Resolve(ctx, versionID)
	if err != nil {
		return "", err
	}
	patterns, err := s.ActivePatterns(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("load learned patterns failed; using base prompt")
		patterns = nil
	}
	return Compose(base.Content, patterns, s.settings.ActivationThreshold, s.settings.MaxPatterns), nil
}

// Compose appends the active patterns, strongest first, to base. Patterns
// below threshold or disabled are skipped; at most limit are listed (0 means
// no limit).
func Compose(base string, patterns []learning.Pattern, threshold float64, limit int) string {
	active := make([]learning.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Active(threshold) && strings.TrimSpace(p.Instruction) != "" {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return strings.TrimSpace(base)
	}
	learning.SortByConfidence(active)
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	b.WriteString("\n\n")
	b.WriteString(catalogHeading)
	for _, p := range active {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(p.Instruction))
	}
	return b.String()
}
