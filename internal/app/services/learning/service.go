// Package learning turns ratings of assistant replies into confidence
// updates of tagged prompt guidelines.
package learning

import (
	"context"
	"fmt"
	"strings"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/metrics"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

const (
	maxTags         = 10
	maxCommentChars = 2000
	maxInstruction  = 500
)

// Service applies feedback and manages learned patterns.
type Service struct {
	store    storage.LearningStore
	settings config.LearningSettings
	catalog  map[string]string
	log      *logging.Logger
}

func New(store storage.LearningStore, settings config.LearningSettings, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("learning")
	}
	return &Service{store: store, settings: settings, catalog: instructions(), log: log}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "learning", Capabilities: []string{"feedback", "patterns"}}
}

// Result is the outcome of one feedback entry.
type Result struct {
	Feedback  learning.Feedback  `json:"feedback"`
	Direction string             `json:"direction"`
	Patterns  []learning.Pattern `json:"patterns"`
}

// weight returns the multiplier applied to the confidence step for source.
func (s *Service) weight(source learning.Source) float64 {
	if source == learning.SourceTraining {
		return s.settings.TrainingWeight
	}
	return 1
}

// Record stores fb and moves the confidence of each tagged pattern. Ratings
// of 3 are stored without changing confidence.
func (s *Service) Record(ctx context.Context, fb learning.Feedback) (Result, error) {
	fb.Tags = learning.NormalizeTags(fb.Tags)
	fb.Comment = strings.TrimSpace(fb.Comment)
	if err := fb.Validate(); err != nil {
		return Result{}, service.InvalidCause("La valoración debe estar entre 1 y 5", err)
	}
	if len(fb.Tags) > maxTags {
		return Result{}, service.Invalid(fmt.Sprintf("Máximo %d etiquetas por valoración", maxTags))
	}
	if len(fb.Comment) > maxCommentChars {
		return Result{}, service.Invalid("El comentario es demasiado largo")
	}

	dir := learning.Classify(fb.Rating)
	update := learning.Update{
		Direction:         dir,
		Step:              s.settings.Step,
		Weight:            s.weight(fb.Source),
		InitialConfidence: s.settings.InitialConfidence,
		Instructions:      s.catalog,
	}
	stored, patterns, err := s.store.ApplyFeedback(ctx, fb, update)
	if err != nil {
		return Result{}, fmt.Errorf("apply feedback: %w", err)
	}

	metrics.RecordLearningUpdate(dir.String(), string(fb.Source))
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"source":    fb.Source,
		"rating":    fb.Rating,
		"direction": dir.String(),
		"tags":      len(fb.Tags),
	}).Info("feedback applied")

	return Result{Feedback: stored, Direction: dir.String(), Patterns: patterns}, nil
}

func (s *Service) Patterns(ctx context.Context) ([]learning.Pattern, error) {
	return s.store.ListPatterns(ctx)
}

// ActivePatterns returns the patterns injected into prompts.
func (s *Service) ActivePatterns(ctx context.Context) ([]learning.Pattern, error) {
	return s.store.ListActivePatterns(ctx, s.settings.ActivationThreshold, s.settings.MaxPatterns)
}

func (s *Service) Feedback(ctx context.Context, filter storage.FeedbackFilter) ([]learning.Feedback, error) {
	return s.store.ListFeedback(ctx, filter)
}

// Update edits the instruction or the disabled flag of a pattern.
func (s *Service) Update(ctx context.Context, id string, change storage.PatternChange) (learning.Pattern, error) {
	if change.Instruction != nil {
		trimmed := strings.TrimSpace(*change.Instruction)
		if trimmed == "" {
			return learning.Pattern{}, service.Invalid("La instrucción no puede estar vacía")
		}
		if len(trimmed) > maxInstruction {
			return learning.Pattern{}, service.Invalid("La instrucción es demasiado larga")
		}
		change.Instruction = &trimmed
	}
	p, err := s.store.UpdatePattern(ctx, id, change)
	if err != nil {
		return learning.Pattern{}, err
	}
	s.log.WithContext(ctx).WithField("tag", p.Tag).Info("pattern updated")
	return p, nil
}

// Reset puts the pattern back to the initial confidence with zero counters.
func (s *Service) Reset(ctx context.Context, id string) (learning.Pattern, error) {
	p, err := s.store.ResetPattern(ctx, id, s.settings.InitialConfidence)
	if err != nil {
		return learning.Pattern{}, err
	}
	s.log.WithContext(ctx).WithField("tag", p.Tag).Info("pattern reset")
	return p, nil
}

// Threshold returns the activation threshold.
func (s *Service) Threshold() float64 { return s.settings.ActivationThreshold }
