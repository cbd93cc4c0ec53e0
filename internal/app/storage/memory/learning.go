package memory

import (
	"context"
	"sort"

	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/prompt"
	"github.com/labcv/labcv/internal/app/storage"
)

// PromptStore implementation --------------------------------------------------

func (s *Store) CreatePromptVersion(_ context.Context, v prompt.Version) (prompt.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := 0
	for _, existing := range s.prompts {
		if existing.Version > latest {
			latest = existing.Version
		}
	}
	v.ID = newID()
	v.Version = latest + 1
	v.CreatedAt = now()
	if v.IsActive {
		s.deactivatePromptsLocked()
	}
	s.prompts[v.ID] = v
	return v, nil
}

func (s *Store) ActivatePromptVersion(_ context.Context, id string) (prompt.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.prompts[id]
	if !ok {
		return prompt.Version{}, storage.ErrNotFound
	}
	s.deactivatePromptsLocked()
	v.IsActive = true
	s.prompts[id] = v
	return v, nil
}

func (s *Store) deactivatePromptsLocked() {
	for id, existing := range s.prompts {
		if existing.IsActive {
			existing.IsActive = false
			s.prompts[id] = existing
		}
	}
}

func (s *Store) GetActivePromptVersion(_ context.Context) (prompt.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.prompts {
		if v.IsActive {
			return v, nil
		}
	}
	return prompt.Version{}, storage.ErrNotFound
}

func (s *Store) GetPromptVersion(_ context.Context, id string) (prompt.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.prompts[id]
	if !ok {
		return prompt.Version{}, storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) ListPromptVersions(_ context.Context) ([]prompt.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]prompt.Version, 0, len(s.prompts))
	for _, v := range s.prompts {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })
	return result, nil
}

// LearningStore implementation ------------------------------------------------

func (s *Store) ApplyFeedback(_ context.Context, fb learning.Feedback, u learning.Update) (learning.Feedback, []learning.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	if fb.ID == "" {
		fb.ID = newID()
	}
	fb.CreatedAt = ts
	fb.Tags = append([]string(nil), fb.Tags...)
	s.feedback = append(s.feedback, fb)

	updated := make([]learning.Pattern, 0, len(fb.Tags))
	for _, tag := range fb.Tags {
		p, ok := s.patterns[s.patternByTag[tag]]
		if !ok {
			instruction := u.Instructions[tag]
			if instruction == "" {
				instruction = tag
			}
			p = learning.Pattern{
				ID:          newID(),
				Tag:         tag,
				Instruction: instruction,
				Confidence:  u.InitialConfidence,
				CreatedAt:   ts,
			}
			s.patternByTag[tag] = p.ID
		}
		p = u.Apply(p, ts)
		s.patterns[p.ID] = p
		updated = append(updated, p)
	}
	return fb, updated, nil
}

func (s *Store) ListFeedback(_ context.Context, filter storage.FeedbackFilter) ([]learning.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]learning.Feedback, 0)
	for i := len(s.feedback) - 1; i >= 0; i-- {
		fb := s.feedback[i]
		if filter.Source != "" && fb.Source != filter.Source {
			continue
		}
		if filter.SessionID != "" && fb.SessionID != filter.SessionID {
			continue
		}
		if filter.MessageID != "" && fb.MessageID != filter.MessageID {
			continue
		}
		result = append(result, fb)
	}
	return paginate(result, filter.Page), nil
}

func (s *Store) GetPattern(_ context.Context, id string) (learning.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return learning.Pattern{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPatterns(_ context.Context) ([]learning.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]learning.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		result = append(result, p)
	}
	learning.SortByConfidence(result)
	return result, nil
}

func (s *Store) ListActivePatterns(_ context.Context, threshold float64, limit int) ([]learning.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]learning.Pattern, 0)
	for _, p := range s.patterns {
		if p.Active(threshold) {
			result = append(result, p)
		}
	}
	learning.SortByConfidence(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdatePattern(_ context.Context, id string, change storage.PatternChange) (learning.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return learning.Pattern{}, storage.ErrNotFound
	}
	if change.Instruction != nil {
		p.Instruction = *change.Instruction
	}
	if change.Disabled != nil {
		p.Disabled = *change.Disabled
	}
	p.UpdatedAt = now()
	s.patterns[id] = p
	return p, nil
}

func (s *Store) ResetPattern(_ context.Context, id string, confidence float64) (learning.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return learning.Pattern{}, storage.ErrNotFound
	}
	p.Confidence = confidence
	p.PositiveCount = 0
	p.NegativeCount = 0
	p.UpdatedAt = now()
	s.patterns[id] = p
	return p, nil
}

// countActivePatternsLocked is shared with Stats.
func (s *Store) countActivePatternsLocked(threshold float64) int {
	n := 0
	for _, p := range s.patterns {
		if p.Active(threshold) {
			n++
		}
	}
	return n
}
