package memory

import (
	"context"
	"sort"
	"time"

	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/training"
	"github.com/labcv/labcv/internal/app/storage"
)

// TrainingStore implementation ------------------------------------------------

func (s *Store) CreateTrainingSession(_ context.Context, sess training.Session) (training.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = newID()
	}
	sess.CreatedAt = now()
	if sess.Status == "" {
		sess.Status = training.StatusActive
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *Store) GetTrainingSession(_ context.Context, id string) (training.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return training.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ListTrainingSessions(_ context.Context, page storage.Page) ([]training.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]training.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return paginate(result, page), nil
}

func (s *Store) CompleteTrainingSession(_ context.Context, id, summary string, at time.Time) (training.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return training.Session{}, storage.ErrNotFound
	}
	if sess.Status != training.StatusActive {
		return sess, storage.ErrStaleTransition
	}
	sess.Status = training.StatusCompleted
	sess.Summary = summary
	sess.CompletedAt = &at
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) AddTrainingMessage(_ context.Context, m training.Message) (training.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[m.SessionID]; !ok {
		return training.Message{}, storage.ErrNotFound
	}
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = now()
	s.trainingMessages[m.SessionID] = append(s.trainingMessages[m.SessionID], m)
	s.trainingIndex[m.ID] = m
	return m, nil
}

func (s *Store) GetTrainingMessage(_ context.Context, id string) (training.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.trainingIndex[id]
	if !ok {
		return training.Message{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListTrainingMessages(_ context.Context, sessionID string) ([]training.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]training.Message(nil), s.trainingMessages[sessionID]...), nil
}

func (s *Store) SessionFeedbackTotals(_ context.Context, sessionID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count, sum := 0, 0
	for _, fb := range s.feedback {
		if fb.Source == learning.SourceTraining && fb.SessionID == sessionID {
			count++
			sum += fb.Rating
		}
	}
	return count, sum, nil
}

// StatsStore implementation ---------------------------------------------------

func (s *Store) Stats(_ context.Context, at time.Time, threshold float64) (storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := storage.Stats{
		Users:            len(s.profiles),
		CVs:              len(s.cvs),
		Payments:         make(map[payment.Status]int),
		Feedback:         len(s.feedback),
		ActivePatterns:   s.countActivePatternsLocked(threshold),
		TrainingSessions: len(s.sessions),
	}
	for _, c := range s.cvs {
		if c.Status == cv.StatusCompleted {
			stats.CompletedCVs++
		}
	}
	for _, p := range s.payments {
		stats.Payments[p.Status]++
		if p.Status == payment.StatusCompleted {
			stats.RevenueCents += p.AmountCents
		}
	}
	for _, g := range s.grants {
		if ok, _ := g.Evaluate(at); ok {
			stats.ActiveGrants++
		}
	}
	if len(s.feedback) > 0 {
		sum := 0
		for _, fb := range s.feedback {
			sum += fb.Rating
		}
		stats.AverageRating = float64(sum) / float64(len(s.feedback))
	}
	return stats, nil
}
