// Package training runs admin calibration sessions whose ratings weigh more
// than end-user feedback.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/training"
	"github.com/labcv/labcv/internal/app/services/ai"
	learningsvc "github.com/labcv/labcv/internal/app/services/learning"
	"github.com/labcv/labcv/internal/app/services/prompts"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/logging"
)

const (
	maxTitleChars   = 120
	maxMessageChars = 4000
	historyWindow   = 20
	// feedbackPage bounds the ratings listed in a session detail.
	feedbackPage = 500
)

// Service manages training sessions.
type Service struct {
	store    storage.TrainingStore
	prompts  *prompts.Service
	learning *learningsvc.Service
	ai       ai.Completer
	log      *logging.Logger
	now      func() time.Time
}

func New(store storage.TrainingStore, promptService *prompts.Service, learningService *learningsvc.Service, completer ai.Completer, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("training")
	}
	return &Service{
		store:    store,
		prompts:  promptService,
		learning: learningService,
		ai:       completer,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "training", Capabilities: []string{"sessions", "weighted-feedback"}}
}

// Start opens a session against promptVersionID, or the active version when
// empty.
func (s *Service) Start(ctx context.Context, adminID, title, promptVersionID string) (training.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Entrenamiento " + s.now().Format("02/01/2006 15:04")
	}
	if len([]rune(title)) > maxTitleChars {
		return training.Session{}, service.Invalid("El título es demasiado largo")
	}
	version, err := s.prompts.Resolve(ctx, strings.TrimSpace(promptVersionID))
	if err != nil {
		return training.Session{}, err
	}
	sess, err := s.store.CreateTrainingSession(ctx, training.Session{
		AdminID:         adminID,
		PromptVersionID: version.ID,
		Title:           title,
		Status:          training.StatusActive,
	})
	if err != nil {
		return training.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"session_id":     sess.ID,
		"prompt_version": version.Version,
	}).Info("training session started")
	return sess, nil
}

func (s *Service) active(ctx context.Context, sessionID string) (training.Session, error) {
	sess, err := s.store.GetTrainingSession(ctx, sessionID)
	if err != nil {
		return training.Session{}, err
	}
	if sess.Status != training.StatusActive {
		return training.Session{}, service.Conflict("La sesión de entrenamiento ya fue completada")
	}
	return sess, nil
}

// Exchange is one admin message and the assistant reply.
type Exchange struct {
	UserMessage      training.Message `json:"user_message"`
	AssistantMessage training.Message `json:"assistant_message"`
}

// Send asks the assistant using the session's prompt version composed with
// the current learned patterns.
func (s *Service) Send(ctx context.Context, sessionID, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, service.Invalid("Escribe un mensaje")
	}
	if len([]rune(text)) > maxMessageChars {
		return Exchange{}, service.Invalid("El mensaje es demasiado largo")
	}
	sess, err := s.active(ctx, sessionID)
	if err != nil {
		return Exchange{}, err
	}
	userMsg, err := s.store.AddTrainingMessage(ctx, training.Message{SessionID: sess.ID, Role: ai.RoleUser, Content: text})
	if err != nil {
		return Exchange{}, fmt.Errorf("store message: %w", err)
	}

	system, err := s.prompts.SystemPrompt(ctx, sess.PromptVersionID)
	if err != nil {
		return Exchange{}, fmt.Errorf("load system prompt: %w", err)
	}
	history, err := s.store.ListTrainingMessages(ctx, sess.ID)
	if err != nil {
		return Exchange{}, fmt.Errorf("load history: %w", err)
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	messages := make([]ai.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, ai.Message{Role: m.Role, Content: m.Content})
	}

	completion, err := s.ai.Complete(ctx, ai.CompletionRequest{System: system, Messages: messages})
	if err != nil {
		return Exchange{}, service.Unavailable("El asistente no está disponible en este momento.", err)
	}
	reply, err := s.store.AddTrainingMessage(ctx, training.Message{SessionID: sess.ID, Role: ai.RoleAssistant, Content: strings.TrimSpace(completion.Content)})
	if err != nil {
		return Exchange{}, fmt.Errorf("store reply: %w", err)
	}
	return Exchange{UserMessage: userMsg, AssistantMessage: reply}, nil
}

// Rating is an admin evaluation of an assistant reply.
type Rating struct {
	MessageID string
	Rating    int
	Tags      []string
	Comment   string
}

// Feedback records a training rating, which moves patterns with the
// training weight.
func (s *Service) Feedback(ctx context.Context, adminID, sessionID string, r Rating) (learningsvc.Result, error) {
	sess, err := s.active(ctx, sessionID)
	if err != nil {
		return learningsvc.Result{}, err
	}
	m, err := s.store.GetTrainingMessage(ctx, r.MessageID)
	if err != nil {
		return learningsvc.Result{}, err
	}
	if m.SessionID != sess.ID {
		return learningsvc.Result{}, storage.ErrNotFound
	}
	if m.Role != ai.RoleAssistant {
		return learningsvc.Result{}, service.Invalid("Solo puedes valorar respuestas del asistente")
	}
	return s.learning.Record(ctx, learning.Feedback{
		Source:    learning.SourceTraining,
		SessionID: sess.ID,
		MessageID: m.ID,
		AuthorID:  adminID,
		Rating:    r.Rating,
		Tags:      r.Tags,
		Comment:   r.Comment,
	})
}

func (s *Service) feedback(ctx context.Context, sessionID string) ([]learning.Feedback, error) {
	return s.learning.Feedback(ctx, storage.FeedbackFilter{
		Source:    learning.SourceTraining,
		SessionID: sessionID,
		Page:      storage.Page{Limit: feedbackPage},
	})
}

// Complete closes the session with a summary of its messages and ratings.
func (s *Service) Complete(ctx context.Context, sessionID string) (training.Session, error) {
	sess, err := s.active(ctx, sessionID)
	if err != nil {
		return training.Session{}, err
	}
	messages, err := s.store.ListTrainingMessages(ctx, sess.ID)
	if err != nil {
		return training.Session{}, err
	}
	rated, sum, err := s.store.SessionFeedbackTotals(ctx, sess.ID)
	if err != nil {
		return training.Session{}, fmt.Errorf("total session feedback: %w", err)
	}

	done, err := s.store.CompleteTrainingSession(ctx, sess.ID, training.Summarize(len(messages), rated, sum), s.now())
	if errors.Is(err, storage.ErrStaleTransition) {
		return done, service.Conflict("La sesión de entrenamiento ya fue completada")
	}
	if err != nil {
		return training.Session{}, fmt.Errorf("complete session: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"session_id": done.ID,
		"messages":   len(messages),
		"feedback":   rated,
	}).Info("training session completed")
	return done, nil
}

func (s *Service) List(ctx context.Context, page storage.Page) ([]training.Session, error) {
	return s.store.ListTrainingSessions(ctx, page)
}

// Detail is a session with its transcript and ratings.
type Detail struct {
	Session  training.Session    `json:"session"`
	Messages []training.Message  `json:"messages"`
	Feedback []learning.Feedback `json:"feedback"`
}

func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	sess, err := s.store.GetTrainingSession(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	messages, err := s.store.ListTrainingMessages(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	fbs, err := s.feedback(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Session: sess, Messages: messages, Feedback: fbs}, nil
}
