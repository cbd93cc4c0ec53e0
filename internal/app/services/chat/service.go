// Package chat runs the assistant conversation attached to a CV.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/labcv/labcv/internal/app/core/service"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/services/ai"
	"github.com/labcv/labcv/internal/app/services/cvs"
	"github.com/labcv/labcv/internal/app/services/documents"
	learningsvc "github.com/labcv/labcv/internal/app/services/learning"
	"github.com/labcv/labcv/internal/app/services/prompts"
	"github.com/labcv/labcv/internal/app/storage"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

const updatedNotice = "He actualizado tu CV con esta información."

// importPrompt asks for CV JSON extracted from a document.
const importPrompt = `Eres un asistente que convierte currículums en JSON.
Devuelve solo un objeto JSON con las claves: personal {full_name, headline, email, phone, location, links}, summary, experience [{company, role, location, start_date, end_date, current, highlights}], education [{institution, degree, field, start_date, end_date}], skills, languages [{name, level}], certifications [{name, issuer, date}], projects [{name, description, url}].
Usa español, omite las claves sin datos y no inventes información.`

// Service sends user messages to the assistant and applies CV updates.
type Service struct {
	store    storage.CVStore
	cvs      *cvs.Service
	prompts  *prompts.Service
	learning *learningsvc.Service
	ai       ai.Completer
	settings config.ChatSettings
	log      *logging.Logger
}

func New(store storage.CVStore, cvService *cvs.Service, promptService *prompts.Service, learningService *learningsvc.Service, completer ai.Completer, settings config.ChatSettings, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("chat")
	}
	return &Service{
		store:    store,
		cvs:      cvService,
		prompts:  promptService,
		learning: learningService,
		ai:       completer,
		settings: settings,
		log:      log,
	}
}

func (s *Service) Descriptor() service.Descriptor {
	return service.Descriptor{Name: "chat", Capabilities: []string{"messages", "feedback", "import"}}
}

func (s *Service) History(ctx context.Context, userID, cvID string) ([]cv.Message, error) {
	if _, err := s.cvs.Get(ctx, userID, cvID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, cvID, 0)
}

// Reply is the outcome of Send. CV and Version are set when the assistant
// changed the CV.
type Reply struct {
	UserMessage      cv.Message  `json:"user_message"`
	AssistantMessage cv.Message  `json:"assistant_message"`
	CV               *cv.CV      `json:"cv,omitempty"`
	Version          *cv.Version `json:"version,omitempty"`
}

func (s *Service) Send(ctx context.Context, userID, cvID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, service.Invalid("Escribe un mensaje")
	}
	if s.settings.MaxMessageChars > 0 && len([]rune(text)) > s.settings.MaxMessageChars {
		return Reply{}, service.Invalid(fmt.Sprintf("El mensaje no puede superar %d caracteres", s.settings.MaxMessageChars))
	}
	c, err := s.cvs.Get(ctx, userID, cvID)
	if err != nil {
		return Reply{}, err
	}

	userMsg, err := s.store.AddMessage(ctx, cv.Message{CVID: cvID, Role: cv.RoleUser, Content: text})
	if err != nil {
		return Reply{}, fmt.Errorf("store message: %w", err)
	}

	system, err := s.systemPrompt(ctx, c)
	if err != nil {
		return Reply{}, err
	}
	history, err := s.store.ListMessages(ctx, cvID, s.settings.HistoryWindow)
	if err != nil {
		return Reply{}, fmt.Errorf("load history: %w", err)
	}
	messages := make([]ai.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, ai.Message{Role: string(m.Role), Content: m.Content})
	}

	completion, err := s.ai.Complete(ctx, ai.CompletionRequest{System: system, Messages: messages})
	if err != nil {
		return Reply{}, service.Unavailable("El asistente no está disponible en este momento. Intenta de nuevo.", err)
	}

	out := Reply{UserMessage: userMsg}
	log := s.log.WithContext(ctx).WithField("cv_id", cvID)
	extraction, err := ExtractUpdate(completion.Content)
	if err != nil {
		log.WithError(err).Warn("ignoring cv update from assistant")
	}
	if extraction.Found {
		updated, version, err := s.cvs.ApplyPatch(ctx, userID, cvID, extraction.Patch, cv.ReasonChat)
		if err != nil {
			log.WithError(err).Warn("apply cv update from assistant")
		} else if version != nil {
			out.CV, out.Version = &updated, version
		}
	}

	visible := extraction.Visible
	if visible == "" {
		visible = updatedNotice
	}
	out.AssistantMessage, err = s.store.AddMessage(ctx, cv.Message{CVID: cvID, Role: cv.RoleAssistant, Content: visible})
	if err != nil {
		return Reply{}, fmt.Errorf("store reply: %w", err)
	}
	return out, nil
}

// systemPrompt is the composed prompt followed by the current CV JSON.
func (s *Service) systemPrompt(ctx context.Context, c cv.CV) (string, error) {
	base, err := s.prompts.SystemPrompt(ctx, "")
	if err != nil {
		return "", fmt.Errorf("load system prompt: %w", err)
	}
	content, err := json.MarshalIndent(c.Content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode cv: %w", err)
	}
	return base + "\n\nCV actual (JSON):\n" + string(content), nil
}

// Rating is a user's evaluation of one assistant reply.
type Rating struct {
	MessageID string
	Rating    int
	Tags      []string
	Comment   string
}

// Rate feeds the rating of an assistant message into the learning loop.
func (s *Service) Rate(ctx context.Context, userID, cvID string, r Rating) (learningsvc.Result, error) {
	if _, err := s.cvs.Get(ctx, userID, cvID); err != nil {
		return learningsvc.Result{}, err
	}
	m, err := s.store.GetMessage(ctx, r.MessageID)
	if err != nil {
		return learningsvc.Result{}, err
	}
	if m.CVID != cvID {
		return learningsvc.Result{}, storage.ErrNotFound
	}
	if m.Role != cv.RoleAssistant {
		return learningsvc.Result{}, service.Invalid("Solo puedes valorar respuestas del asistente")
	}
	return s.learning.Record(ctx, learning.Feedback{
		Source:    learning.SourceUser,
		MessageID: m.ID,
		AuthorID:  userID,
		Rating:    r.Rating,
		Tags:      r.Tags,
		Comment:   r.Comment,
	})
}

// ImportResult reports what an import changed. Warnings explain steps that
// failed without failing the request.
type ImportResult struct {
	Asset    cv.Asset    `json:"asset"`
	CV       *cv.CV      `json:"cv,omitempty"`
	Version  *cv.Version `json:"version,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
}

// Import stores an existing CV document and merges the content the assistant
// reads from it. The document is kept even when reading it fails.
func (s *Service) Import(ctx context.Context, userID, cvID string, up cvs.Upload) (ImportResult, error) {
	if _, err := documents.Detect(up.Filename, up.ContentType); err != nil {
		return ImportResult{}, service.InvalidCause("Sube un archivo PDF, DOCX o TXT", err)
	}
	up.Kind = cv.AssetDocument
	asset, err := s.cvs.AddAsset(ctx, userID, cvID, up)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Asset: asset}
	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{"cv_id": cvID, "asset_id": asset.ID})

	text, err := documents.ExtractText(up.Filename, up.ContentType, up.Data)
	if err != nil {
		log.WithError(err).Warn("extract document text")
		res.Warnings = append(res.Warnings, "No pudimos leer el texto del documento.")
		return res, nil
	}

	completion, err := s.ai.Complete(ctx, ai.CompletionRequest{
		System:   importPrompt,
		Messages: []ai.Message{{Role: ai.RoleUser, Content: text}},
		JSON:     true,
	})
	if err != nil {
		log.WithError(err).Warn("import completion")
		res.Warnings = append(res.Warnings, "El asistente no pudo procesar el documento.")
		return res, nil
	}

	patch, err := parseImport(completion.Content)
	if err != nil {
		log.WithError(err).Warn("decode imported cv")
		res.Warnings = append(res.Warnings, "No encontramos información de CV en el documento.")
		return res, nil
	}
	updated, version, err := s.cvs.ApplyPatch(ctx, userID, cvID, patch, cv.ReasonImport)
	if err != nil {
		log.WithError(err).Warn("apply imported cv")
		res.Warnings = append(res.Warnings, "El contenido importado no es válido.")
		return res, nil
	}
	if version != nil {
		res.CV, res.Version = &updated, version
	}
	log.WithField("chars", len(text)).Info("document imported")
	return res, nil
}

func parseImport(reply string) (cv.Content, error) {
	trimmed := strings.TrimSpace(reply)
	if !gjson.Valid(trimmed) {
		ex, err := ExtractUpdate(trimmed)
		if err != nil {
			return cv.Content{}, err
		}
		if !ex.Found {
			return cv.Content{}, ErrMalformedUpdate
		}
		return ex.Patch, nil
	}
	return decodePatch(gjson.Parse(trimmed))
}
