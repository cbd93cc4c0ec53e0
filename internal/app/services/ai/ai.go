// Package ai wraps the chat-completions provider used by the CV assistant.
package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/labcv/labcv/internal/app/metrics"
	"github.com/labcv/labcv/internal/httputil"
	"github.com/labcv/labcv/internal/logging"
)

// Role of a chat message sent to the provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one call. With JSON set the provider is asked
// for a JSON object response.
type CompletionRequest struct {
	System    string
	Messages  []Message
	MaxTokens int
	JSON      bool
}

// Completion is the provider answer.
type Completion struct {
	Content      string
	Model        string
	TotalTokens  int
	FinishReason string
}

// Completer produces assistant replies.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// ErrEmptyCompletion is returned when the provider answers without content.
var ErrEmptyCompletion = errors.New("ai: empty completion")

// Config configures an OpenAIClient.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
}

// OpenAIClient calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	api         *httputil.APIClient
	model       string
	maxTokens   int
	temperature float64
	log         *logging.Logger
}

var _ Completer = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg Config, log *logging.Logger) *OpenAIClient {
	if log == nil {
		log = logging.NewDefault("ai")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1200
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &OpenAIClient{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    cfg.BaseURL,
			Headers:    map[string]string{"Authorization": "Bearer " + cfg.APIKey},
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			HTTPClient: cfg.HTTPClient,
		}),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		log:         log,
	}
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	body := chatRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	if strings.TrimSpace(req.System) != "" {
		body.Messages = append(body.Messages, Message{Role: RoleSystem, Content: req.System})
	}
	body.Messages = append(body.Messages, req.Messages...)

	start := time.Now()
	raw, err := c.api.Do(ctx, http.MethodPost, "/chat/completions", body, nil)
	if err != nil {
		metrics.RecordCompletion("error", time.Since(start), 0)
		c.log.WithContext(ctx).WithError(err).Warn("ai completion failed")
		return Completion{}, err
	}

	parsed := gjson.ParseBytes(raw)
	if msg := parsed.Get("error.message"); msg.Exists() {
		metrics.RecordCompletion("error", time.Since(start), 0)
		return Completion{}, errors.New("ai: " + msg.String())
	}
	out := Completion{
		Content:      strings.TrimSpace(parsed.Get("choices.0.message.content").String()),
		Model:        parsed.Get("model").String(),
		TotalTokens:  int(parsed.Get("usage.total_tokens").Int()),
		FinishReason: parsed.Get("choices.0.finish_reason").String(),
	}
	if out.Content == "" {
		metrics.RecordCompletion("empty", time.Since(start), out.TotalTokens)
		return Completion{}, ErrEmptyCompletion
	}
	metrics.RecordCompletion("ok", time.Since(start), out.TotalTokens)
	c.log.WithContext(ctx).WithField("tokens", out.TotalTokens).Debug("ai completion")
	return out, nil
}

// StaticCompleter answers without a provider. It is used in development when
// no API key is configured and in tests.
type StaticCompleter struct {
	// Reply, when set, is returned verbatim.
	Reply string
	// Fn, when set, takes precedence over Reply.
	Fn func(req CompletionRequest) (string, error)
}

var _ Completer = StaticCompleter{}

func (s StaticCompleter) Complete(_ context.Context, req CompletionRequest) (Completion, error) {
	if s.Fn != nil {
		content, err := s.Fn(req)
		if err != nil {
			return Completion{}, err
		}
		return Completion{Content: content, Model: "static"}, nil
	}
	if s.Reply != "" {
		return Completion{Content: s.Reply, Model: "static"}, nil
	}
	if req.JSON {
		return Completion{Content: "{}", Model: "static"}, nil
	}
	return Completion{
		Content: "El asistente de IA no está configurado. Puedes seguir editando tu CV manualmente.",
		Model:   "static",
	}, nil
}
