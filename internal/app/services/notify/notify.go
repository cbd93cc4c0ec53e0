// Package notify sends transactional e-mail.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labcv/labcv/internal/httputil"
	"github.com/labcv/labcv/internal/logging"
)

// Email is an outgoing message.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers e-mail.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// ResendMailer posts to the Resend API.
type ResendMailer struct {
	api  *httputil.APIClient
	from string
	log  *logging.Logger
}

var _ Mailer = (*ResendMailer)(nil)

// NewResendMailer creates a mailer. baseURL may be empty for the public API.
func NewResendMailer(apiKey, from, baseURL string, log *logging.Logger) *ResendMailer {
	if log == nil {
		log = logging.NewDefault("notify")
	}
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	return &ResendMailer{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    baseURL,
			Headers:    map[string]string{"Authorization": "Bearer " + apiKey},
			Timeout:    15 * time.Second,
			MaxRetries: 2,
		}),
		from: from,
		log:  log,
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

func (m *ResendMailer) Send(ctx context.Context, msg Email) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("notify: recipient is required")
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := m.api.DoJSON(ctx, http.MethodPost, "/emails", resendRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}, &resp)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	m.log.WithContext(ctx).WithField("email_id", resp.ID).Info("email sent")
	return nil
}

// LogMailer logs messages instead of sending them. Sent keeps a copy for
// inspection.
type LogMailer struct {
	log  *logging.Logger
	mu   sync.Mutex
	sent []Email
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer(log *logging.Logger) *LogMailer {
	if log == nil {
		log = logging.NewDefault("notify")
	}
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(ctx context.Context, msg Email) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("email not sent: no provider configured")
	return nil
}

// Sent returns the messages handed to the mailer.
func (m *LogMailer) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.sent...)
}

// Receipt holds the values of a payment receipt.
type Receipt struct {
	Name        string
	CVTitle     string
	Amount      string
	Currency    string
	OrderID     string
	PaidAt      time.Time
	DownloadURL string
}

var receiptHTML = template.Must(template.New("receipt").Parse(`<!doctype html>
<html lang="es"><body style="font-family:Arial,sans-serif;color:#212529">
<h2>¡Gracias por tu pago{{if .Name}}, {{.Name}}{{end}}!</h2>
<p>Confirmamos el pago de tu CV <strong>{{.CVTitle}}</strong>.</p>
<table cellpadding="4">
<tr><td>Monto</td><td>{{.Currency}} {{.Amount}}</td></tr>
<tr><td>Orden</td><td>{{.OrderID}}</td></tr>
<tr><td>Fecha</td><td>{{.PaidAt.Format "02/01/2006 15:04"}} UTC</td></tr>
</table>
{{if .DownloadURL}}<p><a href="{{.DownloadURL}}">Descargar mi CV</a></p>{{end}}
<p>Equipo Lab CV</p>
</body></html>`))

// ReceiptEmail renders the receipt message.
func ReceiptEmail(to string, r Receipt) (Email, error) {
	var buf bytes.Buffer
	if err := receiptHTML.Execute(&buf, r); err != nil {
		return Email{}, fmt.Errorf("render receipt: %w", err)
	}
	text := fmt.Sprintf("Gracias por tu pago. CV: %s. Monto: %s %s. Orden: %s.", r.CVTitle, r.Currency, r.Amount, r.OrderID)
	if r.DownloadURL != "" {
		text += " Descarga: " + r.DownloadURL
	}
	return Email{
		To:      to,
		Subject: "Recibo de pago - Lab CV",
		HTML:    buf.String(),
		Text:    text,
	}, nil
}
