// Package notification provides the Email/SMS transports used by the
// subscription email and sms channels, with template rendering for the
// human-readable message text.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypeSMS   NotificationType = "sms"
)

// Template IDs registered by NewTemplateEngine.
const (
	TemplateSubscriptionEmail = "subscription-event-email"
	TemplateSubscriptionSMS   = "subscription-event-sms"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateSubscriptionEmail,
			Name:    "Subscription Event (email)",
			Subject: "FHIR notification: {{event}} {{focus}}",
			Body:    "Subscription {{subscription}} matched a {{event}} of {{focus}} at {{timestamp}}.\nCriteria: {{criteria}}\nEvent number: {{event_number}}",
			Type:    TypeEmail,
		},
		{
			ID:   TemplateSubscriptionSMS,
			Name: "Subscription Event (sms)",
			Body: "FHIR {{event}} {{focus}} (subscription {{subscription}}, event {{event_number}})",
			Type: TypeSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// LogSender satisfies EmailSender and SMSSender by writing the message to the
// log. It stands in until a real SMTP or SMS gateway is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().
		Str("transport", string(TypeEmail)).
		Str("to", to).
		Str("subject", subject).
		Int("body_len", len(body)).
		Msg("email notification (log only)")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().
		Str("transport", string(TypeSMS)).
		Str("to", to).
		Int("body_len", len(body)).
		Msg("sms notification (log only)")
	return nil
}

// Message is one message captured by a Recorder.
type Message struct {
	Transport NotificationType
	To        string
	Subject   string
	Body      string
}

// Recorder is an in-memory EmailSender and SMSSender. Every send is recorded,
// then Err is returned.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	Err  error
}

func (r *Recorder) record(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.Err
}

func (r *Recorder) SendEmail(_ context.Context, to, subject, body string) error {
	return r.record(Message{Transport: TypeEmail, To: to, Subject: subject, Body: body})
}

func (r *Recorder) SendSMS(_ context.Context, to, body string) error {
	return r.record(Message{Transport: TypeSMS, To: to, Body: body})
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
