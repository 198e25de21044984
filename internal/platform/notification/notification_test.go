package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	_, _, err := eng.Render("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_SubscriptionTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"event":        "create",
		"focus":        "Observation/o-1",
		"subscription": "sub-1",
		"criteria":     "Observation?status=final",
		"event_number": "7",
		"timestamp":    "2024-01-01T00:00:00Z",
	}

	subject, body, err := eng.Render(TemplateSubscriptionEmail, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "FHIR notification: create Observation/o-1" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "Criteria: Observation?status=final") {
		t.Errorf("expected criteria in body, got %q", body)
	}
	if strings.Contains(body, "{{") {
		t.Errorf("expected all placeholders replaced, got %q", body)
	}

	_, sms, err := eng.Render(TemplateSubscriptionSMS, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sms != "FHIR create Observation/o-1 (subscription sub-1, event 7)" {
		t.Errorf("unexpected sms body %q", sms)
	}
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(zerolog.New(&buf))

	if err := s.SendEmail(context.Background(), "a@example.org", "subj", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SendSMS(context.Background(), "+15550100", "body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "a@example.org") || !strings.Contains(out, "+15550100") {
		t.Errorf("expected recipients in log output, got %s", out)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{Err: errors.New("smtp down")}
	if err := r.SendEmail(context.Background(), "to", "s", "b"); err == nil || err.Error() != "smtp down" {
		t.Errorf("expected smtp down error, got %v", err)
	}
	r.Err = nil
	if err := r.SendSMS(context.Background(), "+1555", "b"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	msgs := r.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 recorded messages, got %d", len(msgs))
	}
	if msgs[0].Transport != TypeEmail || msgs[0].Subject != "s" {
		t.Errorf("unexpected email record %+v", msgs[0])
	}
	if msgs[1].Transport != TypeSMS || msgs[1].To != "+1555" {
		t.Errorf("unexpected sms record %+v", msgs[1])
	}
}
