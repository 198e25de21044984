package subscription

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscription statuses.
const (
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusError     = "error"
	StatusOff       = "off"
)

// ChannelType names a notification transport.
type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelWebSocket ChannelType = "websocket"
	ChannelEmail     ChannelType = "email"
	ChannelSMS       ChannelType = "sms"
	ChannelMessage   ChannelType = "message"
)

// DefaultPayload is the MIME type used when a subscription does not name one.
const DefaultPayload = "application/fhir+json"

var validStatuses = map[string]bool{
	StatusRequested: true, StatusActive: true, StatusError: true, StatusOff: true,
}

var knownChannelTypes = map[ChannelType]bool{
	ChannelRestHook: true, ChannelWebSocket: true, ChannelEmail: true, ChannelSMS: true, ChannelMessage: true,
}

// Channel describes where and how notifications are delivered.
type Channel struct {
	Type     ChannelType       `json:"type"`
	Endpoint string            `json:"endpoint,omitempty"`
	Payload  string            `json:"payload,omitempty"`
	Header   map[string]string `json:"header,omitempty"`
}

// Subscription maps to the subscription table (FHIR Subscription resource).
type Subscription struct {
	ID                         uuid.UUID  `db:"id" json:"id"`
	FHIRID                     string     `db:"fhir_id" json:"fhir_id"`
	Status                     string     `db:"status" json:"status"`
	Criteria                   string     `db:"criteria" json:"criteria"`
	Channel                    Channel    `json:"channel"`
	Reason                     string     `db:"reason" json:"reason,omitempty"`
	End                        *time.Time `db:"end_time" json:"end,omitempty"`
	ErrorCount                 int        `db:"error_count" json:"error_count"`
	LastError                  *string    `db:"last_error" json:"last_error,omitempty"`
	LastNotification           *time.Time `db:"last_notification" json:"last_notification,omitempty"`
	LastSuccessfulNotification *time.Time `db:"last_successful_notification" json:"last_successful_notification,omitempty"`
	EventsSinceStart           int64      `db:"events_since_start" json:"events_since_start"`
	VersionID                  int        `db:"version_id" json:"version_id"`
	CreatedAt                  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time  `db:"updated_at" json:"updated_at"`
}

// IsActiveAt reports whether the subscription should receive events at t.
func (s *Subscription) IsActiveAt(t time.Time) bool {
	return s.Status == StatusActive && (s.End == nil || s.End.After(t))
}

// Reference returns "Subscription/<fhir id>".
func (s *Subscription) Reference() string {
	return "Subscription/" + s.FHIRID
}

// ToFHIR converts the Subscription to a FHIR R4 Subscription resource map.
func (s *Subscription) ToFHIR() map[string]interface{} {
	channel := map[string]interface{}{
		"type": string(s.Channel.Type),
	}
	if s.Channel.Endpoint != "" {
		channel["endpoint"] = s.Channel.Endpoint
	}
	if s.Channel.Payload != "" {
		channel["payload"] = s.Channel.Payload
	}
	if headers := formatHeaders(s.Channel.Header); len(headers) > 0 {
		channel["header"] = headers
	}

	result := map[string]interface{}{
		"resourceType": "Subscription",
		"id":           s.FHIRID,
		"status":       s.Status,
		"criteria":     s.Criteria,
		"channel":      channel,
		"meta": map[string]interface{}{
			"versionId":   fmt.Sprint(s.VersionID),
			"lastUpdated": s.UpdatedAt.UTC().Format(time.RFC3339),
		},
	}
	if s.Reason != "" {
		result["reason"] = s.Reason
	}
	if s.End != nil {
		result["end"] = s.End.UTC().Format(time.RFC3339)
	}
	if s.LastError != nil {
		result["error"] = *s.LastError
	}
	return result
}

// FromFHIR reads the fields a client may set from a FHIR R4 Subscription
// resource. Server-managed fields (error, counters, meta) are ignored.
func FromFHIR(resource map[string]interface{}) (*Subscription, error) {
	if rt, _ := resource["resourceType"].(string); rt != "" && rt != "Subscription" {
		return nil, fmt.Errorf("%w: expected resourceType Subscription, got %q", ErrInvalidSubscription, rt)
	}
	sub := &Subscription{}
	sub.FHIRID, _ = resource["id"].(string)
	sub.Status, _ = resource["status"].(string)
	sub.Criteria, _ = resource["criteria"].(string)
	sub.Reason, _ = resource["reason"].(string)

	if end, ok := resource["end"].(string); ok && end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("%w: end must be an RFC 3339 instant: %v", ErrInvalidSubscription, err)
		}
		sub.End = &t
	}

	ch, ok := resource["channel"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidSubscription)
	}
	typ, _ := ch["type"].(string)
	sub.Channel.Type = ChannelType(typ)
	sub.Channel.Endpoint, _ = ch["endpoint"].(string)
	sub.Channel.Payload, _ = ch["payload"].(string)
	if raw, ok := ch["header"].([]interface{}); ok {
		lines := make([]string, 0, len(raw))
		for _, h := range raw {
			if line, ok := h.(string); ok {
				lines = append(lines, line)
			}
		}
		header, err := parseHeaders(lines)
		if err != nil {
			return nil, err
		}
		sub.Channel.Header = header
	}
	return sub, nil
}

// formatHeaders renders headers as sorted "Name: value" lines.
func formatHeaders(h map[string]string) []string {
	if len(h) == 0 {
		return nil
	}
	out := make([]string, 0, len(h))
	for k, v := range h {
		out = append(out, k+": "+v)
	}
	sort.Strings(out)
	return out
}

func parseHeaders(lines []string) (map[string]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: header %q must be of the form \"Name: value\"", ErrInvalidSubscription, line)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}
