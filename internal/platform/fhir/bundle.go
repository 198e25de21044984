package fhir

import (
	"time"

	"github.com/google/uuid"
)

// HandshakeBundleID is the Bundle id posted to rest-hook endpoints before activation.
const HandshakeBundleID = "test-notification"

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string      `json:"fullUrl,omitempty"`
	Resource interface{} `json:"resource"`
}

// Reference is a FHIR Reference datatype.
type Reference struct {
	Reference string `json:"reference"`
}

// SubscriptionStatus is the first entry of every notification bundle.
type SubscriptionStatus struct {
	ResourceType      string              `json:"resourceType"`
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	Type              string              `json:"type"`
	Subscription      Reference           `json:"subscription"`
	Topic             string              `json:"topic"`
	NotificationEvent []NotificationEvent `json:"notificationEvent"`
}

// NotificationEvent describes the triggering change inside a SubscriptionStatus.
type NotificationEvent struct {
	EventNumber int64     `json:"eventNumber"`
	Timestamp   time.Time `json:"timestamp"`
	Focus       Reference `json:"focus"`
}

// NotificationInput carries what a notification bundle is built from.
type NotificationInput struct {
	SubscriptionID string
	Criteria       string
	EventNumber    int64
	Event          ResourceChangeEvent
	Timestamp      time.Time
}

// NewNotificationBundle builds the history Bundle delivered to subscribers.
// The changed resource is appended as a second entry when the event carries one.
func NewNotificationBundle(in NotificationInput) Bundle {
	ts := in.Timestamp.UTC()
	focus := in.Event.Reference()
	status := SubscriptionStatus{
		ResourceType: "SubscriptionStatus",
		ID:           uuid.NewString(),
		Status:       "active",
		Type:         "event-notification",
		Subscription: Reference{Reference: FormatReference("Subscription", in.SubscriptionID)},
		Topic:        in.Criteria,
		NotificationEvent: []NotificationEvent{{
			EventNumber: in.EventNumber,
			Timestamp:   ts,
			Focus:       Reference{Reference: focus},
		}},
	}
	entries := []BundleEntry{{Resource: status}}
	if in.Event.Resource != nil {
		entries = append(entries, BundleEntry{FullURL: focus, Resource: in.Event.Resource})
	}
	return Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "history",
		Timestamp:    ts,
		Entry:        entries,
	}
}

// NewHandshakeBundle builds the empty handshake Bundle used to test an endpoint.
func NewHandshakeBundle(now time.Time) Bundle {
	return Bundle{
		ResourceType: "Bundle",
		ID:           HandshakeBundleID,
		Type:         "history",
		Timestamp:    now.UTC(),
		Entry:        []BundleEntry{},
	}
}

// NewSearchBundle creates a searchset Bundle from a list of resources. When
// no paging links are given the bundle links to baseURL itself.
func NewSearchBundle(resources []map[string]interface{}, total int, baseURL string, links ...BundleLink) Bundle {
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		var fullURL string
		rt, _ := r["resourceType"].(string)
		id, _ := r["id"].(string)
		if rt != "" && id != "" {
			fullURL = baseURL + "/" + id
		}
		entries[i] = BundleEntry{FullURL: fullURL, Resource: r}
	}
	if len(links) == 0 {
		links = []BundleLink{{Relation: "self", URL: baseURL}}
	}
	return Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    time.Now().UTC(),
		Link:         links,
		Entry:        entries,
	}
}
