package fhir

import (
	"context"
	"fmt"
)

// Resource change event types.
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// ResourceChangeEvent describes a create/update/delete affecting a domain resource.
type ResourceChangeEvent struct {
	EventType        string                 `json:"eventType"`
	ResourceType     string                 `json:"resourceType"`
	ResourceID       string                 `json:"resourceId"`
	Resource         map[string]interface{} `json:"resource,omitempty"`
	PreviousResource map[string]interface{} `json:"previousResource,omitempty"`
}

// ResourceChangeListener receives resource change events from the resource server.
type ResourceChangeListener interface {
	OnResourceChange(ctx context.Context, event ResourceChangeEvent)
}

// Validate checks that the event is well formed.
func (e ResourceChangeEvent) Validate() error {
	switch e.EventType {
	case EventCreate, EventUpdate:
		if e.Resource == nil {
			return fmt.Errorf("%s event requires a resource", e.EventType)
		}
	case EventDelete:
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if e.ResourceType == "" {
		return fmt.Errorf("resourceType is required")
	}
	if e.ResourceID == "" {
		return fmt.Errorf("resourceId is required")
	}
	return nil
}

// Reference returns the "<ResourceType>/<id>" reference of the changed resource.
func (e ResourceChangeEvent) Reference() string {
	return FormatReference(e.ResourceType, e.ResourceID)
}

// MatchTarget returns the resource payload criteria are evaluated against.
// Deletes carry no current state, so the previous version is used.
func (e ResourceChangeEvent) MatchTarget() map[string]interface{} {
	if e.Resource != nil {
		return e.Resource
	}
	return e.PreviousResource
}

// FormatReference builds a relative FHIR reference.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
