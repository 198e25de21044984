package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SearchParam describes a search parameter advertised for a resource.
type SearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// OperationCapability describes a resource-level operation.
type OperationCapability struct {
	Name          string `json:"name"`
	Definition    string `json:"definition"`
	Documentation string `json:"documentation,omitempty"`
}

type resourceEntry struct {
	interactions []string
	searchParams []SearchParam
	operations   []OperationCapability
}

// CapabilityBuilder accumulates resource registrations during server start so
// /fhir/metadata reflects only what is actually served.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	baseURL   string
	version   string
	resources map[string]*resourceEntry
	channels  []string
}

func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		baseURL:   baseURL,
		version:   version,
		resources: make(map[string]*resourceEntry),
	}
}

// AddResource registers a resource type. Registering the same type twice
// merges the search parameters and operations.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, params []SearchParam, ops ...OperationCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.resources[resourceType]
	if !ok {
		entry = &resourceEntry{}
		b.resources[resourceType] = entry
	}
	entry.interactions = mergeStrings(entry.interactions, interactions)
	for _, p := range params {
		if !hasParam(entry.searchParams, p.Name) {
			entry.searchParams = append(entry.searchParams, p)
		}
	}
	entry.operations = append(entry.operations, ops...)
}

// SetSubscriptionChannels records the notification channel types the server
// can deliver on.
func (b *CapabilityBuilder) SetSubscriptionChannels(channels []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append([]string(nil), channels...)
	sort.Strings(b.channels)
}

func (b *CapabilityBuilder) Build() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		entry := b.resources[rt]
		interactions := make([]map[string]string, len(entry.interactions))
		for i, code := range entry.interactions {
			interactions[i] = map[string]string{"code": code}
		}
		res := map[string]interface{}{
			"type":        rt,
			"interaction": interactions,
			"versioning":  "versioned",
		}
		if len(entry.searchParams) > 0 {
			res["searchParam"] = entry.searchParams
		}
		if len(entry.operations) > 0 {
			res["operation"] = entry.operations
		}
		resources = append(resources, res)
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
	}
	if len(b.channels) > 0 {
		exts := make([]map[string]string, len(b.channels))
		for i, ch := range b.channels {
			exts[i] = map[string]string{
				"url":       "http://hl7.org/fhir/StructureDefinition/capabilitystatement-subscription-channel",
				"valueCode": ch,
			}
		}
		rest["extension"] = exts
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json", "application/fhir+json"},
		"software": map[string]string{
			"name":    "FHIR Subscription Service",
			"version": b.version,
		},
		"implementation": map[string]string{
			"description": "FHIR R4 subscription matching and notification",
			"url":         b.baseURL,
		},
		"rest": []map[string]interface{}{rest},
	}
}

// MetadataHandler serves the CapabilityStatement.
func (b *CapabilityBuilder) MetadataHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, b.Build())
}

func mergeStrings(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			have = append(have, s)
			seen[s] = true
		}
	}
	return have
}

func hasParam(params []SearchParam, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}
