package fhir

import (
	"sort"
	"strings"
)

// predicate tests one criteria parameter value against a resource.
type predicate func(resource map[string]interface{}, value string) bool

// searchPredicates lists every criteria parameter the evaluator understands.
// Anything else makes the whole criteria fail.
var searchPredicates = map[string]predicate{
	"_profile": matchProfile,
	"status":   matchStatus,
	"code":     matchCode,
	"subject":  matchSubject,
	"active":   matchActive,
}

// SupportedParams returns the criteria parameter names the evaluator understands.
func SupportedParams() []string {
	names := make([]string, 0, len(searchPredicates))
	for k := range searchPredicates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsSupportedParam reports whether key is a recognised criteria parameter.
func IsSupportedParam(key string) bool {
	_, ok := searchPredicates[key]
	return ok
}

// CriteriaEvaluator matches a single resource against subscription criteria.
type CriteriaEvaluator struct {
	resource map[string]interface{}
}

// NewCriteriaEvaluator binds an evaluator to a resource.
func NewCriteriaEvaluator(resource map[string]interface{}) *CriteriaEvaluator {
	return &CriteriaEvaluator{resource: resource}
}

// MatchesCriteria reports whether the bound resource satisfies criteria.
// Every parameter must hold; an unrecognised parameter fails the match.
func (e *CriteriaEvaluator) MatchesCriteria(criteria string) bool {
	if criteria == "" || e.resource == nil {
		return false
	}
	c := ParseCriteria(criteria)
	rt, ok := e.resource["resourceType"].(string)
	if !ok || rt == "" || rt != c.ResourceType {
		return false
	}
	for _, p := range c.Params {
		match, ok := searchPredicates[p.Key]
		if !ok || !match(e.resource, p.Value) {
			return false
		}
	}
	return true
}

func matchProfile(resource map[string]interface{}, value string) bool {
	meta, ok := resource["meta"].(map[string]interface{})
	if !ok {
		return false
	}
	for _, p := range asSlice(meta["profile"]) {
		if s, ok := p.(string); ok && s == value {
			return true
		}
	}
	return false
}

func matchStatus(resource map[string]interface{}, value string) bool {
	status, ok := resource["status"].(string)
	return ok && status == value
}

func matchCode(resource map[string]interface{}, value string) bool {
	code, ok := resource["code"].(map[string]interface{})
	if !ok {
		return false
	}
	for _, c := range asSlice(code["coding"]) {
		coding, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := coding["code"].(string); ok && s == value {
			return true
		}
	}
	return false
}

// matchSubject accepts both typed ("Patient/123") and bare-id ("123") values.
func matchSubject(resource map[string]interface{}, value string) bool {
	subject, ok := resource["subject"].(map[string]interface{})
	if !ok {
		return false
	}
	ref, ok := subject["reference"].(string)
	if !ok {
		return false
	}
	return ref == value || strings.HasSuffix(ref, "/"+value)
}

func matchActive(resource map[string]interface{}, value string) bool {
	active, ok := resource["active"].(bool)
	return ok && active == (value == "true")
}

func asSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	}
	return nil
}
