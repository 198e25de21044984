package fhir

import (
	"net/url"
	"regexp"
	"strings"
)

// Param is a single key/value pair from a criteria query string.
type Param struct {
	Key   string
	Value string
}

// Criteria is a parsed subscription criteria expression.
type Criteria struct {
	ResourceType string
	Params       []Param
}

// ParseCriteria splits a FHIR subscription criteria string into resource type
// and ordered parameters.
//
//	"Observation?code=1234&status=final" -> {"Observation", [code=1234 status=final]}
//	"Patient"                            -> {"Patient", []}
func ParseCriteria(criteria string) Criteria {
	resourceType, query, _ := strings.Cut(criteria, "?")
	c := Criteria{ResourceType: strings.TrimSpace(resourceType)}
	if query == "" {
		return c
	}
	for _, segment := range strings.Split(query, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		c.Params = append(c.Params, Param{Key: unescape(key), Value: unescape(value)})
	}
	return c
}

// HasParams reports whether the criteria carries a query string.
func (c Criteria) HasParams() bool {
	return len(c.Params) > 0
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// CoarsePattern returns the case-insensitive prefix pattern used to narrow
// subscriptions to those whose criteria targets resourceType. The pattern is
// valid both for Go's regexp package and PostgreSQL's ~* operator.
func CoarsePattern(resourceType string) string {
	return "^" + regexp.QuoteMeta(resourceType) + `(?:\?|$)`
}
