// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	// Endpoint is a low cardinality name for the route (manifest, bundle, health).
	Endpoint string
	// Bundle is the bundle name served by the request, logged but never used as a metric label.
	Bundle string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, &RequestTags{}))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint type for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetBundle sets the bundle name for logging.
func SetBundle(r *http.Request, name string) {
	if tags := GetTags(r); tags != nil {
		tags.Bundle = name
	}
}
