// Package cacheerrors defines the typed error taxonomy for the cache core.
//
// A cache miss is not an error and never appears here; callers get an
// explicit absent result instead. Everything else a caller can observe is
// one of the kinds below, so "not cached" and "cache unavailable" stay
// distinguishable.
package cacheerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a cache error.
type Kind string

const (
	// KindBackendUnavailable marks network/file I/O failures or timeouts on a
	// single backend. Triggers fallback routing, not fatal by itself.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindAllBackendsUnavailable means every backend in the fallback chain
	// failed for one operation.
	KindAllBackendsUnavailable Kind = "all_backends_unavailable"
	// KindSerialization marks a payload that cannot be encoded or decoded.
	// Fatal for that operation; never retried.
	KindSerialization Kind = "serialization"
	// KindConfig marks invalid thresholds or limits at construction time.
	KindConfig Kind = "config"
)

// CacheError is the structured error surfaced by the cache core.
type CacheError struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Backend string                 `json:"backend,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	parts := []string{string(e.Kind), e.Message}

	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *CacheError) WithContext(key string, value interface{}) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// BackendUnavailable creates an error for a single failed or timed-out backend.
func BackendUnavailable(backend string, cause error) *CacheError {
	return &CacheError{
		Kind:    KindBackendUnavailable,
		Message: "backend unavailable",
		Backend: backend,
		Cause:   cause,
	}
}

// AllBackendsUnavailable creates an error for a fully failed fallback chain.
func AllBackendsUnavailable(op string, cause error) *CacheError {
	return &CacheError{
		Kind:    KindAllBackendsUnavailable,
		Message: fmt.Sprintf("all backends unavailable during %s", op),
		Cause:   cause,
	}
}

// SerializationError creates an error for an unencodable or undecodable payload.
func SerializationError(msg string, cause error) *CacheError {
	return &CacheError{
		Kind:    KindSerialization,
		Message: msg,
		Cause:   cause,
	}
}

// ConfigError creates a construction-time configuration error.
func ConfigError(msg string) *CacheError {
	return &CacheError{
		Kind:    KindConfig,
		Message: msg,
	}
}

// IsKind reports whether err (or anything it wraps) is a CacheError of the
// given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}

	var cacheErr *CacheError
	if !errors.As(err, &cacheErr) {
		return false
	}

	return cacheErr.Kind == kind
}

// GetKind returns the error kind for a CacheError. Non-CacheError values map
// to KindBackendUnavailable since raw I/O failures only ever reach callers
// through the unavailability path.
func GetKind(err error) Kind {
	if err == nil {
		return ""
	}

	var cacheErr *CacheError
	if !errors.As(err, &cacheErr) {
		return KindBackendUnavailable
	}

	return cacheErr.Kind
}
