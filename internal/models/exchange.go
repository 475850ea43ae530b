// Package models holds the wire-level types shared by the capture,
// inference, and replay layers.
package models

import (
	"strings"
	"time"
)

// CapturedExchange is a single request/response pair observed by the
// browser driver. Header keys are case-preserved as captured; use
// RequestHeader for lookups. Immutable once handed to a generator.
type CapturedExchange struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     []byte            `json:"requestBody,omitempty"`
	Status          int               `json:"status"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte            `json:"responseBody,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// RequestHeader returns the first request header matching name
// case-insensitively.
func (e *CapturedExchange) RequestHeader(name string) string {
	for k, v := range e.RequestHeaders {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// RequestContentType returns the media type of the request body,
// lowercased, without parameters.
func (e *CapturedExchange) RequestContentType() string {
	return MediaType(e.RequestHeader("content-type"))
}

// MediaType extracts the first token of a Content-Type value,
// lowercased and trimmed.
func MediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
