package llm

import (
	"encoding/json"
	"fmt"
)

// CodeMalformedResponse marks a reply that could not be turned into tasks.
const CodeMalformedResponse = "MALFORMED_RESPONSE"

// StatusError is a non-2xx reply from the generation endpoint. It exposes
// the HTTP status and the provider's error code so the retry classifier can
// decide whether to try again.
type StatusError struct {
	Status       int
	ProviderCode string
	Body         string
}

func (e *StatusError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("generation API error (status %d, %s): %s", e.Status, e.ProviderCode, e.Body)
	}
	return fmt.Sprintf("generation API error (status %d): %s", e.Status, e.Body)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Status }

// Code returns the provider error code, if the body carried one.
func (e *StatusError) Code() string { return e.ProviderCode }

func newStatusError(status int, body []byte) *StatusError {
	text := string(body)
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return &StatusError{Status: status, ProviderCode: providerCode(body), Body: text}
}

// providerCode digs the error code out of OpenAI style
// {"error":{"code":..,"type":..}} and Anthropic style
// {"type":"error","error":{"type":..}} bodies.
func providerCode(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil || len(envelope.Error) == 0 {
		return ""
	}
	var detail struct {
		Code any    `json:"code"`
		Type string `json:"type"`
	}
	if json.Unmarshal(envelope.Error, &detail) != nil {
		return ""
	}
	if code, ok := detail.Code.(string); ok && code != "" {
		return code
	}
	return detail.Type
}

// ParseError is a reply that arrived but could not be parsed into tasks.
type ParseError struct {
	err error
}

// NewParseError wraps err as a malformed-response error.
func NewParseError(err error) error {
	return &ParseError{err: err}
}

func (e *ParseError) Error() string {
	return "malformed generation response: " + e.err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// Code returns CodeMalformedResponse.
func (e *ParseError) Code() string { return CodeMalformedResponse }
