package model

import "encoding/json"

// Envelope is the outer shape of every message sent to the operator.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CaptureRequestData is the payload of a capture_request / intercept_prompt
// (request variant) message.
type CaptureRequestData struct {
	Type         string            `json:"type"` // "request"
	ID           string            `json:"id"`
	Seq          int64             `json:"seq"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body,omitempty"`
	ResourceType string            `json:"resourceType,omitempty"`
	Timestamp    float64           `json:"timestamp"`
	Pending      bool              `json:"pending"`
}

// CaptureResponseData is the payload of a capture_response / intercept_prompt
// (response variant) message.
type CaptureResponseData struct {
	Type    string            `json:"type"` // "response"
	ReqID   string            `json:"req_id"`
	URL     string            `json:"url"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	Pending bool              `json:"pending"`
	Error   string            `json:"error,omitempty"`
}

// ReplayResult is the response payload of a replay_response message.
type ReplayResult struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// ReplayResponseData is the payload of a replay_response message.
type ReplayResponseData struct {
	OriginalID string       `json:"original_id,omitempty"`
	TabID      string       `json:"tab_id"`
	Response   ReplayResult `json:"response"`
}

// AckData is the payload of an ack message.
type AckData struct {
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// InterceptStatusData is the payload of an intercept_status message.
type InterceptStatusData struct {
	InterceptRequests  bool `json:"intercept_requests"`
	InterceptResponses bool `json:"intercept_responses"`
}

// ModifiedEdit is the operator-supplied edit carried on a forward command.
type ModifiedEdit struct {
	Method  *string           `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
	Status  *int              `json:"status,omitempty"`
}

// Command is the inbound shape of every operator-issued command.
type Command struct {
	Command           string            `json:"command"`
	ID                string            `json:"id,omitempty"`
	Modified          *ModifiedEdit     `json:"modified,omitempty"`
	InterceptResponse *bool             `json:"interceptResponse,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	TabID             string            `json:"tabId,omitempty"`
	Request           *RawRequest       `json:"request,omitempty"`
	Cancel            bool              `json:"cancel,omitempty"`
	URL               string            `json:"url,omitempty"`
}

// RawRequest is an operator-crafted request for replay.
type RawRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}
