package coordinator

import (
	"encoding/json"
	"strconv"
	"strings"

	"mitmrelay/internal/model"
)

func headersToMap(h model.Headers) map[string]string {
	m := make(map[string]string, len(h))
	for _, e := range h {
		m[e.Name] = e.Value
	}
	return m
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}

func captureRequestEnvelope(ex model.Exchange, pending bool) model.Envelope {
	data := model.CaptureRequestData{
		Type:         "request",
		ID:           ex.ID,
		Seq:          ex.Seq,
		Method:       ex.Method,
		URL:          ex.URL,
		Headers:      headersToMap(ex.ReqHdr),
		Body:         string(ex.ReqBody),
		ResourceType: ex.ResourceType,
		Timestamp:    float64(ex.Timestamp.UnixMilli()) / 1000,
		Pending:      pending,
	}
	return model.Envelope{Type: "capture", Data: mustJSON(data)}
}

func interceptPromptRequestEnvelope(ex model.Exchange) model.Envelope {
	return captureRequestEnvelope(ex, true)
}

func captureResponseEnvelope(reqID, url string, resp *model.Response, pending bool) model.Envelope {
	data := model.CaptureResponseData{
		Type:    "response",
		ReqID:   reqID,
		URL:     url,
		Status:  resp.Status,
		Headers: headersToMap(resp.Headers),
		Body:    string(resp.Body),
		Pending: pending,
	}
	return model.Envelope{Type: "capture", Data: mustJSON(data)}
}

func interceptPromptResponseEnvelope(ex model.Exchange) model.Envelope {
	return captureResponseEnvelope(ex.ID, ex.URL, ex.Response, true)
}

// splitFirstLine recovers method and URL from a rewritten "METHOD URL
// HTTP/1.1" line. If the rewrite produced something that doesn't parse back
// into at least two space-separated fields, the original method/url are
// kept unchanged (a malformed rewrite must not corrupt routing).
func splitFirstLine(line, fallbackMethod, fallbackURL string) (method, url string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fallbackMethod, fallbackURL
	}
	return fields[0], fields[1]
}

// parseStatusLine recovers a status code from a rewritten "HTTP/1.1 NNN"
// line, falling back to the original status if it no longer parses as an
// integer.
func parseStatusLine(line string, fallback int) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fallback
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return fallback
	}
	return n
}
