// Package driver adapts the Chrome DevTools Protocol's Fetch domain into the
// Browser Driver interface the Interception Coordinator consumes: a stream
// of paused request/response events, each carrying a resume token whose
// continue/fail/fulfill methods drive the underlying CDP calls.
package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/rpcc"

	"mitmrelay/internal/coordinator"
	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

// ReplayBypassHeader marks traffic originating from the Replay Executor so
// the driver routes it straight past the capture/interception pipeline.
const ReplayBypassHeader = "X-Repeater-Bypass"

// Driver attaches to one browser target over the CDP Fetch domain and feeds
// coordinator.BrowserEvent values to the supplied handlers.
type Driver struct {
	log          logger.Logger
	devtoolsURL  string
	conn         *rpcc.Conn
	client       *cdp.Client
	ctx          context.Context
	cancel       context.CancelFunc

	onRequest  func(context.Context, coordinator.BrowserEvent)
	onResponse func(context.Context, coordinator.BrowserEvent)
	onStreamClosed func()
}

// New builds a Driver. onRequest/onResponse are called for every paused
// event at the matching stage; onStreamClosed is called whenever the Fetch
// event stream ends (including after Detach), so the caller can drop every
// exchange this driver still holds suspended.
func New(log logger.Logger, devtoolsURL string,
	onRequest, onResponse func(context.Context, coordinator.BrowserEvent), onStreamClosed func()) *Driver {
	return &Driver{
		log:            log.Component("driver"),
		devtoolsURL:    devtoolsURL,
		onRequest:      onRequest,
		onResponse:     onResponse,
		onStreamClosed: onStreamClosed,
	}
}

// Attach connects to the named target (or, if targetID is empty, the first
// available page target) over the DevTools remote-debugging endpoint.
func (d *Driver) Attach(ctx context.Context, targetID string) error {
	dctx, cancel := context.WithCancel(context.Background())
	d.ctx = dctx
	d.cancel = cancel

	dt := devtool.New(d.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("list devtools targets: %w", err)
	}
	var sel *devtool.Target
	for i := range targets {
		if targetID == "" && targets[i].Type != devtool.Page {
			continue
		}
		if targetID == "" || string(targets[i].ID) == targetID {
			sel = targets[i]
			if targetID == "" {
				break
			}
		}
	}
	if sel == nil {
		cancel()
		return fmt.Errorf("no matching devtools target")
	}

	conn, err := rpcc.DialContext(dctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return fmt.Errorf("dial devtools target: %w", err)
	}
	d.conn = conn
	d.client = cdp.NewClient(conn)
	return nil
}

// Detach cancels the event stream and closes the DevTools connection.
func (d *Driver) Detach() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Enable arms Fetch-domain interception for both request and response
// stages and starts consuming the paused-event stream.
func (d *Driver) Enable() error {
	if d.client == nil {
		return fmt.Errorf("driver not attached")
	}
	if err := d.client.Network.Enable(d.ctx, nil); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	all := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &all, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &all, RequestStage: fetch.RequestStageResponse},
	}
	if err := d.client.Fetch.Enable(d.ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("enable fetch domain: %w", err)
	}
	go d.consume()
	return nil
}

// Disable stops Fetch-domain interception.
func (d *Driver) Disable() error {
	if d.client == nil {
		return fmt.Errorf("driver not attached")
	}
	return d.client.Fetch.Disable(d.ctx)
}

func (d *Driver) consume() {
	rp, err := d.client.Fetch.RequestPaused(d.ctx)
	if err != nil {
		d.log.Err(err).Msg("failed to subscribe to Fetch.requestPaused")
		return
	}
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			d.log.Warn().Err(err).Msg("fetch event stream closed")
			if d.onStreamClosed != nil {
				d.onStreamClosed()
			}
			return
		}
		d.handle(ev)
	}
}

func (d *Driver) handle(ev *fetch.RequestPausedReply) {
	token := &resumeToken{client: d.client, requestID: ev.RequestID, ctx: d.ctx}

	headers := map[string]string{}
	_ = json.Unmarshal(ev.Request.Headers, &headers)
	bypass := false
	for k, v := range headers {
		if strings.EqualFold(k, ReplayBypassHeader) && (v == "1" || strings.EqualFold(v, "true")) {
			bypass = true
		}
	}

	if ev.ResponseStatusCode == nil {
		var body []byte
		if ev.Request.PostData != nil {
			body = []byte(*ev.Request.PostData)
		}
		evt := coordinator.BrowserEvent{
			Stage:   "request",
			Token:   token,
			Method:  ev.Request.Method,
			URL:     ev.Request.URL,
			Headers: mapToHeaders(headers),
			Body:    body,
			ReqID:   string(ev.RequestID),
			Bypass:  bypass,
		}
		d.onRequest(d.ctx, evt)
		return
	}

	status := *ev.ResponseStatusCode
	respHeaders := map[string]string{}
	for _, h := range ev.ResponseHeaders {
		respHeaders[h.Name] = h.Value
	}

	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	var body []byte
	reply, err := d.client.Fetch.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
	if err == nil {
		body = decodeResponseBody(reply)
	}

	evt := coordinator.BrowserEvent{
		Stage:   "response",
		Token:   token,
		URL:     ev.Request.URL,
		Headers: mapToHeaders(respHeaders),
		Body:    body,
		Status:  status,
		ReqID:   string(ev.RequestID),
		Bypass:  bypass,
	}
	d.onResponse(d.ctx, evt)
}

func mapToHeaders(m map[string]string) model.Headers {
	out := make(model.Headers, 0, len(m))
	for k, v := range m {
		out = append(out, model.Header{Name: k, Value: v})
	}
	return out
}

// resumeToken implements coordinator.ResumeToken over a single CDP Fetch
// RequestID. It is the sole owner of the paused exchange while stored in the
// Coordinator's suspended map.
type resumeToken struct {
	client    *cdp.Client
	requestID fetch.RequestID
	ctx       context.Context
}

func (t *resumeToken) ContinueRequest(ctx context.Context, edit *coordinator.RequestEdit) error {
	args := &fetch.ContinueRequestArgs{RequestID: t.requestID}
	if edit != nil {
		args.Method = edit.Method
		args.URL = edit.URL
		if len(edit.Headers) > 0 {
			args.Headers = headersToEntries(edit.Headers)
		}
		if len(edit.Body) > 0 {
			args.PostData = edit.Body
		}
	}
	return t.client.Fetch.ContinueRequest(ctx, args)
}

func (t *resumeToken) ContinueResponse(ctx context.Context, edit *coordinator.ResponseEdit) error {
	args := &fetch.ContinueResponseArgs{RequestID: t.requestID}
	if edit != nil {
		if edit.Status != nil {
			args.ResponseCode = edit.Status
		}
		if len(edit.Headers) > 0 {
			args.ResponseHeaders = headersToEntries(edit.Headers)
		}
	}
	return t.client.Fetch.ContinueResponse(ctx, args)
}

func (t *resumeToken) Fail(ctx context.Context) error {
	return t.client.Fetch.FailRequest(ctx, &fetch.FailRequestArgs{
		RequestID:   t.requestID,
		ErrorReason: network.ErrorReasonFailed,
	})
}

func (t *resumeToken) Fulfill(ctx context.Context, status int, headers model.Headers, body []byte) error {
	args := &fetch.FulfillRequestArgs{
		RequestID:    t.requestID,
		ResponseCode: status,
	}
	if len(headers) > 0 {
		args.ResponseHeaders = headersToEntries(headers)
	}
	if len(body) > 0 {
		args.Body = body
	}
	return t.client.Fetch.FulfillRequest(ctx, args)
}

func headersToEntries(h model.Headers) []fetch.HeaderEntry {
	out := make([]fetch.HeaderEntry, 0, len(h))
	for _, e := range h {
		out = append(out, fetch.HeaderEntry{Name: e.Name, Value: e.Value})
	}
	return out
}

func decodeResponseBody(reply *fetch.GetResponseBodyReply) []byte {
	if reply == nil {
		return nil
	}
	if !reply.Base64Encoded {
		return []byte(reply.Body)
	}
	decoded, err := base64.StdEncoding.DecodeString(reply.Body)
	if err != nil {
		return nil
	}
	return decoded
}
