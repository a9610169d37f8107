// Package coordinator implements the Interception Coordinator: the subsystem
// that owns the suspended-exchange map, holds a browser-side request or
// response until an operator decision arrives, and dispatches forward/drop.
package coordinator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mitmrelay/internal/exclude"
	"mitmrelay/internal/identity"
	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
	"mitmrelay/internal/rules"
)

// RequestEdit is an operator-supplied edit applied at request-forward time.
type RequestEdit struct {
	Method  *string
	URL     *string
	Headers model.Headers
	Body    []byte
}

// ResponseEdit is an operator-supplied edit applied at response-forward time.
type ResponseEdit struct {
	Status  *int
	Headers model.Headers
	Body    []byte
}

// ResumeToken is the opaque handle the Browser Driver hands the Coordinator
// for a paused exchange. Invoking one of its methods continues or aborts the
// pause. The suspended map entry is the sole owner of a ResumeToken.
type ResumeToken interface {
	ContinueRequest(ctx context.Context, edit *RequestEdit) error
	ContinueResponse(ctx context.Context, edit *ResponseEdit) error
	Fail(ctx context.Context) error
	Fulfill(ctx context.Context, status int, headers model.Headers, body []byte) error
}

// BrowserEvent is a pre-flight request or response event from the Browser
// Driver, carrying the token needed to resume it.
type BrowserEvent struct {
	Stage    string // "request" | "response"
	Token    ResumeToken
	Method   string
	URL      string
	Headers  model.Headers
	Body     []byte
	Status   int // response stage only
	ReqID    string // driver's stable per-network-request id, set at both stages and adopted
	               // as the exchange id so the response stage correlates back to the request
	Bypass   bool   // set by the driver adapter when the traffic originates from the Replay Executor
}

// Publisher delivers events to the operator channel. PublishPrompt reports
// whether the prompt was actually enqueued; per the back-pressure design,
// prompts are never silently dropped — if PublishPrompt returns false the
// Coordinator must auto-forward the exchange immediately. PublishCapture is
// best-effort: the router may shed it under load without the Coordinator
// knowing or caring.
type Publisher interface {
	PublishCapture(env model.Envelope)
	PublishPrompt(env model.Envelope) bool
	PublishDegraded(reason string)
}

// RuleProvider returns the current read-mostly rule snapshot.
type RuleProvider func() *rules.Snapshot

// ExclusionProvider returns the current exclusion rule list.
type ExclusionProvider func() []model.ExclusionRule

// History receives every exchange that reaches a terminal state, for
// project capture-log/Capture-Index mirroring.
type History interface {
	Append(ex model.Exchange)
}

// Options configures a Coordinator.
type Options struct {
	GracePeriod    time.Duration // disconnect grace period, default 5s
	JanitorMultiple int          // sweep threshold as a multiple of GracePeriod, default 3
}

type suspended struct {
	ex    model.Exchange
	token ResumeToken
	added time.Time
}

// inflight holds the full request record for an exchange that has already
// been continued to the browser driver (either never suspended, or
// suspended then forwarded), keyed by id, so HandleResponse can recover it
// instead of rebuilding a stripped placeholder from the response event
// alone. added bounds its lifetime against a response that never arrives.
type inflight struct {
	ex    model.Exchange
	added time.Time
}

// Coordinator owns the suspended-exchange map and the armed flags.
type Coordinator struct {
	log     logger.Logger
	ids     *identity.Allocator
	engine  *rules.Engine
	filter  *exclude.Filter
	rulesFn RuleProvider
	exclFn  ExclusionProvider
	hist    History
	pub     Publisher

	gracePeriod time.Duration
	janitorMult int

	mu              sync.Mutex
	suspendedByID   map[string]*suspended
	inFlightByID    map[string]inflight
	excludedByID    map[string]time.Time
	interceptReq    atomic.Bool
	interceptRes    atomic.Bool
	operatorOnline  atomic.Bool
	disconnectedAt  time.Time

	janitorStop chan struct{}
}

// New builds a Coordinator. Call Run to start the janitor sweep.
func New(log logger.Logger, ids *identity.Allocator, engine *rules.Engine, filter *exclude.Filter,
	rulesFn RuleProvider, exclFn ExclusionProvider, hist History, pub Publisher, opts Options) *Coordinator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.JanitorMultiple <= 0 {
		opts.JanitorMultiple = 3
	}
	c := &Coordinator{
		log:           log.Component("coordinator"),
		ids:           ids,
		engine:        engine,
		filter:        filter,
		rulesFn:       rulesFn,
		exclFn:        exclFn,
		hist:          hist,
		pub:           pub,
		gracePeriod:   opts.GracePeriod,
		janitorMult:   opts.JanitorMultiple,
		suspendedByID: make(map[string]*suspended),
		inFlightByID:  make(map[string]inflight),
		excludedByID:  make(map[string]time.Time),
		janitorStop:   make(chan struct{}),
	}
	c.operatorOnline.Store(true)
	return c
}

// Run starts the janitor sweep goroutine. It returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.gracePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.janitorStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Stop halts the janitor sweep goroutine.
func (c *Coordinator) Stop() {
	select {
	case <-c.janitorStop:
	default:
		close(c.janitorStop)
	}
}

// SetInterceptRequests arms or disarms request interception.
func (c *Coordinator) SetInterceptRequests(on bool) {
	c.interceptReq.Store(on)
}

// SetInterceptResponses sets the default per-exchange intercept-response
// arming used when the operator does not override it at forward time.
func (c *Coordinator) SetInterceptResponses(on bool) {
	c.interceptRes.Store(on)
}

// InterceptStatus reports the current armed flags.
func (c *Coordinator) InterceptStatus() (requests, responses bool) {
	return c.interceptReq.Load(), c.interceptRes.Load()
}

// SetOperatorOnline marks the operator channel connected or disconnected.
// Going offline starts the degraded-mode grace period; going back online
// before it expires cancels the auto-forward.
func (c *Coordinator) SetOperatorOnline(online bool) {
	wasOnline := c.operatorOnline.Swap(online)
	if online && !wasOnline {
		c.log.Info().Msg("operator reconnected, degraded mode cleared")
	}
	if !online && wasOnline {
		c.mu.Lock()
		c.disconnectedAt = time.Now()
		c.mu.Unlock()
		go c.degradeAfterGrace()
	}
}

func (c *Coordinator) degradeAfterGrace() {
	t := time.NewTimer(c.gracePeriod)
	defer t.Stop()
	<-t.C
	if c.operatorOnline.Load() {
		return // reconnected within the grace period
	}
	c.interceptReq.Store(false)
	forwarded := c.forwardAllSuspended()
	if forwarded > 0 {
		c.pub.PublishDegraded("operator channel disconnected past grace period, auto-forwarded suspended exchanges")
	}
}

func (c *Coordinator) forwardAllSuspended() int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.suspendedByID))
	for id := range c.suspendedByID {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Forward(context.Background(), id, nil, nil)
	}
	return len(ids)
}

// sweep drops suspended entries older than janitorMult*gracePeriod, a
// backstop against a leaked resume token independent of connection state.
func (c *Coordinator) sweep() {
	threshold := time.Duration(c.janitorMult) * c.gracePeriod
	now := time.Now()

	c.mu.Lock()
	var stale []*suspended
	for id, s := range c.suspendedByID {
		if now.Sub(s.added) > threshold {
			stale = append(stale, s)
			delete(c.suspendedByID, id)
		}
	}
	for id, f := range c.inFlightByID {
		if now.Sub(f.added) > threshold {
			delete(c.inFlightByID, id)
		}
	}
	for id, added := range c.excludedByID {
		if now.Sub(added) > threshold {
			delete(c.excludedByID, id)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.log.Warn().Str("id", s.ex.ID).Msg("janitor dropping stale suspended exchange")
		_ = s.token.Fail(context.Background())
		s.ex.State = model.StateDropped
		s.ex.Dropped = true
		c.hist.Append(s.ex)
	}
}

// HandleRequest runs the request-phase pipeline for a browser pre-flight
// event: identity, exclusion, request-phase rewrites, and either suspension
// or immediate release, per the armed flags.
func (c *Coordinator) HandleRequest(ctx context.Context, ev BrowserEvent) {
	if ev.Bypass {
		// Replay Executor traffic never enters the capture/interception pipeline.
		_ = ev.Token.ContinueRequest(ctx, nil)
		return
	}

	id := ev.ReqID
	if id == "" {
		id = c.ids.NewID()
	}
	seq := c.ids.NextSeq()

	if c.filter.IsExcluded(ev.URL, c.exclFn()) {
		c.mu.Lock()
		c.excludedByID[id] = time.Now()
		c.mu.Unlock()
		_ = ev.Token.ContinueRequest(ctx, nil)
		return
	}

	snap := c.rulesFn()
	firstLine := c.engine.ApplyFirstLine(snap, model.ScopeRequestFirstLine, ev.Method+" "+ev.URL+" HTTP/1.1")
	method, url := splitFirstLine(firstLine, ev.Method, ev.URL)
	headers := c.engine.ApplyHeaders(snap, model.ScopeRequestHeader, ev.Headers)
	body := c.engine.Apply(snap, model.ScopeRequestBody, ev.Body)
	if len(body) != len(ev.Body) {
		headers = rules.RecomputeContentLength(headers, body)
	}

	ex := model.Exchange{
		ID:        id,
		Seq:       seq,
		Method:    method,
		URL:       url,
		ReqHdr:    headers,
		ReqBody:   body,
		State:     model.StateReqRewritten,
		Timestamp: time.Now(),
	}

	c.pub.PublishCapture(captureRequestEnvelope(ex, c.interceptReq.Load()))

	if !c.interceptReq.Load() || !c.operatorOnline.Load() {
		ex.InterceptResponse = c.interceptRes.Load()
		ex.State = model.StateInFlight
		c.mu.Lock()
		c.inFlightByID[id] = inflight{ex: ex, added: time.Now()}
		c.mu.Unlock()
		_ = ev.Token.ContinueRequest(ctx, &RequestEdit{Method: &method, URL: &url, Headers: headers, Body: body})
		return
	}

	ex.State = model.StateReqSuspended
	c.mu.Lock()
	c.suspendedByID[id] = &suspended{ex: ex, token: ev.Token, added: time.Now()}
	c.mu.Unlock()

	if !c.pub.PublishPrompt(interceptPromptRequestEnvelope(ex)) {
		// queue full: never lose a prompt, auto-forward this one exchange now.
		c.Forward(ctx, id, nil, nil)
		c.pub.PublishDegraded("outbound queue full, auto-forwarded a suspended exchange")
	}
}

// HandleResponse runs the response-phase pipeline.
func (c *Coordinator) HandleResponse(ctx context.Context, ev BrowserEvent) {
	if ev.Bypass {
		_ = ev.Token.ContinueResponse(ctx, nil)
		return
	}

	c.mu.Lock()
	if _, excluded := c.excludedByID[ev.ReqID]; excluded {
		delete(c.excludedByID, ev.ReqID)
		c.mu.Unlock()
		// excluded at request stage: release with no capture record at all.
		_ = ev.Token.ContinueResponse(ctx, nil)
		return
	}
	f, ok := c.inFlightByID[ev.ReqID]
	if ok {
		delete(c.inFlightByID, ev.ReqID)
	}
	c.mu.Unlock()

	var ex model.Exchange
	if ok {
		ex = f.ex
	} else {
		ex = model.Exchange{ID: ev.ReqID, URL: ev.URL}
	}

	snap := c.rulesFn()
	statusLine := c.engine.ApplyFirstLine(snap, model.ScopeResponseFirstLine, "HTTP/1.1 "+strconv.Itoa(ev.Status))
	status := parseStatusLine(statusLine, ev.Status)
	headers := c.engine.ApplyHeaders(snap, model.ScopeResponseHeader, ev.Headers)
	body := c.engine.Apply(snap, model.ScopeResponseBody, ev.Body)
	if len(body) != len(ev.Body) {
		headers = rules.RecomputeContentLength(headers, body)
	}

	resp := &model.Response{Status: status, Headers: headers, Body: body}
	ex.Response = resp

	c.pub.PublishCapture(captureResponseEnvelope(ex.ID, ev.URL, resp, ex.InterceptResponse))

	if !ex.InterceptResponse || !c.operatorOnline.Load() {
		ex.State = model.StateCompleted
		_ = ev.Token.ContinueResponse(ctx, &ResponseEdit{Status: &status, Headers: headers, Body: body})
		c.hist.Append(ex)
		return
	}

	ex.State = model.StateResSuspended
	c.mu.Lock()
	c.suspendedByID[ex.ID] = &suspended{ex: ex, token: ev.Token, added: time.Now()}
	c.mu.Unlock()

	if !c.pub.PublishPrompt(interceptPromptResponseEnvelope(ex)) {
		c.Forward(ctx, ex.ID, nil, nil)
		c.pub.PublishDegraded("outbound queue full, auto-forwarded a suspended exchange")
	}
}

// Forward looks up the suspended entry for id and releases it upstream (or
// to the browser, if it was suspended on the response side), merging the
// operator's edit. Unknown id or an already-terminal exchange is an
// idempotent no-op, never a failure.
func (c *Coordinator) Forward(ctx context.Context, id string, edit *model.ModifiedEdit, interceptResponse *bool) {
	c.mu.Lock()
	s, ok := c.suspendedByID[id]
	if ok {
		delete(c.suspendedByID, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	switch s.ex.State {
	case model.StateReqSuspended:
		method := s.ex.Method
		url := s.ex.URL
		headers := s.ex.ReqHdr
		body := s.ex.ReqBody
		if edit != nil {
			if edit.Method != nil {
				method = *edit.Method
			}
			if edit.Body != nil {
				body = []byte(*edit.Body)
			}
			for k, v := range edit.Headers {
				headers = headers.Set(k, v)
			}
			if len(body) != len(s.ex.ReqBody) {
				headers = rules.RecomputeContentLength(headers, body)
			}
		}
		if interceptResponse != nil {
			s.ex.InterceptResponse = *interceptResponse
		} else {
			s.ex.InterceptResponse = c.interceptRes.Load()
		}
		s.ex.Method, s.ex.URL, s.ex.ReqHdr, s.ex.ReqBody = method, url, headers, body
		s.ex.State = model.StateInFlight
		c.mu.Lock()
		c.inFlightByID[id] = inflight{ex: s.ex, added: time.Now()}
		c.mu.Unlock()
		_ = s.token.ContinueRequest(ctx, &RequestEdit{Method: &method, URL: &url, Headers: headers, Body: body})

	case model.StateResSuspended:
		status := s.ex.Response.Status
		headers := s.ex.Response.Headers
		body := s.ex.Response.Body
		if edit != nil {
			if edit.Status != nil {
				status = *edit.Status
			}
			if edit.Body != nil {
				body = []byte(*edit.Body)
			}
			for k, v := range edit.Headers {
				headers = headers.Set(k, v)
			}
			if len(body) != len(s.ex.Response.Body) {
				headers = rules.RecomputeContentLength(headers, body)
			}
		}
		s.ex.Response = &model.Response{Status: status, Headers: headers, Body: body}
		s.ex.State = model.StateCompleted
		_ = s.token.Fulfill(ctx, status, headers, body)
		c.hist.Append(s.ex)
	}
}

// Drop aborts the suspended exchange's upstream connection. Unknown id is an
// idempotent no-op.
func (c *Coordinator) Drop(ctx context.Context, id string) {
	c.mu.Lock()
	s, ok := c.suspendedByID[id]
	if ok {
		delete(c.suspendedByID, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = s.token.Fail(ctx)
	s.ex.State = model.StateDropped
	s.ex.Dropped = true
	c.hist.Append(s.ex)
}

// NotifyUpstreamAbort handles the browser driver reporting that an exchange
// it was holding as suspended aborted upstream on its own (e.g. the browser
// tab navigated away). The suspended entry is removed and marked dropped; a
// later operator forward/drop targeting the same id becomes a no-op.
func (c *Coordinator) NotifyUpstreamAbort(id string) {
	c.mu.Lock()
	s, ok := c.suspendedByID[id]
	if ok {
		delete(c.suspendedByID, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.ex.State = model.StateDropped
	s.ex.Dropped = true
	c.hist.Append(s.ex)
	c.pub.PublishDegraded("exchange aborted upstream while suspended: " + id)
}

// StopAll drops every currently suspended exchange, used by the operator
// `stop` command.
func (c *Coordinator) StopAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.suspendedByID))
	for id := range c.suspendedByID {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Drop(ctx, id)
	}
}

