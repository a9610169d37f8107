package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mitmrelay/internal/exclude"
	"mitmrelay/internal/identity"
	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
	"mitmrelay/internal/rules"
)

type fakeToken struct {
	mu        sync.Mutex
	continued bool
	failed    bool
	fulfilled bool
	lastBody  []byte
	lastEdit  *RequestEdit
}

func (f *fakeToken) ContinueRequest(ctx context.Context, edit *RequestEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = true
	f.lastEdit = edit
	return nil
}
func (f *fakeToken) ContinueResponse(ctx context.Context, edit *ResponseEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = true
	return nil
}
func (f *fakeToken) Fail(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
	return nil
}
func (f *fakeToken) Fulfill(ctx context.Context, status int, headers model.Headers, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = true
	f.lastBody = body
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	captures []model.Envelope
	prompts  []model.Envelope
	degraded []string
	rejectPrompts bool
}

func (p *fakePublisher) PublishCapture(env model.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures = append(p.captures, env)
}
func (p *fakePublisher) PublishPrompt(env model.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectPrompts {
		return false
	}
	p.prompts = append(p.prompts, env)
	return true
}
func (p *fakePublisher) PublishDegraded(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = append(p.degraded, reason)
}

type fakeHistory struct {
	mu  sync.Mutex
	all []model.Exchange
}

func (h *fakeHistory) Append(ex model.Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all = append(h.all, ex)
}

func newTestCoordinator() (*Coordinator, *fakePublisher, *fakeHistory) {
	log := logger.Nop()
	ids := &identity.Allocator{}
	engine := rules.New(log, nil)
	filter := exclude.New(nil)
	pub := &fakePublisher{}
	hist := &fakeHistory{}
	c := New(log, ids, engine, filter,
		func() *rules.Snapshot { return rules.NewSnapshot(nil) },
		func() []model.ExclusionRule { return nil },
		hist, pub, Options{GracePeriod: 50 * time.Millisecond})
	return c, pub, hist
}

func TestPlainCaptureNoInterception(t *testing.T) {
	c, pub, _ := newTestCoordinator()
	tok := &fakeToken{}
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET", URL: "https://a.test/x"})

	if !tok.continued {
		t.Fatal("expected request continued immediately (no interception)")
	}
	if len(pub.captures) != 1 {
		t.Fatalf("expected 1 capture event, got %d", len(pub.captures))
	}
	if len(pub.prompts) != 0 {
		t.Fatalf("expected no prompts, got %d", len(pub.prompts))
	}
}

// The driver assigns one stable id per network request and echoes it on
// both the request-stage and response-stage BrowserEvent (see
// internal/driver/driver.go's use of the CDP Fetch RequestID); the
// Coordinator adopts it as the exchange id rather than minting its own, so
// this test drives both stages with the same ReqID exactly as production
// does, instead of reaching into the Coordinator's internal map.
func TestNonInterceptedResponseHistoryCarriesFullRequest(t *testing.T) {
	c, _, hist := newTestCoordinator()
	tok := &fakeToken{}
	const reqID = "cdp-request-1"
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET",
		URL: "https://a.test/x", Headers: model.Headers{{Name: "X-Req", Value: "1"}}, ReqID: reqID})

	c.HandleResponse(context.Background(), BrowserEvent{Stage: "response", Token: tok, ReqID: reqID,
		URL: "https://a.test/x", Status: 200})

	if len(hist.all) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist.all))
	}
	ex := hist.all[0]
	if ex.ID != reqID || ex.Method != "GET" || ex.Seq == 0 || ex.Timestamp.IsZero() || len(ex.ReqHdr) != 1 {
		t.Fatalf("history entry missing request data: %+v", ex)
	}
	c.mu.Lock()
	_, stillInFlight := c.inFlightByID[reqID]
	c.mu.Unlock()
	if stillInFlight {
		t.Fatal("expected in-flight entry consumed by response")
	}
}

// An exchange excluded at the request stage must never reach history, even
// though Fetch is enabled for the response stage too and so a response
// pause still arrives for it.
func TestExcludedExchangeProducesNoHistory(t *testing.T) {
	log := logger.Nop()
	ids := &identity.Allocator{}
	engine := rules.New(log, nil)
	filter := exclude.New(nil)
	pub := &fakePublisher{}
	hist := &fakeHistory{}
	excl := []model.ExclusionRule{{ID: "r1", Type: model.ExclusionDomain, Value: "ads.test"}}
	c := New(log, ids, engine, filter,
		func() *rules.Snapshot { return rules.NewSnapshot(nil) },
		func() []model.ExclusionRule { return excl },
		hist, pub, Options{GracePeriod: 50 * time.Millisecond})

	tok := &fakeToken{}
	const reqID = "cdp-request-2"
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET",
		URL: "https://ads.test/track", ReqID: reqID})

	if !tok.continued {
		t.Fatal("expected excluded request continued immediately")
	}
	if len(pub.captures) != 0 {
		t.Fatalf("expected no capture event for excluded request, got %d", len(pub.captures))
	}

	c.HandleResponse(context.Background(), BrowserEvent{Stage: "response", Token: tok, ReqID: reqID,
		URL: "https://ads.test/track", Status: 200})

	if len(hist.all) != 0 {
		t.Fatalf("expected no history entry for excluded exchange, got %v", hist.all)
	}
	if len(pub.captures) != 0 {
		t.Fatalf("expected no capture event for excluded response, got %d", len(pub.captures))
	}
	c.mu.Lock()
	_, stillExcluded := c.excludedByID[reqID]
	c.mu.Unlock()
	if stillExcluded {
		t.Fatal("expected excluded marker consumed by response")
	}
}

func TestEditAndForward(t *testing.T) {
	c, _, _ := newTestCoordinator()
	c.SetInterceptRequests(true)
	tok := &fakeToken{}
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "POST", URL: "https://a.test/login", Body: []byte("u=a&p=b")})

	if tok.continued {
		t.Fatal("expected request suspended, not continued yet")
	}

	c.mu.Lock()
	var id string
	for k := range c.suspendedByID {
		id = k
	}
	c.mu.Unlock()
	if id == "" {
		t.Fatal("expected a suspended entry")
	}

	newBody := "u=a&p=X"
	c.Forward(context.Background(), id, &model.ModifiedEdit{Body: &newBody}, nil)

	if !tok.continued {
		t.Fatal("expected forward to continue the request")
	}
	if string(tok.lastEdit.Body) != newBody {
		t.Fatalf("got body %q, want %q", tok.lastEdit.Body, newBody)
	}
}

func TestDropRemovesFromSuspendedAndMarksDropped(t *testing.T) {
	c, _, hist := newTestCoordinator()
	c.SetInterceptRequests(true)
	tok := &fakeToken{}
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET", URL: "https://a.test/track"})

	c.mu.Lock()
	var id string
	for k := range c.suspendedByID {
		id = k
	}
	c.mu.Unlock()

	c.Drop(context.Background(), id)
	if !tok.failed {
		t.Fatal("expected upstream abort")
	}
	c.mu.Lock()
	_, stillThere := c.suspendedByID[id]
	c.mu.Unlock()
	if stillThere {
		t.Fatal("expected entry removed from suspended map")
	}
	if len(hist.all) != 1 || hist.all[0].State != model.StateDropped {
		t.Fatalf("expected one dropped history entry, got %v", hist.all)
	}

	// idempotence: forward after drop is a no-op
	c.Forward(context.Background(), id, nil, nil)
	if len(hist.all) != 1 {
		t.Fatalf("expected forward-after-drop to be a no-op, got %d history entries", len(hist.all))
	}
}

func TestForwardUnknownIDIsNoOp(t *testing.T) {
	c, _, _ := newTestCoordinator()
	c.Forward(context.Background(), "does-not-exist", nil, nil)
	c.Drop(context.Background(), "does-not-exist")
}

func TestForwardIdempotent(t *testing.T) {
	c, _, hist := newTestCoordinator()
	c.SetInterceptRequests(true)
	tok := &fakeToken{}
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET", URL: "https://a.test/x"})

	c.mu.Lock()
	var id string
	for k := range c.suspendedByID {
		id = k
	}
	c.mu.Unlock()

	c.Forward(context.Background(), id, nil, nil)
	c.Forward(context.Background(), id, nil, nil) // second call: entry already gone, no-op

	if len(hist.all) != 0 {
		// request-phase forward doesn't append to history until response completes
		t.Fatalf("unexpected history entries: %v", hist.all)
	}
}

func TestSequenceMonotonic(t *testing.T) {
	c, pub, _ := newTestCoordinator()
	for i := 0; i < 5; i++ {
		tok := &fakeToken{}
		c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET", URL: "https://a.test/x"})
	}
	var lastSeq int64
	for _, env := range pub.captures {
		var data model.CaptureRequestData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Seq <= lastSeq {
			t.Fatalf("seq not monotonic: %d after %d", data.Seq, lastSeq)
		}
		lastSeq = data.Seq
	}
}

func TestDisconnectAutoForwardsWithinGracePeriod(t *testing.T) {
	c, _, hist := newTestCoordinator()
	c.SetInterceptRequests(true)
	tok := &fakeToken{}
	c.HandleRequest(context.Background(), BrowserEvent{Stage: "request", Token: tok, Method: "GET", URL: "https://a.test/x"})

	c.SetOperatorOnline(false)
	time.Sleep(200 * time.Millisecond) // grace period is 50ms in the test coordinator

	if !tok.continued {
		t.Fatal("expected auto-forward after grace period expired")
	}
	_ = hist
}
