// Package router implements the Operator Channel & Event Router: one
// full-duplex WebSocket message stream per operator connection, multiplexing
// capture events, interception prompts, replay responses, and command
// acknowledgements, with a bounded per-connection outbound queue that sheds
// captures before ever dropping a prompt.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

// Commands is the set of operations the router dispatches inbound commands
// to. Implemented by the wiring layer on top of the Coordinator, Rule store,
// Exclusion store, and Replay Executor.
type Commands interface {
	SetInterceptRequests(on bool)
	SetInterceptResponses(on bool)
	Forward(ctx context.Context, id string, edit *model.ModifiedEdit, interceptResponse *bool)
	Drop(ctx context.Context, id string)
	StopAll(ctx context.Context)
	Replay(ctx context.Context, tabID string, req model.RawRequest) model.ReplayResult
	CancelReplay(tabID string)
	InterceptStatus() (requests, responses bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const defaultQueueCapacity = 256

// Hub owns the set of connected operator connections. Every message is
// broadcast to all of them. For degraded-mode purposes the operator counts
// as online while at least one connection is open; onOnline is told only
// when that count moves between zero and nonzero.
type Hub struct {
	log      logger.Logger
	cmds     Commands
	onOnline func(online bool)

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// NewHub builds a Hub. onOnline is invoked whenever the set of connected
// operators transitions between zero and nonzero, driving the Coordinator's
// degraded-mode grace period.
func NewHub(log logger.Logger, cmds Commands, onOnline func(online bool)) *Hub {
	return &Hub{
		log:      log.Component("router"),
		cmds:     cmds,
		onOnline: onOnline,
		conns:    make(map[*connection]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &connection{
		hub:   h,
		ws:    ws,
		log:   h.log,
		queue: make(chan queuedMsg, defaultQueueCapacity),
	}

	h.mu.Lock()
	wasEmpty := len(h.conns) == 0
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	if wasEmpty && h.onOnline != nil {
		h.onOnline(true)
	}

	c.run()

	h.mu.Lock()
	delete(h.conns, c)
	nowEmpty := len(h.conns) == 0
	h.mu.Unlock()
	if nowEmpty && h.onOnline != nil {
		h.onOnline(false)
	}
}

// PublishCapture is best-effort: the outbound queue may shed it under load.
func (h *Hub) PublishCapture(env model.Envelope) {
	h.broadcast(env, false)
}

// PublishPrompt reports whether the envelope was enqueued on at least one
// connection. If there are no connections at all, it returns false so the
// Coordinator auto-forwards immediately rather than waiting on a channel
// nobody is reading.
func (h *Hub) PublishPrompt(env model.Envelope) bool {
	return h.broadcast(env, true)
}

// PublishDegraded sends a synthetic ack-shaped notification describing a
// degraded-mode event.
func (h *Hub) PublishDegraded(reason string) {
	env := model.Envelope{Type: "ack", Data: mustJSON(model.AckData{Command: "degraded", Success: false, Error: reason})}
	h.broadcast(env, false)
}

func (h *Hub) broadcast(env model.Envelope, isPrompt bool) bool {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if len(conns) == 0 {
		return false
	}
	delivered := false
	for _, c := range conns {
		if c.enqueue(env, isPrompt) {
			delivered = true
		}
	}
	return delivered
}

type queuedMsg struct {
	env      model.Envelope
	isPrompt bool
}

// connection is one operator WebSocket connection: a reader goroutine
// dispatching inbound commands concurrently, and a single writer goroutine
// draining the bounded queue so outbound messages are never reordered.
type connection struct {
	hub   *Hub
	ws    *websocket.Conn
	log   logger.Logger
	queue chan queuedMsg

	mu     sync.Mutex
	closed bool
}

func (c *connection) run() {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump()
	close(done)
	c.close()
}

func (c *connection) writePump(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case m := <-c.queue:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(m.env); err != nil {
				return
			}
		}
	}
}

func (c *connection) readPump() {
	for {
		var cmd model.Command
		if err := c.ws.ReadJSON(&cmd); err != nil {
			return
		}
		go c.dispatch(cmd)
	}
}

func (c *connection) dispatch(cmd model.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd.Command {
	case "start":
		c.ack(cmd, true, "")
	case "stop":
		c.hub.cmds.StopAll(ctx)
		c.ack(cmd, true, "")
	case "intercept_requests":
		on := cmd.Enabled != nil && *cmd.Enabled
		c.hub.cmds.SetInterceptRequests(on)
		c.sendStatus()
	case "intercept_responses":
		on := cmd.Enabled != nil && *cmd.Enabled
		c.hub.cmds.SetInterceptResponses(on)
		c.sendStatus()
	case "forward":
		c.hub.cmds.Forward(ctx, cmd.ID, cmd.Modified, cmd.InterceptResponse)
		c.ack(cmd, true, "")
	case "drop":
		c.hub.cmds.Drop(ctx, cmd.ID)
		c.ack(cmd, true, "")
	case "toggle_intercept_response":
		on := cmd.InterceptResponse != nil && *cmd.InterceptResponse
		c.hub.cmds.Forward(ctx, cmd.ID, nil, &on)
		c.ack(cmd, true, "")
	case "replay":
		c.handleReplay(ctx, cmd)
	default:
		c.ack(cmd, false, "unknown command")
	}
}

func (c *connection) handleReplay(ctx context.Context, cmd model.Command) {
	if cmd.Cancel {
		c.hub.cmds.CancelReplay(cmd.TabID)
		return
	}
	if cmd.Request == nil {
		c.ack(cmd, false, "replay command missing request")
		return
	}
	result := c.hub.cmds.Replay(ctx, cmd.TabID, *cmd.Request)
	data := model.ReplayResponseData{TabID: cmd.TabID, Response: result}
	env := model.Envelope{Type: "replay_response", Data: mustJSON(data)}
	c.enqueue(env, false)
}

func (c *connection) sendStatus() {
	reqOn, resOn := c.hub.cmds.InterceptStatus()
	env := model.Envelope{Type: "intercept_status", Data: mustJSON(model.InterceptStatusData{InterceptRequests: reqOn, InterceptResponses: resOn})}
	c.enqueue(env, false)
}

func (c *connection) ack(cmd model.Command, success bool, errMsg string) {
	env := model.Envelope{Type: "ack", Data: mustJSON(model.AckData{Command: cmd.Command, ID: cmd.ID, Success: success, Error: errMsg})}
	c.enqueue(env, false)
}

// enqueue delivers env to this connection's outbound queue. If the queue is
// full, a non-prompt message is shed by dropping it (the oldest event stays
// queued; the new one is simply not added — equivalent for a bounded
// capture stream, since captures are timestamped and order-independent of
// shedding). A prompt is never shed: if the queue has no room, enqueue
// reports failure so the Coordinator can auto-forward that exchange.
func (c *connection) enqueue(env model.Envelope, isPrompt bool) bool {
	select {
	case c.queue <- queuedMsg{env: env, isPrompt: isPrompt}:
		return true
	default:
	}
	if !isPrompt {
		return false
	}
	// Make room for a prompt by shedding the oldest queued non-prompt entry.
	select {
	case old := <-c.queue:
		if old.isPrompt {
			// Nothing sheddable; the queue is saturated with prompts themselves.
			select {
			case c.queue <- old:
			default:
			}
			return false
		}
	default:
	}
	select {
	case c.queue <- queuedMsg{env: env, isPrompt: isPrompt}:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}
