package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/castingclouds/agentengine/pkg/engine"
	"github.com/castingclouds/agentengine/pkg/ids"
	"github.com/castingclouds/agentengine/pkg/streambus"
	"github.com/castingclouds/agentengine/pkg/tenant"
)

// socket connection lifecycle tuning: idle connections are swept every
// idleSweepInterval once idle longer than idleTimeout. outboxCapacity bounds
// the per-connection outbound queue; a full queue drops the oldest pending
// frame rather than blocking the bus publisher (§4.8; DESIGN.md's C8 section
// records the back-pressure choice).
const (
	writeTimeout      = 5 * time.Second
	idleSweepInterval = 60 * time.Second
	idleTimeout       = 300 * time.Second
	outboxCapacity    = 100
)

// Authenticator validates a socket auth message against the tenant the
// connection claims. The default implementation accepts any token, empty
// included (§9, Open Question 3) — the seam exists so a real check can be substituted
// without touching the session state machine.
type Authenticator interface {
	Authenticate(tenantID ids.TenantID, token string) bool
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(ids.TenantID, string) bool { return true }

// clientMessage is the socket wire protocol's inbound envelope.
type clientMessage struct {
	Type          string                 `json:"type"`
	Token         string                 `json:"token,omitempty"`
	AgentID       string                 `json:"agent_id,omitempty"`
	ExecutionID   string                 `json:"execution_id,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	InputMapping  map[string]string      `json:"input_mapping,omitempty"`
	OutputMapping map[string]string      `json:"output_mapping,omitempty"`
}

// serverMessage is the outbound envelope. Only the fields relevant to Type
// are populated.
type serverMessage struct {
	Type        string                 `json:"type"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Sequence    int                    `json:"sequence,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   int64                  `json:"timestamp,omitempty"`
}

// socketSession is a single WebSocket client's state. subs, lastSeen and the
// pending capture window are shared by the connection's read loop, its bus
// fan-in goroutine and its idle sweeper, and are guarded by mu.
type socketSession struct {
	id         string
	conn       *websocket.Conn
	facade     *tenant.Facade
	outbox     chan serverMessage
	mu         sync.Mutex
	subs       map[ids.ExecutionID]bool
	lastSeen   time.Time
	cancel     context.CancelFunc
	pending    bool
	pendingBuf []streambus.StreamEvent
}

func newSocketSession(conn *websocket.Conn, facade *tenant.Facade, cancel context.CancelFunc) *socketSession {
	return &socketSession{
		id:       uuid.NewString(),
		conn:     conn,
		facade:   facade,
		outbox:   make(chan serverMessage, outboxCapacity),
		subs:     make(map[ids.ExecutionID]bool),
		lastSeen: time.Now(),
		cancel:   cancel,
	}
}

// enqueue pushes a frame to the outbox, dropping the oldest pending frame
// if full rather than blocking the caller (the bus publisher or the
// dispatch loop).
func (s *socketSession) enqueue(msg serverMessage) {
	select {
	case s.outbox <- msg:
		return
	default:
	}
	select {
	case <-s.outbox:
	default:
	}
	select {
	case s.outbox <- msg:
	default:
	}
}

func (s *socketSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *socketSession) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

func (s *socketSession) subscribe(execID ids.ExecutionID) {
	s.mu.Lock()
	s.subs[execID] = true
	s.mu.Unlock()
}

func (s *socketSession) unsubscribe(execID ids.ExecutionID) {
	s.mu.Lock()
	delete(s.subs, execID)
	s.mu.Unlock()
}

func (s *socketSession) isSubscribed(execID ids.ExecutionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[execID]
}

// beginPending opens a capture window for an execution this session is about
// to start but whose id it doesn't know yet (engine.Execute assigns it
// internally and runs synchronously to completion, so the subscribe-on-
// "execution_started" ordering used to lose every event of its own run).
func (s *socketSession) beginPending() {
	s.mu.Lock()
	s.pending = true
	s.pendingBuf = nil
	s.mu.Unlock()
}

// capturePending buffers event if a capture window is open. Returns whether
// it was captured so the caller can skip the normal subscribed-delivery path.
func (s *socketSession) capturePending(event streambus.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false
	}
	s.pendingBuf = append(s.pendingBuf, event)
	return true
}

// endPending closes the capture window and returns the buffered events
// belonging to execID, in publish order.
func (s *socketSession) endPending(execID ids.ExecutionID) []streambus.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	var matched []streambus.StreamEvent
	for _, ev := range s.pendingBuf {
		if ev.ExecutionID == execID {
			matched = append(matched, ev)
		}
	}
	s.pendingBuf = nil
	return matched
}

// handleSocket owns one WebSocket connection end to end: writer goroutine,
// bus-to-outbox fan-in, idle sweep, and the client message read loop. Blocks
// until the connection closes.
func (s *Server) handleSocket(parentCtx context.Context, conn *websocket.Conn, facade *tenant.Facade) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sess := newSocketSession(conn, facade, cancel)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.socketWriter(ctx, sess)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.socketBusFanIn(ctx, sess)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		socketIdleSweeper(ctx, sess)
	}()

	// §4.8: the session starts Open immediately — the tenant is carried by
	// the outer transport (the X-Tenant-ID header checked at upgrade), not a
	// handshake message. AuthSuccess is issued unconditionally here; the
	// client's own "auth" message (if sent) is accepted the same way.
	sess.enqueue(serverMessage{Type: "auth_success", TenantID: string(sess.facade.TenantID())})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		sess.touch()

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.enqueue(serverMessage{Type: "error", Error: "invalid message"})
			continue
		}
		s.handleClientMessage(ctx, sess, &msg)
	}

	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleClientMessage(ctx context.Context, sess *socketSession, msg *clientMessage) {
	switch msg.Type {
	case "auth":
		if s.authenticator.Authenticate(sess.facade.TenantID(), msg.Token) {
			sess.enqueue(serverMessage{Type: "auth_success", TenantID: string(sess.facade.TenantID())})
		} else {
			sess.enqueue(serverMessage{Type: "auth_failure", Error: "invalid token"})
		}

	case "subscribe":
		s.handleSocketSubscribe(ctx, sess, msg)

	case "unsubscribe":
		sess.unsubscribe(ids.ExecutionID(msg.ExecutionID))

	case "execute":
		s.handleSocketExecute(ctx, sess, msg)

	case "ping":
		sess.enqueue(serverMessage{Type: "pong", Timestamp: time.Now().Unix()})

	default:
		sess.enqueue(serverMessage{Type: "error", Error: "unknown action"})
	}
}

// handleSocketSubscribe implements §4.8's subscribe rule: the execution must
// exist and belong to this connection's tenant before it is added to the
// subscription set.
func (s *Server) handleSocketSubscribe(ctx context.Context, sess *socketSession, msg *clientMessage) {
	execID := ids.ExecutionID(msg.ExecutionID)
	if execID == "" {
		sess.enqueue(serverMessage{Type: "error", Error: "execution_id is required"})
		return
	}
	if _, err := sess.facade.Storage().GetExecution(ctx, sess.facade.TenantID(), execID); err != nil {
		sess.enqueue(serverMessage{Type: "error", ExecutionID: msg.ExecutionID, Error: err.Error()})
		return
	}
	sess.subscribe(execID)
}

// handleSocketExecute starts an execution and auto-subscribes the session
// to its events, matching the REST entry point's activity shape.
func (s *Server) handleSocketExecute(ctx context.Context, sess *socketSession, msg *clientMessage) {
	if msg.AgentID == "" {
		sess.enqueue(serverMessage{Type: "error", Error: "agent_id is required"})
		return
	}
	activity := engine.ActivityConfig{
		AgentID:       ids.AgentID(msg.AgentID),
		InputMapping:  msg.InputMapping,
		OutputMapping: msg.OutputMapping,
	}

	sess.beginPending()
	exec, err := sess.facade.Execute(ctx, activity, msg.Context)
	if err != nil {
		sess.endPending("")
		sess.enqueue(serverMessage{Type: "error", AgentID: msg.AgentID, Error: err.Error()})
		return
	}
	sess.subscribe(exec.ID)
	buffered := sess.endPending(exec.ID)

	sess.enqueue(serverMessage{
		Type:        "execution_started",
		ExecutionID: exec.ID.String(),
		AgentID:     msg.AgentID,
	})
	for _, ev := range buffered {
		sess.enqueue(socketMessageFor(ev))
	}
}

// socketWriter drains the outbox to the wire. It is the only goroutine that
// ever calls conn.Write for this connection.
func (s *Server) socketWriter(ctx context.Context, sess *socketSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sess.outbox:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			data, err := json.Marshal(msg)
			if err == nil {
				err = sess.conn.Write(writeCtx, websocket.MessageText, data)
			}
			cancel()
			if err != nil {
				slog.Warn("socket write failed", "connection_id", sess.id, "error", err)
				sess.cancel()
				return
			}
		}
	}
}

// socketBusFanIn subscribes to the stream bus and enqueues events for
// executions this session has subscribed to, translating StreamEvent kinds
// to the socket message vocabulary.
func (s *Server) socketBusFanIn(ctx context.Context, sess *socketSession) {
	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if event.TenantID != sess.facade.TenantID() {
				continue
			}
			if sess.isSubscribed(event.ExecutionID) {
				sess.enqueue(socketMessageFor(event))
				continue
			}
			sess.capturePending(event)
		}
	}
}

func socketMessageFor(event streambus.StreamEvent) serverMessage {
	base := serverMessage{ExecutionID: event.ExecutionID.String()}
	switch event.Kind {
	case streambus.KindThinkingStatus:
		base.Type = "thinking"
		base.Text = event.StatusText
	case streambus.KindContentChunk:
		base.Type = "chunk"
		base.Sequence = event.Sequence
		base.Text = event.ChunkText
	case streambus.KindCompleted:
		base.Type = "complete"
		base.Output = event.FinalResponse
	case streambus.KindFailed:
		base.Type = "error"
		base.Error = event.ErrorText
	}
	return base
}

// socketIdleSweeper closes the connection if no client message has arrived
// for idleTimeout, checked every idleSweepInterval.
func socketIdleSweeper(ctx context.Context, sess *socketSession) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.idleSince() >= idleTimeout {
				sess.cancel()
				return
			}
		}
	}
}
