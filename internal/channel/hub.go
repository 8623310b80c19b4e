// Package channel maintains the persistent bidirectional transport between
// the control plane and connected agents. Each agent holds one WebSocket
// stream authenticated by its mTLS client certificate; the hub multiplexes
// correlated command/reply exchanges and asynchronous agent events over it.
package channel

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/identity"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/registry"
	"github.com/samcat116/strato/internal/strerr"
)

const (
	// sendBuffer bounds the per-agent outbound queue. A full queue means the
	// agent is not draining commands; callers get AgentBusy instead of the
	// hub blocking.
	sendBuffer = 256

	pingInterval  = 20 * time.Second
	pongWait      = 60 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// EventHandler receives asynchronous agent events. The lifecycle coordinator
// installs one to drive VM state reconciliation.
type EventHandler func(agentID string, ev EventPayload)

type pendingReq struct {
	conn *agentConn // stream the command went out on
	ch   chan ReplyPayload
}

// agentConn is one live stream. close is idempotent; the readLoop exiting
// triggers teardown.
type agentConn struct {
	agentID string
	serial  string
	ws      *websocket.Conn
	send    chan Frame
	done    chan struct{}
	once    sync.Once

	// forced marks a server-initiated close (revocation, removal). A forced
	// close skips the reconnect grace window and goes straight to offline.
	forced atomic.Bool
}

func (c *agentConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Hub accepts agent streams and routes frames between them and the rest of
// the control plane.
type Hub struct {
	reg      *registry.Registry
	ident    *identity.Service
	bus      *events.Bus
	clk      clock.Clock
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*agentConn

	pendingMu sync.Mutex
	pending   map[string]*pendingReq

	handlerMu sync.RWMutex
	onEvent   EventHandler
}

// New creates a Hub. Install an event handler with SetEventHandler before
// agents connect.
func New(reg *registry.Registry, ident *identity.Service, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Hub {
	return &Hub{
		reg:   reg,
		ident: ident,
		bus:   bus,
		clk:   clk,
		log:   log.With("component", "channel"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns:   make(map[string]*agentConn),
		pending: make(map[string]*pendingReq),
	}
}

// SetEventHandler installs the callback for asynchronous agent events.
func (h *Hub) SetEventHandler(fn EventHandler) {
	h.handlerMu.Lock()
	h.onEvent = fn
	h.handlerMu.Unlock()
}

// VerifyPeerCertificate is installed in the server's tls.Config. Connections
// without a client certificate pass through (the same listener serves
// enrollment and the management API); a presented certificate is rejected if
// revoked. An unavailable revocation check rejects rather than admits.
func (h *Hub) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return nil
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}
	serial := fmt.Sprintf("%x", leaf.SerialNumber)
	revoked, err := h.ident.IsRevoked(serial)
	if err != nil {
		return fmt.Errorf("revocation check for serial %s: %w", serial, err)
	}
	if revoked {
		return fmt.Errorf("certificate %s is revoked", serial)
	}
	return nil
}

// ServeHTTP upgrades an authenticated agent request to a channel stream. The
// agent's identity is the client certificate's common name; the certificate
// must be the one currently bound to the agent record.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	leaf := r.TLS.PeerCertificates[0]
	agentID := leaf.Subject.CommonName
	serial := fmt.Sprintf("%x", leaf.SerialNumber)

	agent, ok := h.reg.Get(agentID)
	if !ok {
		h.log.Warn("channel attempt from unknown agent", "agent", agentID)
		http.Error(w, "unknown agent", http.StatusForbidden)
		return
	}
	// A superseded certificate can still be inside its validity window;
	// only the serial on the agent record opens a channel.
	if agent.CertSerial != "" && agent.CertSerial != serial {
		h.log.Warn("channel attempt with stale certificate",
			"agent", agentID, "serial", serial, "current", agent.CertSerial)
		http.Error(w, "certificate superseded", http.StatusForbidden)
		return
	}
	revoked, err := h.ident.IsRevoked(serial)
	if err != nil {
		http.Error(w, "revocation check unavailable", http.StatusServiceUnavailable)
		return
	}
	if revoked {
		http.Error(w, "certificate revoked", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "agent", agentID, "error", err)
		return
	}
	h.handle(agentID, serial, ws)
}

func (h *Hub) handle(agentID, serial string, ws *websocket.Conn) {
	conn := &agentConn{
		agentID: agentID,
		serial:  serial,
		ws:      ws,
		send:    make(chan Frame, sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.conns[agentID]; ok {
		// A reconnect raced the old stream's teardown; the newest stream wins.
		old.close()
	}
	h.conns[agentID] = conn
	h.mu.Unlock()

	h.log.Info("agent connected", "agent", agentID, "serial", serial)
	if err := h.reg.SetStatus(agentID, core.AgentOnline); err != nil {
		h.log.Warn("mark agent online", "agent", agentID, "error", err)
	}
	h.bus.Publish(events.Event{
		Type:      events.EventAgentConnected,
		AgentID:   agentID,
		Timestamp: h.clk.Now().UTC(),
	})

	go h.writeLoop(conn)
	h.readLoop(conn)
	h.teardown(conn)
}

func (h *Hub) readLoop(conn *agentConn) {
	conn.ws.SetReadLimit(maxFrameBytes)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("agent stream error", "agent", conn.agentID, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		metrics.ChannelMessages.WithLabelValues("in", f.Type).Inc()
		h.dispatch(conn, f)
	}
}

func (h *Hub) writeLoop(conn *agentConn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case f := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteJSON(f); err != nil {
				h.log.Warn("write to agent failed", "agent", conn.agentID, "error", err)
				conn.close()
				return
			}
			metrics.ChannelMessages.WithLabelValues("out", f.Type).Inc()
		case <-ping.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		case <-conn.done:
			return
		}
	}
}

// teardown runs once the readLoop exits. If this stream was replaced by a
// newer one, the replacement owns the agent's connectivity status and only
// the stream-local state is cleaned up.
func (h *Hub) teardown(conn *agentConn) {
	conn.close()

	h.mu.Lock()
	current := h.conns[conn.agentID] == conn
	if current {
		delete(h.conns, conn.agentID)
	}
	h.mu.Unlock()

	h.failPending(conn)

	if !current {
		return
	}
	// A dropped stream starts a reconnect grace window: the agent goes to
	// connecting and the liveness sweeper demotes it to offline if no new
	// stream arrives within the heartbeat window. Forced closes skip the
	// grace and go offline at once.
	status := core.AgentConnecting
	if conn.forced.Load() {
		status = core.AgentOffline
	}
	if err := h.reg.SetStatus(conn.agentID, status); err != nil {
		h.log.Warn("mark agent disconnected", "agent", conn.agentID, "status", status, "error", err)
	}
	h.bus.Publish(events.Event{
		Type:      events.EventAgentDisconnected,
		AgentID:   conn.agentID,
		Timestamp: h.clk.Now().UTC(),
	})
	h.log.Info("agent disconnected", "agent", conn.agentID)
}

func (h *Hub) dispatch(conn *agentConn, f Frame) {
	switch f.Type {
	case TypeRegister:
		h.handleRegister(conn, f)
	case TypeHeartbeat:
		h.handleHeartbeat(conn, f)
	case TypeReply:
		h.deliverPending(conn, f)
	case TypeEvent:
		h.handleEvent(conn, f)
	default:
		h.log.Warn("unknown frame type", "agent", conn.agentID, "type", f.Type)
	}
}

func (h *Hub) handleRegister(conn *agentConn, f Frame) {
	var p RegisterPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		h.log.Warn("bad register payload", "agent", conn.agentID, "error", err)
		return
	}
	agent, ok := h.reg.Get(conn.agentID)
	if !ok {
		h.log.Warn("register from unknown agent", "agent", conn.agentID)
		return
	}
	agent.Hostname = p.Hostname
	agent.Version = p.Version
	agent.Capabilities = p.Capabilities
	agent.Total = p.Totals
	// Available is corrected by the first heartbeat, which follows
	// immediately after registration.
	agent.Available = p.Totals
	agent.Status = core.AgentOnline
	agent.CertSerial = conn.serial
	if err := h.reg.Register(agent); err != nil {
		h.log.Warn("register agent", "agent", conn.agentID, "error", err)
	}
}

func (h *Hub) handleHeartbeat(conn *agentConn, f Frame) {
	var p HeartbeatPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		h.log.Warn("bad heartbeat payload", "agent", conn.agentID, "error", err)
		return
	}
	applied, err := h.reg.Heartbeat(conn.agentID, registry.Heartbeat{
		Available:  p.Available,
		RunningVMs: p.RunningVMCount,
		Timestamp:  p.Timestamp,
	})
	if err != nil {
		h.log.Warn("heartbeat", "agent", conn.agentID, "error", err)
	} else if !applied {
		h.log.Debug("stale heartbeat dropped", "agent", conn.agentID)
	}
}

func (h *Hub) handleEvent(conn *agentConn, f Frame) {
	var p EventPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		h.log.Warn("bad event payload", "agent", conn.agentID, "error", err)
		return
	}
	h.log.Info("agent event", "agent", conn.agentID, "kind", p.Kind, "vm", p.VMID)

	h.handlerMu.RLock()
	fn := h.onEvent
	h.handlerMu.RUnlock()
	if fn != nil {
		fn(conn.agentID, p)
	}
}

// Request sends a command to the agent and waits for the correlated reply.
// The pending entry is registered before the frame is queued so a reply
// cannot race the wait. On timeout the entry is cancelled and a late reply
// is dropped.
//
// An error reply surfaces as a typed error carrying the agent-reported kind;
// the reply payload is returned alongside it for callers that want detail.
func (h *Hub) Request(ctx context.Context, agentID string, cmd CommandPayload, timeout time.Duration) (ReplyPayload, error) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	h.mu.Unlock()
	if !ok {
		return ReplyPayload{}, strerr.New(strerr.KindAgentDisconnected, "agent %s has no active channel", agentID)
	}

	id, err := newRequestID()
	if err != nil {
		return ReplyPayload{}, strerr.Wrap(strerr.KindInternal, err, "generate request id")
	}
	frame, err := marshalFrame(TypeCommand, id, agentID, cmd)
	if err != nil {
		return ReplyPayload{}, strerr.Wrap(strerr.KindBadRequest, err, "encode command")
	}

	ch := h.registerPending(id, conn)
	select {
	case conn.send <- frame:
	default:
		h.cancelPending(id)
		return ReplyPayload{}, strerr.New(strerr.KindAgentBusy, "agent %s send queue is full", agentID)
	}

	select {
	case reply, open := <-ch:
		if !open {
			return ReplyPayload{}, strerr.New(strerr.KindAgentDisconnected,
				"agent %s disconnected before replying to %s", agentID, cmd.Op)
		}
		if !reply.OK() {
			return reply, strerr.Wrap(replyKind(reply), reply.Error,
				"agent %s rejected %s", agentID, cmd.Op)
		}
		return reply, nil
	case <-h.clk.After(timeout):
		h.cancelPending(id)
		metrics.ChannelRequestTimeouts.Inc()
		return ReplyPayload{}, strerr.New(strerr.KindTimeout,
			"agent %s did not reply to %s within %s", agentID, cmd.Op, timeout)
	case <-ctx.Done():
		h.cancelPending(id)
		return ReplyPayload{}, strerr.Wrap(strerr.KindTimeout, ctx.Err(),
			"request to agent %s cancelled", agentID)
	}
}

// replyKind maps an agent-reported error kind onto the shared taxonomy.
// Unrecognised kinds collapse to Internal.
func replyKind(reply ReplyPayload) strerr.Kind {
	if reply.Error == nil {
		return strerr.KindInternal
	}
	switch k := strerr.Kind(reply.Error.Kind); k {
	case strerr.KindBadRequest, strerr.KindNotFound, strerr.KindConflict,
		strerr.KindInvalidStateTransition, strerr.KindInsufficientCapacity:
		return k
	}
	return strerr.KindInternal
}

func (h *Hub) registerPending(id string, conn *agentConn) chan ReplyPayload {
	ch := make(chan ReplyPayload, 1)
	h.pendingMu.Lock()
	h.pending[id] = &pendingReq{conn: conn, ch: ch}
	h.pendingMu.Unlock()
	return ch
}

func (h *Hub) cancelPending(id string) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

func (h *Hub) deliverPending(conn *agentConn, f Frame) {
	var p ReplyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		h.log.Warn("bad reply payload", "agent", conn.agentID, "id", f.ID, "error", err)
		return
	}

	h.pendingMu.Lock()
	req, ok := h.pending[f.ID]
	if ok {
		delete(h.pending, f.ID)
	}
	h.pendingMu.Unlock()

	if !ok {
		// Cancelled by timeout, or a reply we never asked for.
		h.log.Debug("reply with no pending request", "agent", conn.agentID, "id", f.ID)
		return
	}
	req.ch <- p
}

// failPending closes the reply channels of requests issued on this stream.
// Requests already in flight on a replacement stream are untouched.
func (h *Hub) failPending(conn *agentConn) {
	h.pendingMu.Lock()
	for id, req := range h.pending {
		if req.conn == conn {
			delete(h.pending, id)
			close(req.ch)
		}
	}
	h.pendingMu.Unlock()
}

// Connected reports whether the agent has a live channel.
func (h *Hub) Connected(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[agentID]
	return ok
}

// ConnectedIDs returns the ids of all agents with a live channel.
func (h *Hub) ConnectedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect force-closes an agent's channel. Teardown runs via the stream's
// read loop exit.
func (h *Hub) Disconnect(agentID, reason string) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.log.Info("disconnecting agent", "agent", agentID, "reason", reason)
	conn.forced.Store(true)
	conn.close()
}

// Run watches the event bus and force-closes the channel of any agent whose
// certificate is revoked. It returns when ctx is cancelled, closing every
// open channel on the way out.
func (h *Hub) Run(ctx context.Context) {
	evts, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case evt, ok := <-evts:
			if !ok {
				return
			}
			if evt.Type == events.EventCertRevoked && evt.AgentID != "" {
				h.Disconnect(evt.AgentID, "certificate revoked")
			}
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*agentConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func newRequestID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
