package channel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/identity"
	"github.com/samcat116/strato/internal/registry"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/strerr"
)

// testEnv spins up a full mTLS channel server: BoltDB store, CA, identity
// service, registry, and an httptest TLS listener serving the hub.
type testEnv struct {
	hub   *Hub
	reg   *registry.Registry
	ident *identity.Service
	bus   *events.Bus
	srv   *httptest.Server
	pool  *x509.CertPool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "channel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ca, err := identity.EnsureCA(t.TempDir(), "strato.local")
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}

	clk := clock.Real{}
	log := slog.New(slog.DiscardHandler)
	bus := events.New()
	ident := identity.NewService(ca, st, bus, clk, log, 30*24*time.Hour)
	reg := registry.New(st, bus, clk, log, time.Minute)
	hub := New(reg, ident, bus, clk, log)

	certPEM, keyPEM, err := ca.IssueServerCert()
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.TrustBundlePEM()) {
		t.Fatal("append CA cert to pool")
	}

	srv := httptest.NewUnstartedServer(hub)
	srv.TLS = &tls.Config{
		Certificates:          []tls.Certificate{serverCert},
		ClientCAs:             pool,
		ClientAuth:            tls.VerifyClientCertIfGiven,
		MinVersion:            tls.VersionTLS13,
		VerifyPeerCertificate: hub.VerifyPeerCertificate,
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return &testEnv{hub: hub, reg: reg, ident: ident, bus: bus, srv: srv, pool: pool}
}

// enrollAgent issues a certificate for the agent and registers it with the
// serial bound, mirroring what the enrollment service does.
func (env *testEnv) enrollAgent(t *testing.T, agentID string) tls.Certificate {
	t.Helper()
	cert := env.issueCert(t, agentID)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse issued cert: %v", err)
	}
	err = env.reg.Register(core.Agent{
		ID:         agentID,
		Status:     core.AgentConnecting,
		CertSerial: leaf.SerialNumber.Text(16),
		Total:      core.Resources{CPU: 8, Memory: 32 * core.GB, Disk: 500 * core.GB},
		Available:  core.Resources{CPU: 8, Memory: 32 * core.GB, Disk: 500 * core.GB},
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return cert
}

// issueCert signs a fresh client certificate for agentID without touching
// the registry.
func (env *testEnv) issueCert(t *testing.T, agentID string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: agentID},
	}, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}
	issued, err := env.ident.Issue(agentID, csr)
	if err != nil {
		t.Fatalf("issue cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(issued.CertPEM, keyPEM)
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}
	return cert
}

func (env *testEnv) dial(t *testing.T, cert tls.Certificate) (*websocket.Conn, error) {
	t.Helper()
	d := websocket.Dialer{
		TLSClientConfig: &tls.Config{
			RootCAs:      env.pool,
			Certificates: []tls.Certificate{cert},
			ServerName:   "localhost",
			MinVersion:   tls.VersionTLS13,
		},
		HandshakeTimeout: 5 * time.Second,
	}
	url := "wss" + strings.TrimPrefix(env.srv.URL, "https")
	ws, resp, err := d.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return ws, err
}

func (env *testEnv) mustDial(t *testing.T, cert tls.Certificate) *websocket.Conn {
	t.Helper()
	ws, err := env.dial(t, cert)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sendFrame(t *testing.T, ws *websocket.Conn, frameType, id string, payload any) {
	t.Helper()
	f, err := marshalFrame(frameType, id, "", payload)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := ws.WriteJSON(f); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

// replyLoop plays a well-behaved agent: every command frame gets the reply
// built by fn. It stops when the stream closes.
func replyLoop(ws *websocket.Conn, fn func(cmd CommandPayload) ReplyPayload) {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Type != TypeCommand {
			continue
		}
		var cmd CommandPayload
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			continue
		}
		raw, _ := json.Marshal(fn(cmd))
		ws.WriteJSON(Frame{Type: TypeReply, ID: f.ID, Payload: raw})
	}
}

func TestConnectAndRegister(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)

	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	sendFrame(t, ws, TypeRegister, "", RegisterPayload{
		Hostname:     "hv-01",
		Version:      "1.4.0",
		Capabilities: []string{"kvm", "ovn"},
		Totals:       core.Resources{CPU: 16, Memory: 64 * core.GB, Disk: 1000 * core.GB},
	})

	waitFor(t, "registration applied", func() bool {
		a, ok := env.reg.Get("agent-1")
		return ok && a.Status == core.AgentOnline && a.Total.CPU == 16
	})
	a, _ := env.reg.Get("agent-1")
	if a.Hostname != "hv-01" || !a.HasCapability("ovn") {
		t.Errorf("agent metadata not applied: %+v", a)
	}
}

func TestRequestReply(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	var gotOp atomic.Value
	go replyLoop(ws, func(cmd CommandPayload) ReplyPayload {
		gotOp.Store(cmd.Op)
		return ReplyPayload{Status: "ok"}
	})

	reply, err := env.hub.Request(context.Background(), "agent-1",
		CommandPayload{Op: OpStartVM, VMID: "vm-1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !reply.OK() {
		t.Errorf("reply status = %q, want ok", reply.Status)
	}
	if gotOp.Load() != OpStartVM {
		t.Errorf("agent saw op %v, want %s", gotOp.Load(), OpStartVM)
	}
}

func TestRequestErrorReply(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	go replyLoop(ws, func(CommandPayload) ReplyPayload {
		return ReplyPayload{Status: "error", Error: &WireError{
			Kind:    string(strerr.KindInvalidStateTransition),
			Message: "vm is already running",
		}}
	})

	_, err := env.hub.Request(context.Background(), "agent-1",
		CommandPayload{Op: OpStartVM, VMID: "vm-1"}, 5*time.Second)
	if !strerr.IsKind(err, strerr.KindInvalidStateTransition) {
		t.Errorf("err = %v, want InvalidStateTransition", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	// Agent drains the stream but never replies.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	_, err := env.hub.Request(context.Background(), "agent-1",
		CommandPayload{Op: OpStopVM, VMID: "vm-1"}, 100*time.Millisecond)
	if !strerr.IsKind(err, strerr.KindTimeout) {
		t.Errorf("err = %v, want Timeout", err)
	}
}

func TestRequestNoChannel(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.hub.Request(context.Background(), "ghost",
		CommandPayload{Op: OpStartVM, VMID: "vm-1"}, time.Second)
	if !strerr.IsKind(err, strerr.KindAgentDisconnected) {
		t.Errorf("err = %v, want AgentDisconnected", err)
	}
}

func TestRequestAgentDisconnectsMidFlight(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	// Agent hangs up as soon as the command arrives.
	go func() {
		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == TypeCommand {
				ws.Close()
				return
			}
		}
	}()

	_, err := env.hub.Request(context.Background(), "agent-1",
		CommandPayload{Op: OpDeleteVM, VMID: "vm-1"}, 5*time.Second)
	if !strerr.IsKind(err, strerr.KindAgentDisconnected) {
		t.Errorf("err = %v, want AgentDisconnected", err)
	}
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	sendFrame(t, ws, TypeHeartbeat, "", HeartbeatPayload{
		Available:      core.Resources{CPU: 3, Memory: 12 * core.GB, Disk: 200 * core.GB},
		RunningVMCount: 5,
		Timestamp:      time.Now().UTC(),
	})

	waitFor(t, "heartbeat applied", func() bool {
		a, ok := env.reg.Get("agent-1")
		return ok && a.RunningVMs == 5 && a.Available.CPU == 3
	})
}

func TestEventForwardedToHandler(t *testing.T) {
	env := newTestEnv(t)

	type agentEvent struct {
		agentID string
		payload EventPayload
	}
	got := make(chan agentEvent, 1)
	env.hub.SetEventHandler(func(agentID string, ev EventPayload) {
		got <- agentEvent{agentID, ev}
	})

	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	sendFrame(t, ws, TypeEvent, "", EventPayload{Kind: EventVMRunning, VMID: "vm-7"})

	select {
	case ev := <-got:
		if ev.agentID != "agent-1" || ev.payload.Kind != EventVMRunning || ev.payload.VMID != "vm-7" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the handler")
	}
}

func TestStaleStreamReplaced(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")

	first := env.mustDial(t, cert)
	waitFor(t, "first channel open", func() bool { return env.hub.Connected("agent-1") })

	second := env.mustDial(t, cert)

	// The old stream is force-closed; its next read fails.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("read on the replaced stream succeeded")
	}

	// The replacement stream carries traffic; the agent stays connected.
	if !env.hub.Connected("agent-1") {
		t.Fatal("agent lost connectivity after reconnect")
	}
	go replyLoop(second, func(CommandPayload) ReplyPayload {
		return ReplyPayload{Status: "ok"}
	})
	if _, err := env.hub.Request(context.Background(), "agent-1",
		CommandPayload{Op: OpStartVM, VMID: "vm-1"}, 5*time.Second); err != nil {
		t.Fatalf("Request on replacement stream: %v", err)
	}
}

func TestDisconnectStartsGraceWindow(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	ws := env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	sendFrame(t, ws, TypeRegister, "", RegisterPayload{
		Totals: core.Resources{CPU: 8, Memory: 32 * core.GB, Disk: 500 * core.GB},
	})
	waitFor(t, "agent online", func() bool {
		a, ok := env.reg.Get("agent-1")
		return ok && a.Status == core.AgentOnline
	})

	// A dropped stream leaves the agent in the reconnect grace, not offline;
	// the liveness sweeper owns the demotion.
	ws.Close()
	waitFor(t, "grace window entered", func() bool {
		a, ok := env.reg.Get("agent-1")
		return ok && a.Status == core.AgentConnecting
	})

	// Reconnecting inside the grace restores online without passing through
	// offline.
	ws2 := env.mustDial(t, cert)
	waitFor(t, "channel reopened", func() bool { return env.hub.Connected("agent-1") })
	sendFrame(t, ws2, TypeRegister, "", RegisterPayload{
		Totals: core.Resources{CPU: 8, Memory: 32 * core.GB, Disk: 500 * core.GB},
	})
	waitFor(t, "agent online again", func() bool {
		a, ok := env.reg.Get("agent-1")
		return ok && a.Status == core.AgentOnline
	})
}

func TestForcedDisconnectSkipsGrace(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")
	env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	env.hub.Disconnect("agent-1", "removed by operator")

	waitFor(t, "agent offline", func() bool {
		a, ok := env.reg.Get("agent-1")
		return ok && a.Status == core.AgentOffline
	})
}

func TestRejectsUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	// Valid certificate, but the agent was never registered.
	cert := env.issueCert(t, "stranger")

	if _, err := env.dial(t, cert); err == nil {
		t.Fatal("dial succeeded for an unregistered agent")
	}
}

func TestRejectsRevokedCertificate(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := env.ident.Revoke(leaf.SerialNumber.Text(16), "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := env.dial(t, cert); err == nil {
		t.Fatal("dial succeeded with a revoked certificate")
	}
}

func TestRevocationClosesLiveChannel(t *testing.T) {
	env := newTestEnv(t)
	cert := env.enrollAgent(t, "agent-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	env.mustDial(t, cert)
	waitFor(t, "channel open", func() bool { return env.hub.Connected("agent-1") })

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := env.ident.Revoke(leaf.SerialNumber.Text(16), "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	waitFor(t, "channel closed after revocation", func() bool {
		return !env.hub.Connected("agent-1")
	})
}

func TestFullSendQueueIsBusy(t *testing.T) {
	env := newTestEnv(t)

	// No write loop drains this conn, so the queue fills and stays full.
	conn := &agentConn{
		agentID: "agent-1",
		send:    make(chan Frame, sendBuffer),
		done:    make(chan struct{}),
	}
	env.hub.mu.Lock()
	env.hub.conns["agent-1"] = conn
	env.hub.mu.Unlock()

	for i := 0; i < sendBuffer; i++ {
		conn.send <- Frame{Type: TypeCommand}
	}

	_, err := env.hub.Request(context.Background(), "agent-1",
		CommandPayload{Op: OpStartVM, VMID: "vm-1"}, time.Second)
	if !strerr.IsKind(err, strerr.KindAgentBusy) {
		t.Errorf("err = %v, want AgentBusy", err)
	}
}
