// Package agent is the reference node agent: it enrolls with a join token,
// opens the mTLS WebSocket channel to the control plane, heartbeats, and
// drives a simulated hypervisor in response to lifecycle commands.
package agent

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/samcat116/strato/internal/channel"
	"github.com/samcat116/strato/internal/core"
)

// Config is everything the agent needs to join and serve a fleet.
type Config struct {
	AgentID       string
	ManagementURL string // http(s) base of the management API, for enrollment
	ChannelURL    string // wss endpoint of the agent channel listener
	JoinToken     string // required for first enrollment only
	DataDir       string // certificate and key storage
	Hostname      string
	Version       string
	Capabilities  []string
	Totals        core.Resources
	Heartbeat     time.Duration // interval, default 15s
	BootDelay     time.Duration // simulated guest boot time, default 2s
}

// Agent runs the enrollment and channel loops.
type Agent struct {
	cfg Config
	log *slog.Logger
	hv  *hypervisor

	certPath, keyPath, caPath string

	writeMu sync.Mutex
	ws      *websocket.Conn
}

func New(cfg Config, log *slog.Logger) *Agent {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.BootDelay <= 0 {
		cfg.BootDelay = 2 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		log:      log.With("component", "agent", "agent", cfg.AgentID),
		hv:       newHypervisor(cfg.Totals, cfg.BootDelay),
		certPath: filepath.Join(cfg.DataDir, "agent.crt"),
		keyPath:  filepath.Join(cfg.DataDir, "agent.key"),
		caPath:   filepath.Join(cfg.DataDir, "ca.crt"),
	}
}

// Run enrolls if needed and then keeps a channel session alive, reconnecting
// with exponential backoff. Blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if !a.isEnrolled() {
		if a.cfg.JoinToken == "" {
			return fmt.Errorf("not enrolled and no join token provided")
		}
		a.log.Info("not enrolled, starting enrollment")
		if err := a.enroll(ctx); err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}
		a.log.Info("enrollment complete")
	}

	bo := newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionStart := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A session that held for a minute was healthy; start the next
		// reconnect attempt fast.
		if time.Since(sessionStart) > time.Minute {
			bo.reset()
		}

		wait := bo.next()
		a.log.Warn("session ended, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (a *Agent) isEnrolled() bool {
	for _, p := range []string{a.certPath, a.keyPath, a.caPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// enroll generates a key pair, posts a CSR with the join token, and persists
// the returned credentials. The key is written last so a partial write
// leaves the agent cleanly unenrolled.
func (a *Agent) enroll(ctx context.Context) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: a.cfg.AgentID},
	}, key)
	if err != nil {
		return fmt.Errorf("create csr: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"token": a.cfg.JoinToken,
		"csr":   csrDER,
	})
	if err != nil {
		return fmt.Errorf("marshal enroll request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.ManagementURL+"/enroll", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build enroll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// No CA to verify against yet; it arrives in the response. The join
	// token is single-use so an interceptor gains one certificate at most,
	// which revocation undoes.
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}, //nolint:gosec
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("enroll request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("enrollment rejected: %s (%s)", resp.Status, apiErr.Error)
	}

	var res struct {
		AgentID string `json:"agent_id"`
		Cert    string `json:"cert"`
		CACert  string `json:"ca_cert"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode enroll response: %w", err)
	}
	if res.AgentID != a.cfg.AgentID {
		return fmt.Errorf("enrolled as %q, expected %q", res.AgentID, a.cfg.AgentID)
	}

	if err := os.WriteFile(a.caPath, []byte(res.CACert), 0600); err != nil {
		return fmt.Errorf("write ca cert: %w", err)
	}
	if err := os.WriteFile(a.certPath, []byte(res.Cert), 0600); err != nil {
		return fmt.Errorf("write agent cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(a.keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write agent key: %w", err)
	}
	return nil
}

// runSession dials the channel, registers, and serves heartbeats, commands,
// and hypervisor events until the connection drops.
func (a *Agent) runSession(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(a.certPath, a.keyPath)
	if err != nil {
		return fmt.Errorf("load agent cert/key: %w", err)
	}
	caPEM, err := os.ReadFile(a.caPath)
	if err != nil {
		return fmt.Errorf("read ca cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("parse ca cert")
	}

	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS13,
		},
		HandshakeTimeout: 15 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, a.cfg.ChannelURL, nil)
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}
	a.ws = ws
	defer func() {
		a.ws = nil
		ws.Close()
	}()

	if err := a.send(channel.TypeRegister, "", channel.RegisterPayload{
		Hostname:     a.cfg.Hostname,
		Version:      a.cfg.Version,
		Capabilities: a.cfg.Capabilities,
		Totals:       a.cfg.Totals,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.log.Info("channel established")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessCtx)
	go a.eventLoop(sessCtx)

	for {
		var frame channel.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if frame.Type != channel.TypeCommand {
			continue
		}
		var cmd channel.CommandPayload
		if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
			a.log.Warn("bad command payload", "error", err)
			continue
		}
		reply := a.hv.Apply(cmd)
		a.log.Info("command", "op", cmd.Op, "vm", cmd.VMID, "status", reply.Status)
		if err := a.send(channel.TypeReply, frame.ID, reply); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			avail, running := a.hv.Usage()
			err := a.send(channel.TypeHeartbeat, "", channel.HeartbeatPayload{
				Available:      avail,
				RunningVMCount: running,
				Timestamp:      time.Now().UTC(),
			})
			if err != nil {
				return
			}
		}
	}
}

func (a *Agent) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.hv.Events:
			if err := a.send(channel.TypeEvent, "", ev); err != nil {
				return
			}
		}
	}
}

// send serializes writes across the heartbeat, event, and reply paths.
func (a *Agent) send(frameType, id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	frame := channel.Frame{Type: frameType, ID: id, AgentID: a.cfg.AgentID, Payload: raw}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	ws := a.ws
	if ws == nil {
		return fmt.Errorf("no active session")
	}
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(frame)
}

// backoff implements capped exponential reconnect delays:
// 1s, 2s, 4s, ... 30s.
type backoff struct {
	attempt  int
	base     time.Duration
	maxDelay time.Duration
}

func newBackoff() *backoff {
	return &backoff{base: time.Second, maxDelay: 30 * time.Second}
}

func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base << uint(shift)
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}
	b.attempt++
	return delay
}

func (b *backoff) reset() { b.attempt = 0 }
