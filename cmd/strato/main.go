// Command strato is the control plane: management API, CA and enrollment,
// the mTLS agent channel listener, scheduler, quota ledger, and lifecycle
// coordination, all over a single bbolt database.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/samcat116/strato/internal/auth"
	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/channel"
	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/config"
	"github.com/samcat116/strato/internal/directory"
	"github.com/samcat116/strato/internal/enroll"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/identity"
	"github.com/samcat116/strato/internal/ledger"
	"github.com/samcat116/strato/internal/lifecycle"
	"github.com/samcat116/strato/internal/logging"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/notify"
	"github.com/samcat116/strato/internal/registry"
	"github.com/samcat116/strato/internal/scheduler"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/web"
)

var version = "dev"

// Exit codes: 0 clean shutdown, 1 configuration, 2 CA, 3 persistence,
// 4 permission store unreachable.
const (
	exitConfig          = 1
	exitCA              = 2
	exitPersistence     = 3
	exitPermissionStore = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}
	log := logging.New(cfg.LogJSON)
	log.Info("strato starting", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	ca, err := identity.EnsureCA(cfg.CADir, cfg.TrustDomain)
	if err != nil {
		log.Error("failed to load certificate authority", "dir", cfg.CADir, "error", err)
		os.Exit(exitCA)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DatabaseURL, "error", err)
		os.Exit(exitPersistence)
	}
	defer db.Close()

	oracle := authz.New(cfg.PermissionStoreEndpoint, cfg.PermissionStoreToken, log.Logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = oracle.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Error("permission store unreachable", "endpoint", cfg.PermissionStoreEndpoint, "error", err)
		os.Exit(exitPermissionStore)
	}

	clk := clock.Real{}
	bus := events.New()

	ident := identity.NewService(ca, db, bus, clk, log.Logger, cfg.CertMaxValidity)
	enr := enroll.New(db, ident, bus, clk, log.Logger, cfg.JoinTokenTTL)
	reg := registry.New(db, bus, clk, log.Logger, cfg.HeartbeatWindow)
	led := ledger.New(db, bus, clk, log.Logger, cfg.ReservationTTL)
	sched := scheduler.New(cfg.SchedulingStrategy, time.Now().UnixNano(), log.Logger)
	hub := channel.New(reg, ident, bus, clk, log.Logger)
	coord := lifecycle.New(db, oracle, led, sched, reg, hub, bus, clk, log.Logger, lifecycle.Config{
		CommitOnReserve: cfg.QuotaCommitPolicy == "on_reserve",
		ScheduleRetries: cfg.ScheduleRetries,
		CommandTimeout:  cfg.CommandTimeout,
	})
	hub.SetEventHandler(coord.HandleAgentEvent)
	dsvc := directory.New(db, oracle, clk, log.Logger)
	asvc := auth.New(db, clk, log.Logger, cfg.SessionTTL)

	// Restore in-memory state from the persisted tables before any agent
	// reconnects or request lands.
	if err := reg.Load(); err != nil {
		log.Error("failed to load agent registry", "error", err)
		os.Exit(exitPersistence)
	}
	if err := coord.Reconcile(); err != nil {
		log.Error("failed to reconcile holds", "error", err)
		os.Exit(exitPersistence)
	}

	// Notification fan-out: logs always, webhook and MQTT when configured.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Logger)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, nil))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(notify.MQTTSettings{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			Username: cfg.MQTTUser,
			Password: cfg.MQTTPass,
		}))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker)
	}
	notifier := notify.NewMulti(log.Logger, notifiers...)
	go notifier.Run(ctx, bus)

	go hub.Run(ctx)

	startSweepers(cfg, reg, led, asvc, ident, log)

	srv := web.New(web.Dependencies{
		Directory: dsvc,
		Lifecycle: coord,
		Ledger:    led,
		Registry:  reg,
		Enroll:    enr,
		Identity:  ident,
		Auth:      asvc,
		Authz:     oracle,
		Bus:       bus,
		Audit:     db,
		Clock:     clk,
		Log:       log.Logger,
	})
	go func() {
		if err := srv.ListenAndServe(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("management api error", "error", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()

	agentSrv, err := agentListener(cfg, ca, hub)
	if err != nil {
		log.Error("failed to build agent listener", "error", err)
		os.Exit(exitCA)
	}
	go func() {
		log.Info("agent channel listening", "addr", cfg.AgentAddr)
		if err := agentSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("agent listener error", "error", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = agentSrv.Shutdown(shutCtx)
	}()

	log.Info("strato started", "http", cfg.HTTPAddr, "agents", cfg.AgentAddr)
	<-ctx.Done()
	log.Info("strato shutting down")
}

// agentListener builds the mTLS server for agent channels. Client certs are
// requested but verified per-connection by the hub so revocation checks run
// against live state.
func agentListener(cfg *config.Config, ca *identity.CA, hub *channel.Hub) (*http.Server, error) {
	certPEM, keyPEM, err := ca.IssueServerCert("localhost")
	if err != nil {
		return nil, fmt.Errorf("issue server cert: %w", err)
	}
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.TrustBundlePEM()) {
		return nil, fmt.Errorf("build client ca pool")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /channel", hub)

	return &http.Server{
		Addr:    cfg.AgentAddr,
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates:          []tls.Certificate{serverCert},
			ClientCAs:             pool,
			ClientAuth:            tls.VerifyClientCertIfGiven,
			MinVersion:            tls.VersionTLS13,
			VerifyPeerCertificate: hub.VerifyPeerCertificate,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// startSweepers schedules the periodic jobs: liveness sweep, reservation
// expiry, session cleanup, CRL regeneration, and the optional textfile
// metrics export.
func startSweepers(cfg *config.Config, reg *registry.Registry, led *ledger.Ledger,
	asvc *auth.Service, ident *identity.Service, log *logging.Logger) {
	c := cron.New(cron.WithSeconds())

	sweepSpec := fmt.Sprintf("@every %s", cfg.SweepInterval)
	_, _ = c.AddFunc(sweepSpec, func() {
		if n := reg.SweepOffline(); n > 0 {
			log.Info("marked agents offline", "count", n)
		}
	})
	_, _ = c.AddFunc("@every 30s", func() {
		if n := led.SweepExpired(); n > 0 {
			log.Info("expired reservations released", "count", n)
		}
	})
	_, _ = c.AddFunc("@every 10m", func() {
		if n := asvc.SweepSessions(); n > 0 {
			log.Info("expired sessions removed", "count", n)
		}
	})
	// Refresh the cached CRL well inside its 24h validity so GET /crl never
	// serves a stale artifact even without new revocations.
	_, _ = c.AddFunc("@every 1h", func() {
		if _, err := ident.GenerateCRL(); err != nil {
			log.Error("crl regeneration failed", "error", err)
		}
	})
	if cfg.TextfilePath != "" {
		_, _ = c.AddFunc("@every 1m", func() {
			if err := metrics.WriteTextfile(cfg.TextfilePath); err != nil {
				log.Error("textfile export failed", "error", err)
			}
		})
	}

	c.Start()
}
