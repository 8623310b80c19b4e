// Command strato-agent is the reference node agent. It enrolls against the
// management API with a one-time join token, then holds an mTLS WebSocket
// channel to the control plane and simulates guest lifecycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samcat116/strato/internal/agent"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/logging"
)

func main() {
	var (
		agentID       = flag.String("id", "", "agent identifier (required)")
		managementURL = flag.String("management-url", "https://localhost:8080", "management API base URL")
		channelURL    = flag.String("channel-url", "wss://localhost:8443/channel", "agent channel endpoint")
		joinToken     = flag.String("join-token", os.Getenv("STRATO_JOIN_TOKEN"), "one-time enrollment token")
		dataDir       = flag.String("data-dir", "/var/lib/strato-agent", "certificate and key storage")
		hostname      = flag.String("hostname", "", "reported hostname (default: os hostname)")
		capabilities  = flag.String("capabilities", "kvm", "comma-separated capability list")
		cpu           = flag.Int("cpu", 8, "total schedulable vCPUs")
		memoryGB      = flag.Int("memory-gb", 32, "total schedulable memory in GiB")
		diskGB        = flag.Int("disk-gb", 500, "total schedulable disk in GiB")
		heartbeat     = flag.Duration("heartbeat", 15*time.Second, "heartbeat interval")
		bootDelay     = flag.Duration("boot-delay", 2*time.Second, "simulated guest boot time")
		logJSON       = flag.Bool("log-json", false, "emit JSON logs")
	)
	flag.Parse()

	log := logging.New(*logJSON)

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "strato-agent: -id is required")
		flag.Usage()
		os.Exit(1)
	}
	host := *hostname
	if host == "" {
		host, _ = os.Hostname()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a := agent.New(agent.Config{
		AgentID:       *agentID,
		ManagementURL: strings.TrimRight(*managementURL, "/"),
		ChannelURL:    *channelURL,
		JoinToken:     *joinToken,
		DataDir:       *dataDir,
		Hostname:      host,
		Capabilities:  splitList(*capabilities),
		Totals: core.Resources{
			CPU:    *cpu,
			Memory: int64(*memoryGB) << 30,
			Disk:   int64(*diskGB) << 30,
		},
		Heartbeat: *heartbeat,
		BootDelay: *bootDelay,
	}, log.Logger)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
