package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strato_agents",
		Help: "Number of registered agents by status.",
	}, []string{"status"})
	VMsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strato_vms",
		Help: "Number of VMs by runtime state.",
	}, []string{"state"})
	SchedulingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strato_scheduling_decisions_total",
		Help: "Total scheduling decisions by strategy and outcome.",
	}, []string{"strategy", "outcome"})
	SchedulingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strato_scheduling_duration_seconds",
		Help:    "Duration of agent selection.",
		Buckets: prometheus.DefBuckets,
	})
	ReservationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strato_ledger_reservations_active",
		Help: "Number of pending or committed ledger reservations.",
	})
	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strato_ledger_reservations_expired_total",
		Help: "Total reservations auto-released by the TTL sweeper.",
	})
	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strato_quota_rejections_total",
		Help: "Total reservations rejected for lack of quota headroom.",
	})
	ChannelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strato_channel_messages_total",
		Help: "Total agent channel messages by direction and type.",
	}, []string{"direction", "type"})
	ChannelRequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strato_channel_request_timeouts_total",
		Help: "Total agent requests that timed out waiting for a reply.",
	})
	CertsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strato_certs_issued_total",
		Help: "Total agent certificates issued.",
	})
	CertsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strato_certs_revoked_total",
		Help: "Total agent certificates revoked.",
	})
	AuthzChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strato_authz_checks_total",
		Help: "Total permission oracle checks by result.",
	}, []string{"result"})
	AuthzCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strato_authz_check_duration_seconds",
		Help:    "Latency of permission oracle checks.",
		Buckets: prometheus.DefBuckets,
	})
	LifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strato_lifecycle_operations_total",
		Help: "Total VM lifecycle operations by op and outcome.",
	}, []string{"op", "outcome"})
)
