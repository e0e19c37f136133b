package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics captures counters and latency for the settlement
// proposal lifecycle.
type SettlementMetrics struct {
	proposals     *prometheus.CounterVec
	executions    *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	yieldWarnings *prometheus.CounterVec
	executeTime   *prometheus.HistogramVec
}

// GatewayMetrics captures counters for the institutional mint/redeem fast
// path.
type GatewayMetrics struct {
	mints   *prometheus.CounterVec
	redeems *prometheus.CounterVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	gatewayOnce sync.Once
	gatewayReg  *GatewayMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kam",
				Subsystem: "settlement",
				Name:      "proposals_total",
				Help:      "Total settlement proposals segmented by vault and outcome.",
			}, []string{"vault", "outcome"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kam",
				Subsystem: "settlement",
				Name:      "executions_total",
				Help:      "Total settlement executions segmented by vault and outcome.",
			}, []string{"vault", "outcome"}),
			cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kam",
				Subsystem: "settlement",
				Name:      "cancellations_total",
				Help:      "Total guardian cancellations segmented by vault.",
			}, []string{"vault"}),
			yieldWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kam",
				Subsystem: "settlement",
				Name:      "yield_warnings_total",
				Help:      "Proposals whose yield deviation exceeded the configured tolerance.",
			}, []string{"vault"}),
			executeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "kam",
				Subsystem: "settlement",
				Name:      "execute_duration_seconds",
				Help:      "Latency distribution for settlement execution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"vault"}),
		}
		prometheus.MustRegister(
			settlementReg.proposals,
			settlementReg.executions,
			settlementReg.cancellations,
			settlementReg.yieldWarnings,
			settlementReg.executeTime,
		)
	})
	return settlementReg
}

// Gateway returns the lazily-initialised institutional gateway metrics
// registry.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayReg = &GatewayMetrics{
			mints: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kam",
				Subsystem: "gateway",
				Name:      "mints_total",
				Help:      "Immediate institutional mints segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kam",
				Subsystem: "gateway",
				Name:      "redeem_requests_total",
				Help:      "Redemption lifecycle transitions segmented by asset and stage.",
			}, []string{"asset", "stage"}),
		}
		prometheus.MustRegister(gatewayReg.mints, gatewayReg.redeems)
	})
	return gatewayReg
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

// RecordProposal increments the proposal counter for the vault.
func (m *SettlementMetrics) RecordProposal(vault, outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(normalizeLabel(vault), normalizeLabel(outcome)).Inc()
}

// RecordExecution increments the execution counter and observes latency.
func (m *SettlementMetrics) RecordExecution(vault, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := normalizeLabel(vault)
	m.executions.WithLabelValues(label, normalizeLabel(outcome)).Inc()
	m.executeTime.WithLabelValues(label).Observe(elapsed.Seconds())
}

// RecordCancellation increments the guardian cancellation counter.
func (m *SettlementMetrics) RecordCancellation(vault string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(normalizeLabel(vault)).Inc()
}

// RecordYieldWarning increments the tolerance breach counter.
func (m *SettlementMetrics) RecordYieldWarning(vault string) {
	if m == nil {
		return
	}
	m.yieldWarnings.WithLabelValues(normalizeLabel(vault)).Inc()
}

// RecordMint increments the gateway mint counter.
func (m *GatewayMetrics) RecordMint(asset, outcome string) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(normalizeLabel(asset), normalizeLabel(outcome)).Inc()
}

// RecordRedeem increments the redemption stage counter.
func (m *GatewayMetrics) RecordRedeem(asset, stage string) {
	if m == nil {
		return
	}
	m.redeems.WithLabelValues(normalizeLabel(asset), normalizeLabel(stage)).Inc()
}
