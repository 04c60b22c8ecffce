package x402

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "x402"

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// unboundNetwork labels verifications rejected before the proof matched a
// declared requirement.
const unboundNetwork = "unknown"

// verificationResults is the closed set of result label values. Anything else,
// such as a facilitator's free-form reason, is recorded as "other".
var verificationResults = map[string]bool{
	"valid":                      true,
	ReasonInsufficientAmount:     true,
	ReasonInvalidSignature:       true,
	ReasonInvalidPayload:         true,
	ReasonInvalidRequirements:    true,
	ReasonExpired:                true,
	ReasonNotYetValid:            true,
	ReasonAssetMismatch:          true,
	ReasonNetworkMismatch:        true,
	ReasonRecipientMismatch:      true,
	ReasonNoMatchingRequirement:  true,
	ReasonUnsupportedScheme:      true,
	ReasonTimeout:                true,
	ReasonFacilitatorUnreachable: true,
	ReasonFacilitatorProtocol:    true,
	ReasonInvalidContext:         true,
	ReasonCanceled:               true,
}

func resultLabel(result string) string {
	if verificationResults[result] {
		return result
	}
	return "other"
}

// Metrics groups the resource server's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	Verifications        *prometheus.CounterVec
	VerificationDuration *prometheus.HistogramVec
	HandlerOutcomes      *prometheus.CounterVec
	Settlements          *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verifications_total",
			Help:      "Payment verifications by network and result.",
		}, []string{"network", "result"}),
		VerificationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "verification_duration_seconds",
			Help:      "Time spent in scheme verification.",
			Buckets:   durationBuckets,
		}, []string{"network"}),
		HandlerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_outcomes_total",
			Help:      "Protected handler outcomes after successful verification.",
		}, []string{"result"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by network and status.",
		}, []string{"network", "status"}),
		SettlementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time spent in scheme settlement.",
			Buckets:   durationBuckets,
		}, []string{"network"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Verifications,
			m.VerificationDuration,
			m.HandlerOutcomes,
			m.Settlements,
			m.SettlementDuration,
		)
	}
	return m
}

func (m *Metrics) observeVerification(network, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(network, resultLabel(result)).Inc()
	if d > 0 {
		m.VerificationDuration.WithLabelValues(network).Observe(d.Seconds())
	}
}

func (m *Metrics) observeHandler(succeeded bool) {
	if m == nil {
		return
	}
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	m.HandlerOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeSettlement(network string, status SettlementStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(network, status.String()).Inc()
	m.SettlementDuration.WithLabelValues(network).Observe(d.Seconds())
}
