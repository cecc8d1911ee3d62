// Package metrics holds the Prometheus instruments of the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settle_build_info",
			Help: "Build information of the settlement engine",
		},
		[]string{"version"},
	)

	IssuanceHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settle_issuance_height",
			Help: "Current issuance height counter",
		},
	)

	IssuanceSupply = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settle_issuance_cumulative_supply",
			Help: "Cumulative issued supply at the current height",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settle_claims_total",
			Help: "Total number of submitted attestation claims by outcome",
		},
		[]string{"outcome"},
	)

	QuorumResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settle_quorum_resolutions_total",
			Help: "Total number of quorum keys resolved by resolution",
		},
		[]string{"resolution"},
	)

	PeriodsSettledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settle_periods_settled_total",
			Help: "Total number of reward periods settled",
		},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settle_transfers_total",
			Help: "Total number of bridge transfer transitions by status",
		},
		[]string{"status"},
	)

	InstructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settle_instructions_total",
			Help: "Total number of outbound instructions by kind and delivery status",
		},
		[]string{"kind", "status"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settle_errors_total",
			Help: "Total number of rejected operations by error kind and code",
		},
		[]string{"kind", "code"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settle_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)
)
