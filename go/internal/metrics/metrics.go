package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Time oracle metrics
var (
	// OracleAttemptsTotal counts oracle source attempts by source and result
	OracleAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastclick_oracle_attempts_total",
			Help: "Time oracle attempts by source and result",
		},
		[]string{"source", "result"},
	)

	// OracleSynced is 1 once the oracle produced its first offset
	OracleSynced = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastclick_oracle_synced",
			Help: "1 once any time source has been read successfully",
		},
	)

	// OracleOffsetMillis is the latest oracle minus local clock delta
	OracleOffsetMillis = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastclick_oracle_offset_milliseconds",
			Help: "Oracle time minus local time at the last successful refresh",
		},
	)
)

// Window and ledger metrics
var (
	// VisitCreditsTotal counts credit calls; result is "new" or "repeat"
	VisitCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastclick_visit_credits_total",
			Help: "Visit credit calls by outcome",
		},
		[]string{"result"},
	)

	// PayoutIndex is the current 1-based payout cycle index
	PayoutIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastclick_payout_index",
			Help: "Current payout cycle index",
		},
	)

	CountdownResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lastclick_countdown_resets_total",
			Help: "Countdown resets applied locally",
		},
	)

	// PersistFailuresTotal counts best-effort meta writes that failed, by key kind
	PersistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastclick_persist_failures_total",
			Help: "Failed best-effort persistence writes by key kind",
		},
		[]string{"kind"},
	)
)

// Broadcast metrics
var (
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastclick_subscribers_current",
			Help: "Currently subscribed snapshot observers",
		},
	)

	// DroppedSubscribersTotal counts subscribers removed after a failed push
	DroppedSubscribersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lastclick_dropped_subscribers_total",
			Help: "Subscribers dropped after a failed push",
		},
	)

	// EventsTotal counts cross-instance events by direction, type and status
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lastclick_events_total",
			Help: "Cross-instance events by direction, type and status",
		},
		[]string{"direction", "type", "status"},
	)
)
