package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VisitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_visits_total",
		Help: "Referral visits by outcome (accepted, not_found, hard_rejected).",
	}, []string{"outcome"})

	VisitsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_visits_rejected_total",
		Help: "Hard rejected visits by screening reason.",
	}, []string{"reason"})

	SoftFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_soft_flags_total",
		Help: "Soft flags raised on accepted visits.",
	}, []string{"flag"})

	SelfClicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_self_clicks_total",
		Help: "Self-clicks detected, labelled by the store that held the evidence.",
	}, []string{"source"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_confirmations_total",
		Help: "Platform confirmations by outcome.",
	}, []string{"outcome"})

	Degraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_infrastructure_degraded_total",
		Help: "Reads or writes that failed and were treated as absent evidence.",
	}, []string{"store"})

	ArbitrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "referral_arbitration_duration_ms",
		Help:    "Visit arbitration latency in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	IdentityRowsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "referral_identity_rows_purged_total",
		Help: "Identity history rows removed by the retention purge.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_http_requests_total",
		Help: "HTTP requests by route pattern and status class.",
	}, []string{"route", "status"})

	OutboxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "referral_outbox_messages_total",
		Help: "Outbox deliveries by result (published, failed, dead_lettered).",
	}, []string{"result"})
)
