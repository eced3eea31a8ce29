package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure|challenge).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountcore_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// TwoFactorChallenges counts second-factor verifications by proof kind and outcome.
	TwoFactorChallenges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountcore_two_factor_challenges_total",
			Help: "Total number of two-factor challenge verifications",
		},
		[]string{"kind", "result"},
	)

	// EmailVerifications counts verification-token redemptions by outcome.
	EmailVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountcore_email_verifications_total",
			Help: "Total number of email verification redemptions",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountcore_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accountcore_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
