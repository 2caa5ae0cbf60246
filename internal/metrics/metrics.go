package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginsStarted counts consent flows initiated from chat.
	LoginsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentbot_logins_started_total",
			Help: "The total number of login flows started from chat.",
		},
		[]string{"provider"},
	)

	// Callbacks counts browser callbacks by outcome.
	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentbot_callbacks_total",
			Help: "The total number of OAuth callbacks received, by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// Verifications counts verification-code confirmations by outcome.
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentbot_verifications_total",
			Help: "The total number of verification code confirmations, by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// Refreshes counts refresh-token redemptions by trigger and outcome.
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consentbot_token_refreshes_total",
			Help: "The total number of refresh token redemptions, by trigger and outcome.",
		},
		[]string{"provider", "trigger", "outcome"},
	)

	// RedemptionDuration is a histogram of authorization-code redemption time.
	RedemptionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consentbot_code_redemption_duration_seconds",
			Help:    "A histogram of authorization code redemption duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// RefreshJobsInFlight gauges background refresh jobs currently running.
	RefreshJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consentbot_refresh_jobs_in_flight",
			Help: "The number of background token refresh jobs currently running.",
		},
	)
)

// Callback outcomes.
const (
	OutcomeAccepted      = "accepted"
	OutcomeStateMismatch = "state_mismatch"
	OutcomeRedeemFailed  = "redeem_failed"
	OutcomeSessionError  = "session_error"
)

// Verification outcomes.
const (
	OutcomeValidated = "validated"
	OutcomeReplay    = "replay"
	OutcomeRejected  = "rejected"
)

// Refresh triggers and outcomes.
const (
	TriggerLazy       = "lazy"
	TriggerBackground = "background"
	OutcomeOK         = "ok"
	OutcomeFailed     = "failed"
)
