package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sessionkit", Name: "rate_limit_allowed_total", Help: "Number of allowed operations by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sessionkit", Name: "rate_limit_rejected_total", Help: "Number of rejected operations by limiter type."},
		[]string{"limiter"},
	)
	TokenRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sessionkit", Name: "token_refresh_total", Help: "Token refresh attempts by outcome (ok, failed, coalesced)."},
		[]string{"outcome"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sessionkit", Name: "session_transitions_total", Help: "Session state transitions by target state."},
		[]string{"state"},
	)
	PeerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sessionkit", Name: "peer_messages_total", Help: "Cross-peer broadcast messages by direction and type."},
		[]string{"direction", "type"},
	)
	OfflineReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "sessionkit", Name: "offline_replays_total", Help: "Queued offline actions replayed after reconnect, by outcome."},
		[]string{"outcome"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(TokenRefresh)
	reg.MustRegister(SessionTransitions)
	reg.MustRegister(PeerMessages)
	reg.MustRegister(OfflineReplays)
}
