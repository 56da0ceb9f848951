// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfoal_gateway_rpc_requests_total",
			Help: "RPC requests handled, by method and result code",
		},
		[]string{"method", "code"},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openfoal_gateway_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	agentRunsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openfoal_gateway_agent_runs_inflight",
			Help: "Agent runs currently executing",
		},
	)

	idempotencyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfoal_gateway_idempotency_total",
			Help: "Idempotency cache outcomes (replay, conflict, stored)",
		},
		[]string{"outcome"},
	)

	jwksFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfoal_gateway_jwks_fetch_total",
			Help: "Key set fetches against the external identity provider",
		},
		[]string{"result"},
	)

	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfoal_gateway_auth_failures_total",
			Help: "Authentication and authorization failures by code",
		},
		[]string{"code"},
	)
)

// Register registers every gateway collector plus the Go and process
// collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		rpcRequestsTotal,
		wsConnections,
		agentRunsInflight,
		idempotencyTotal,
		jwksFetchTotal,
		authFailuresTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns an HTTP handler serving the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RPC records one handled request. code is "OK" for successes.
func RPC(method, code string) { rpcRequestsTotal.WithLabelValues(method, code).Inc() }

// WSOpened and WSClosed track open sockets.
func WSOpened() { wsConnections.Inc() }
func WSClosed() { wsConnections.Dec() }

// RunStarted and RunFinished track in-flight agent runs.
func RunStarted()  { agentRunsInflight.Inc() }
func RunFinished() { agentRunsInflight.Dec() }

// Idempotency records a cache outcome.
func Idempotency(outcome string) { idempotencyTotal.WithLabelValues(outcome).Inc() }

// JWKSFetch records a key set fetch.
func JWKSFetch(ok bool) {
	if ok {
		jwksFetchTotal.WithLabelValues("ok").Inc()
		return
	}
	jwksFetchTotal.WithLabelValues("error").Inc()
}

// AuthFailure records a rejected authentication or authorization.
func AuthFailure(code string) { authFailuresTotal.WithLabelValues(code).Inc() }
