// Package metrics holds the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Number of sessions currently registered",
	})
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_opened_total",
		Help: "Total successful connection opens",
	})
	ConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_closed_total",
		Help: "Total connection closes",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnect_attempts_total",
		Help: "Total reconnect attempts scheduled",
	})
	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_heartbeat_failures_total",
		Help: "Total failed heartbeat probes",
	})
	DecryptRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_decrypt_repairs_total",
		Help: "Total decryption repair attempts",
	})
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_processed_total",
		Help: "Total inbound messages processed",
	})
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_failed_total",
		Help: "Total inbound messages that failed processing",
	})
	RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_replies_sent_total",
		Help: "Total replies sent",
	})
)
