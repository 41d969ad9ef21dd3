/*
Package monitoring provides Prometheus metrics for the sandbox broker.

# Overview

Metrics are registered on an injected prometheus.Registerer so tests and
multiple broker instances never collide on the global registry.

# Metric Families

- broker_http_*: request count, latency and sizes, labelled by route template
- broker_sandbox_*: live handles, creates, destroys by reason, cache hits, evictions
- broker_provider_*: provisioning API calls and latency
- broker_cleanup_runs_total: cleanup sweeps by trigger (explicit, signal, exit)
- broker_telemetry_*: published and dropped entries, sessions, subscribers
- broker_ws_*: websocket connections and messages

A nil *Metrics records nothing.

# Usage

	reg := monitoring.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", monitoring.Handler(reg))

	timer := monitoring.NewTimer(metrics, "agentrun", "create")
	_, err := client.Create(ctx, template)
	timer.Stop(err)
*/
package monitoring
