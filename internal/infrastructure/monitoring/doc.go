/*
Package monitoring provides metrics collection for the extension host.

# Overview

Prometheus metrics live on a private registry owned by each Metrics value,
so that tests and embedded hosts never collide on global registration.

# Features

- Lifecycle counters (loads, activations, deactivations, kills)
- Watchdog violations by type
- Capability call latency, status and pending count
- IPC message and protocol error counters
- Host process RSS/CPU via gopsutil
- Admin HTTP request metrics (gin middleware)

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	done := metrics.TimeAPICall("storage", "get")
	// ... perform call ...
	done("ok")
*/
package monitoring
