/*
Package monitoring provides Prometheus metrics collection.

# Overview

This package tracks HTTP requests, sandbox lifecycle, execution turns,
membrane proxy activity, and WebSocket console streams. Each Metrics
instance owns its own registry so independent servers and tests never
collide on registration.

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record sandbox activity
	metrics.IncSandboxesTotal()
	metrics.RecordExecution("ok", duration)

The collector implements the membrane recorder interface, so it can be
handed to a sandbox directly to count proxies, denials and terminations.

# Metrics Endpoint

Expose metrics from the owned registry:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
