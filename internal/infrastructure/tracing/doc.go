/*
Package tracing provides lightweight request tracing for the broker API.

# Overview

Every HTTP request gets a span. Trace context is taken from, and echoed
back in, the X-Trace-ID and X-Span-ID headers so a UI or agent framework
can correlate its own logs with broker logs. Finished spans are logged by a
collector goroutine; the submit path never blocks a request.

# Usage

	tracer := tracing.New("broker", logger.Component("trace"))
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	// inside a handler
	logger.Info("sandbox created", append(tracing.Fields(ctx), zap.String("sandbox_id", id))...)
*/
package tracing
