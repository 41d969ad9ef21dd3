// Package middleware provides the gin middleware in front of the broker's
// management and telemetry API.
//
// Middleware:
//   - CORS: cross-origin access for the web UI (gin-contrib/cors)
//   - RateLimit: per-IP token buckets; idle clients are forgotten after
//     ClientTTL, and probe, scrape and websocket paths are exempt
//   - GlobalRateLimit: one bucket shared by every client
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.CORSFromOrigins(cfg.Server.CORSOrigins)))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
