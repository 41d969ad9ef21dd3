// Package config provides 12-factor configuration for the sandbox broker.
//
// Values are resolved in three layers, lowest precedence first:
//  1. Default()
//  2. an optional YAML or TOML file named by CONFIG_FILE
//  3. environment variables
//
// Configuration Sections:
//   - Server: listen address, shutdown timeout, connection cap
//   - Sandbox: template, idle timeout, sweep interval, remote call timeouts
//   - Provider: agentrun credentials/endpoint or the local provider
//   - Telemetry: ring buffer and subscriber queue sizes
//   - Cleanup: signal grace period
//   - Logging, RateLimit
//
// Durations are written as Go duration strings ("600s", "2m").
//
// Environment Variables:
//   - PORT, HOST, SHUTDOWN_TIMEOUT, MAX_CONNECTIONS
//   - SANDBOX_TEMPLATE, SANDBOX_IDLE_TIMEOUT, SANDBOX_SWEEP_INTERVAL,
//     SANDBOX_CREATE_TIMEOUT, SANDBOX_DESTROY_TIMEOUT, SANDBOX_VERIFY_LIVENESS
//   - PROVIDER, AGENTRUN_ENDPOINT, AGENTRUN_ACCOUNT_ID, AGENTRUN_ACCESS_KEY_ID,
//     AGENTRUN_ACCESS_KEY_SECRET, AGENTRUN_REGION, PROVIDER_RPS, LOCAL_BASE_URL
//   - TELEMETRY_BUFFER_SIZE, TELEMETRY_QUEUE_SIZE, TELEMETRY_ENDPOINT
//   - CLEANUP_GRACE_PERIOD
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - RATE_LIMIT_GLOBAL_RPS, RATE_LIMIT_GLOBAL_BURST (all clients together, 0 disables)
package config
