// Package sandbox provides the provisioning backends that allocate remote
// browser sandboxes for the broker.
//
// Providers:
//   - AgentRun: HTTP client for the AgentRun control plane, with a retrying
//     transport for idempotent calls, a circuit breaker and a rate limiter
//   - Local: in-process provider for development and tests
//
// Both implement Provider and StatusChecker. Endpoint helpers normalize the
// CDP and VNC URLs an answer carries and fill in the ones it omits.
//
// Example Usage:
//
//	provider := sandbox.NewAgentRun(sandbox.AgentRunConfig{
//		AccountID: "1234",
//		Region:    "cn-hangzhou",
//	}, metrics, logger)
//	inst, err := provider.Create(ctx, sandbox.CreateRequest{Template: "browser-sandbox"})
package sandbox
