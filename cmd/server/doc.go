// Package main is the entry point for the sandbox session broker.
//
// The broker hands each (user, session, thread) one browser sandbox,
// reuses it across requests, reclaims it when idle and destroys everything
// it still holds on shutdown. It also relays per-session agent logs to
// live viewers.
//
// Architecture:
//
//	Agent → Broker REST API → Sandbox provider (AgentRun or local)
//	Agent → POST /api/log/{id} → Telemetry hub → /ws/log/{id} → Viewer
//
// Commands:
//   - serve (default): run the HTTP server
//   - tail: stream a session's logs to the terminal
//   - emit: publish one log entry
//   - version: print the build version
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional YAML or TOML file via CONFIG_FILE or --config
//   - CLI flags override both
//
// Usage:
//
//	broker serve --port 8000 --provider agentrun
//	broker tail sb_01J... --since 40
//	broker emit sb_01J... action "clicked login"
//
// Signals:
//   - SIGINT, SIGTERM: destroy live sandboxes, then exit with the signal
package main
