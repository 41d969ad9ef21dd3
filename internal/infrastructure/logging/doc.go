// Package logging provides structured logging using uber/zap.
//
// Two output modes are supported:
//   - Production: JSON output for log shippers
//   - Development: colored console output
//
// Components receive a *zap.Logger (usually via Logger.Component) and
// attach sandbox_id / session_id fields rather than formatting messages.
//
// Example Usage:
//
//	logger := logging.NewFromSettings(cfg.Logging.Level, cfg.Logging.Development)
//	logger.Info("broker starting", zap.String("port", cfg.Server.Port))
//	pool := sandbox.NewPool(provider, poolCfg, sandbox.WithLogger(logger.Component("pool")))
package logging
