// Package cleanup makes sure every sandbox the broker provisioned is
// destroyed exactly once, however the process ends.
//
// Triggers:
//   - explicit: Release, or Pool.Destroy directly
//   - signal: SignalHandler catches SIGINT/SIGTERM, runs RunAll within the
//     grace period and then re-raises the signal
//   - exit: Guard runs RunAll when the wrapped function returns or panics
//
// SIGKILL cannot be caught; the pool's idle sweep and the provider's own
// idle timeout reclaim what is left.
//
// Example Usage:
//
//	coord := cleanup.NewCoordinator(pool, cleanup.WithLogger(logger))
//	pool.SetTracker(coord)
//	sig := cleanup.NewSignalHandler(coord, logger, nil)
//	sig.Start()
//	defer sig.Stop()
//	return coord.Guard(run)
package cleanup
