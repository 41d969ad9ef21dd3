// Package sandbox manages the lifecycle of remote browser sandboxes keyed by
// conversation.
//
// A Pool maps a SessionKey (user, session, thread) to at most one live
// Handle. It provisions on a miss, hands out copies on a hit and destroys
// handles on request, on idle expiry or at shutdown.
//
// Handle States:
//   - provisioning: Create is in flight; recorded on the key, see Pool.KeyState
//   - active: live and recently used
//   - idle: picked by the sweeper, about to be destroyed
//   - destroying: remote Destroy in flight
//   - destroyed: gone, never handed out again
//
// Locking:
//   - Pool.mu guards the key and id maps and every handle field
//   - each key has its own mutex held for the whole of GetOrCreate and
//     Destroy, so provisioning for one key never blocks another
//
// Example Usage:
//
//	pool := sandbox.NewPool(provider, sandbox.PoolConfig{IdleTimeout: 10 * time.Minute},
//		sandbox.WithLogger(logger), sandbox.WithMetrics(metrics))
//	go pool.Run(ctx)
//	h, isNew, err := pool.GetOrCreate(ctx, key, sandbox.Config{})
package sandbox
