// Package telemetry streams structured log entries from a sandbox session
// to any number of live viewers.
//
// The Hub keeps a ring buffer per session, so a viewer that joins late or
// reconnects gets the recent history before live entries. Each viewer has a
// bounded queue; a viewer that falls behind loses its oldest queued entries
// rather than slowing publishers down.
//
// Publishers:
//   - Hub: in-process buffer and fan-out
//   - Remote: posts to a hub served by another process
//   - Nop: discards everything
//
// Example Usage:
//
//	hub := telemetry.NewHub(1000, 256, telemetry.WithLogger(logger))
//	log := telemetry.NewLogger(hub, sessionID)
//	log.Step(ctx, "opening %s", url)
//
//	sub, err := hub.Subscribe(sessionID)
//	defer sub.Close()
//	for {
//		e, err := sub.Next(ctx)
//		...
//	}
package telemetry
