// Package ws streams session logs to viewers over WebSocket.
//
// A viewer connects to /ws/log/{session_id}, optionally with ?since=N to
// skip entries it already has. It first receives the buffered history and
// then live entries, in sequence order and without gaps or duplicates.
//
// Message Types (Server → Client):
//   - connected: the subscription is live
//   - log: one entry with level, message, timestamp, sequence and extra
//   - pong: answer to a client ping
//
// Message Types (Client → Server):
//   - ping: keep-alive
//
// Example Usage:
//
//	handler := ws.NewHandler(hub, metrics, logger)
//	router.GET("/ws/log/:session_id", handler.HandleConnection)
package ws
