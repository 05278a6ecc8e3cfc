// Package connection implements the WebSocket transport layer.
//
// A Client owns exactly one connection to an exchange stream endpoint:
//   - Delivers every inbound text frame, timestamped, on Messages()
//   - Surfaces read errors and close frames on Errors()
//   - Records the last-activity time on every inbound frame, including
//     ping/pong control frames, for the supervisor's idle watchdog
//
// Clients are single-use: after a connection dies the supervisor discards
// the Client and dials a fresh one. Reconnection policy lives in the
// supervisor, not here.
package connection
