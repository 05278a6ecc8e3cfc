// Package supervisor implements the connection-lifecycle supervisor.
//
// One Supervisor owns one exchange stream for its whole lifetime:
//   - Fetches the exchange's market map (bounded retries, fatal on failure)
//   - Dials the stream and sends the adapter's subscribe payloads
//   - Sends keepalive pings on a fixed cadence while connected
//   - Forces a reconnect when the stream goes idle past the timeout
//   - Reconnects with capped exponential backoff on any connection failure
//   - Decodes inbound frames through the adapter and emits canonical
//     updates on the output channel
//
// All reconnect triggers (dial failure, subscribe failure, transport error,
// ping failure, idle timeout) funnel through one state-transition point, so
// two triggers firing close together cannot cause overlapping connections.
// The loop has no terminal state: it runs until the context is cancelled.
package supervisor
