// Package model defines the canonical domain types shared across the streamer.
//
// Conventions:
//   - Numeric market fields use shopspring/decimal (exchanges send them as
//     JSON strings; float64 loses precision on funding rates)
//   - Timestamps: time.Time for receive times, recorded when the frame
//     leaves the transport
//   - IDs: string symbols (e.g. "BTC-PERP"), uuid.UUID for connection sessions
package model
