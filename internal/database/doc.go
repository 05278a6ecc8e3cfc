// Package database provides connection pool management for PostgreSQL.
//
// The streamer keeps a single pool for the market_updates store; the
// batch writer is its only consumer.
package database
