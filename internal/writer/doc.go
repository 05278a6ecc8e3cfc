// Package writer implements the batch Postgres writer for market updates.
//
// The writer consumes canonical updates from a growable buffer, accumulates
// rows, and flushes with pgx.Batch on batch-size or flush-interval,
// whichever comes first. Inserts are append-only; duplicate rows hit
// ON CONFLICT DO NOTHING and are counted as conflicts, not errors.
package writer
