package writer

import (
	"time"
)

// WriterConfig contains configuration for the batch writer.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 1 * time.Second,
	}
}

// updateRow represents a row to be inserted into the market_updates table.
// Decimal fields are kept as their exact string forms; the numeric columns
// parse them server-side without float round-trips.
type updateRow struct {
	Exchange     string
	Symbol       string
	MarkPrice    string
	IndexPrice   string
	FundingRate  string
	OpenInterest string
	Volume24h    string
	ReceivedAt   int64 // Microseconds
	SessionID    string
}

// WriterMetrics holds metrics for the writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}
