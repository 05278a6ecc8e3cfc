package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/marketstream/internal/model"
)

// UpdateWriter consumes MarketUpdate from the input buffer and writes to
// the market_updates table.
type UpdateWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the supervisor fan-out
	input *GrowableBuffer[model.MarketUpdate]

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []updateRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewUpdateWriter creates a new UpdateWriter.
func NewUpdateWriter(
	cfg WriterConfig,
	input *GrowableBuffer[model.MarketUpdate],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *UpdateWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]updateRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming updates and writing to the database.
func (w *UpdateWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("update writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer. Queued updates are drained into
// one final flush.
func (w *UpdateWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping update writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("update writer stopped")
	case <-ctx.Done():
		w.logger.Warn("update writer stop timed out")
	}

	// Drain whatever is still queued, then final flush. The writer ctx is
	// already cancelled, so the flush runs on the shutdown ctx.
	for _, update := range w.input.DrainTo(0) {
		w.batchMu.Lock()
		w.batch = append(w.batch, w.transform(update))
		w.batchMu.Unlock()
	}
	w.flushCtx(ctx)

	return nil
}

// Stats returns current metrics.
func (w *UpdateWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *UpdateWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			update, ok := w.input.TryReceive()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleUpdate(update)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *UpdateWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handleUpdate transforms and adds an update to the batch.
func (w *UpdateWriter) handleUpdate(update model.MarketUpdate) {
	row := w.transform(update)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a MarketUpdate to an updateRow.
func (w *UpdateWriter) transform(update model.MarketUpdate) updateRow {
	return updateRow{
		Exchange:     string(update.Exchange),
		Symbol:       update.Symbol,
		MarkPrice:    update.MarkPrice.String(),
		IndexPrice:   update.IndexPrice.String(),
		FundingRate:  update.FundingRate.String(),
		OpenInterest: update.OpenInterest.String(),
		Volume24h:    update.Volume24h.String(),
		ReceivedAt:   update.ReceivedAt.UnixMicro(),
		SessionID:    update.SessionID.String(),
	}
}

// flush writes the current batch to the database.
func (w *UpdateWriter) flush() {
	w.flushCtx(w.ctx)
}

func (w *UpdateWriter) flushCtx(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]updateRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed updates",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *UpdateWriter) batchInsert(ctx context.Context, rows []updateRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO market_updates (exchange, symbol, mark_price, index_price, funding_rate, open_interest, volume_24h, received_at, session_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (exchange, symbol, received_at) DO NOTHING
		`, r.Exchange, r.Symbol, r.MarkPrice, r.IndexPrice, r.FundingRate, r.OpenInterest, r.Volume24h, r.ReceivedAt, r.SessionID)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
