package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/metrics"
	"github.com/contract-catalog/internal/models"
)

// WatermarkName identifies the staging watermark row
const WatermarkName = "stage-raw-events"

// Staging relation names
const (
	RelationBlocks       = "stg_blocks"
	RelationTransactions = "stg_transactions"
	RelationOperations   = "stg_address_operations"
	RelationEvents       = "stg_contract_events"
	RelationDeadLetters  = "stg_dead_letters"
)

// RawEventSource reads the append-only raw log ordered by (received_at, id)
type RawEventSource interface {
	ReadRawEvents(ctx context.Context, w models.Window, after *models.Cursor, limit int) ([]models.RawEvent, error)
}

// Store writes staging rows. Writes must replace rows with the same key.
type Store interface {
	WriteStaging(ctx context.Context, batch *models.StagingBatch) error
	WriteDeadLetters(ctx context.Context, letters []models.DeadLetter) error
}

// WatermarkStore persists the last processed arrival time
type WatermarkStore interface {
	GetWatermark(ctx context.Context, name string) (time.Time, error)
	SetWatermark(ctx context.Context, name string, t time.Time) error
}

// Config configures the transformer
type Config struct {
	PageSize int
}

// Result summarizes one staging run
type Result struct {
	Read         int            `json:"read"`
	WellFormed   int            `json:"wellFormed"`
	Partial      int            `json:"partial"`
	DeadLettered int            `json:"deadLettered"`
	Skipped      int            `json:"skipped"`
	Rows         map[string]int `json:"rows"`
	Watermark    time.Time      `json:"watermark"`
	// Span is the half-open range of chain timestamps of the rows staged
	Span models.Window `json:"span"`
}

func (r *Result) cover(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if r.Span.From.IsZero() || ts.Before(r.Span.From) {
		r.Span.From = ts
	}
	if end := ts.Add(time.Nanosecond); end.After(r.Span.To) {
		r.Span.To = end
	}
}

// Staged is the total number of staging rows written
func (r *Result) Staged() int {
	n := 0
	for rel, c := range r.Rows {
		if rel != RelationDeadLetters {
			n += c
		}
	}
	return n
}

// Transformer turns raw events into staging rows
type Transformer struct {
	source     RawEventSource
	store      Store
	watermarks WatermarkStore
	pageSize   int
	logger     *logging.Logger
}

// NewTransformer creates a transformer; watermarks may be nil
func NewTransformer(source RawEventSource, store Store, watermarks WatermarkStore, cfg Config) (*Transformer, error) {
	if source == nil {
		return nil, fmt.Errorf("raw event source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("staging store is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Transformer{
		source:     source,
		store:      store,
		watermarks: watermarks,
		pageSize:   cfg.PageSize,
		logger:     logging.GetGlobalLogger().WithComponent("staging"),
	}, nil
}

// Run stages every raw event in the window. A zero From resumes from the
// stored watermark. Re-running over the same window yields identical rows.
func (t *Transformer) Run(ctx context.Context, w models.Window) (*Result, error) {
	if w.From.IsZero() && t.watermarks != nil {
		mark, err := t.watermarks.GetWatermark(ctx, WatermarkName)
		if err != nil {
			return nil, fmt.Errorf("failed to read watermark: %w", err)
		}
		// inclusive re-read of the watermark instant is harmless; writes replace
		w.From = mark
	}

	res := &Result{Rows: map[string]int{}}
	var after *models.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := t.source.ReadRawEvents(ctx, w, after, t.pageSize)
		if err != nil {
			return res, fmt.Errorf("failed to read raw events: %w", err)
		}
		if len(page) == 0 {
			break
		}

		if err := t.stagePage(ctx, page, res); err != nil {
			return res, err
		}

		last := page[len(page)-1]
		after = &models.Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
		if last.ReceivedAt.After(res.Watermark) {
			res.Watermark = last.ReceivedAt
		}

		if len(page) < t.pageSize {
			break
		}
	}

	if t.watermarks != nil && !res.Watermark.IsZero() {
		if err := t.watermarks.SetWatermark(ctx, WatermarkName, res.Watermark); err != nil {
			return res, fmt.Errorf("failed to advance watermark: %w", err)
		}
	}

	t.logger.WithFields(map[string]interface{}{
		"read":          res.Read,
		"staged":        res.Staged(),
		"partial":       res.Partial,
		"dead_lettered": res.DeadLettered,
		"skipped":       res.Skipped,
	}).Info("staging run complete")
	return res, nil
}

func (t *Transformer) stagePage(ctx context.Context, page []models.RawEvent, res *Result) error {
	b := newBatchBuilder()
	skipped := 0
	for _, raw := range page {
		res.Read++
		d := Decode(raw)
		switch d.Shape {
		case Unparseable:
			res.DeadLettered++
			b.deadLetters = append(b.deadLetters, *d.DeadLetter)
			t.logger.WithFields(map[string]interface{}{
				"raw_id": raw.ID,
				"reason": d.DeadLetter.Reason,
			}).Warn("raw event dead-lettered")
			continue
		case Partial:
			res.Partial++
			skipped += len(d.Issues)
			for _, issue := range d.Issues {
				t.logger.WithField("raw_id", raw.ID).Debug(issue.Message)
			}
		default:
			res.WellFormed++
		}
		b.add(&d.Batch)
	}

	batch := b.build()
	if batch.Rows() > 0 {
		if err := t.store.WriteStaging(ctx, batch); err != nil {
			return fmt.Errorf("failed to write staging rows: %w", err)
		}
	}
	if len(batch.DeadLetters) > 0 {
		if err := t.store.WriteDeadLetters(ctx, batch.DeadLetters); err != nil {
			return fmt.Errorf("failed to write dead letters: %w", err)
		}
	}

	counts := map[string]int{
		RelationBlocks:       len(batch.Blocks),
		RelationTransactions: len(batch.Transactions),
		RelationOperations:   len(batch.Operations),
		RelationEvents:       len(batch.Events),
		RelationDeadLetters:  len(batch.DeadLetters),
	}
	for _, x := range batch.Blocks {
		res.cover(x.Timestamp)
	}
	for _, x := range batch.Transactions {
		res.cover(x.Timestamp)
	}
	for _, x := range batch.Operations {
		res.cover(x.Timestamp)
	}
	for _, x := range batch.Events {
		res.cover(x.Timestamp)
	}
	for rel, n := range counts {
		res.Rows[rel] += n
		metrics.AddStagingRows(rel, n)
	}
	res.Skipped += skipped
	metrics.AddStagingSkipped("parse", skipped)
	metrics.AddStagingSkipped("dead_letter", len(batch.DeadLetters))
	return nil
}

// batchBuilder collapses duplicate keys within a page, last write wins,
// keeping first-seen order.
type batchBuilder struct {
	blocks      map[string]int
	txs         map[string]int
	ops         map[string]int
	events      map[string]int
	batch       models.StagingBatch
	deadLetters []models.DeadLetter
}

func newBatchBuilder() *batchBuilder {
	return &batchBuilder{
		blocks: map[string]int{},
		txs:    map[string]int{},
		ops:    map[string]int{},
		events: map[string]int{},
	}
}

func (b *batchBuilder) add(in *models.StagingBatch) {
	for _, r := range in.Blocks {
		if i, ok := b.blocks[r.BlockHash]; ok {
			b.batch.Blocks[i] = r
			continue
		}
		b.blocks[r.BlockHash] = len(b.batch.Blocks)
		b.batch.Blocks = append(b.batch.Blocks, r)
	}
	for _, r := range in.Transactions {
		if i, ok := b.txs[r.TxHash]; ok {
			b.batch.Transactions[i] = r
			continue
		}
		b.txs[r.TxHash] = len(b.batch.Transactions)
		b.batch.Transactions = append(b.batch.Transactions, r)
	}
	for _, r := range in.Operations {
		if i, ok := b.ops[r.Key()]; ok {
			b.batch.Operations[i] = r
			continue
		}
		b.ops[r.Key()] = len(b.batch.Operations)
		b.batch.Operations = append(b.batch.Operations, r)
	}
	for _, r := range in.Events {
		if i, ok := b.events[r.Key()]; ok {
			b.batch.Events[i] = r
			continue
		}
		b.events[r.Key()] = len(b.batch.Events)
		b.batch.Events = append(b.batch.Events, r)
	}
}

func (b *batchBuilder) build() *models.StagingBatch {
	out := b.batch
	out.DeadLetters = b.deadLetters
	return &out
}
