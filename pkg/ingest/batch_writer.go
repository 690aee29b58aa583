package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/cache"
	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/logger"
	"github.com/japaniel/voxqueue/pkg/metrics"
)

// Ladder is the retry policy of batch writes. A batch is cut into chunks of
// ChunkSize(len); a chunk whose transaction fails is split in half and
// retried, until it holds at most IndividualAt items or has been split
// MaxDepth times, at which point its items are written one by one outside a
// transaction.
type Ladder struct {
	IndividualAt int
	MaxDepth     int
}

// DefaultLadder returns the production retry policy.
func DefaultLadder() Ladder {
	return Ladder{IndividualAt: 100, MaxDepth: 16}
}

// ChunkSize returns the chunk size for a batch of total items.
func (l Ladder) ChunkSize(total int) int {
	switch {
	case total > 1000:
		return 1000
	case total > 100:
		return 100
	}
	return total
}

// Result identifies a persisted record. Inserts carry the store-assigned ID.
// Updates match by content and echo the ID of their input, so an update
// given only content reports ID 0; use Lookup to resolve it.
type Result struct {
	Content string
	ID      int64
}

// BatchResult summarizes a batch write. Items that could not be persisted
// even individually are absent from Results and counted in Failed.
type BatchResult struct {
	Results []Result
	Success int
	Failed  int
}

func (r *BatchResult) add(o BatchResult) {
	r.Results = append(r.Results, o.Results...)
	r.Success += o.Success
	r.Failed += o.Failed
}

type writeOp int

const (
	opInsert writeOp = iota
	opUpdate
)

func (o writeOp) String() string {
	if o == opUpdate {
		return "update"
	}
	return "insert"
}

func (o writeOp) cacheOp() cache.Operation {
	if o == opUpdate {
		return cache.OpUpdate
	}
	return cache.OpInsert
}

// ErrNotFound is returned internally when an update matches no record.
var ErrNotFound = &WriteError{"no record matched"}

type WriteError struct{ msg string }

func (e *WriteError) Error() string { return e.msg }

// BatchWriter persists records through the registry's models and reports
// every committed write to the cache coordinator. None of its methods
// return errors: failures are logged and surface as nil, false or the
// Failed count.
type BatchWriter struct {
	reg   *db.Registry
	norm  *content.Normalizer
	coord *cache.Coordinator
	log   *logger.Logger

	Ladder Ladder
	// Now is the clock stamped into last_modified on update.
	Now func() time.Time
}

// NewBatchWriter creates a BatchWriter with the default ladder.
func NewBatchWriter(reg *db.Registry, norm *content.Normalizer, coord *cache.Coordinator, log *logger.Logger) *BatchWriter {
	return &BatchWriter{
		reg:    reg,
		norm:   norm,
		coord:  coord,
		log:    logger.OrNop(log).With("component", "batch_writer"),
		Ladder: DefaultLadder(),
		Now:    time.Now,
	}
}

// InsertContent normalizes input and inserts it as a new record of kind.
func (bw *BatchWriter) InsertContent(ctx context.Context, input any, kind content.Kind) *Result {
	return bw.single(ctx, opInsert, input, kind)
}

// UpdateContent writes the mutable fields of input to the stored record with
// the same content. An update matching no record is a failure. The result
// carries the input's ID, which is 0 when input names content only.
func (bw *BatchWriter) UpdateContent(ctx context.Context, input any, kind content.Kind) *Result {
	return bw.single(ctx, opUpdate, input, kind)
}

func (bw *BatchWriter) single(ctx context.Context, op writeOp, input any, kind content.Kind) *Result {
	rec := bw.prepare(op, input, kind)
	if rec == nil {
		metrics.BatchItemsTotal.WithLabelValues(op.String(), "failed").Inc()
		return nil
	}
	model, err := bw.reg.Model(rec.Kind)
	if err != nil {
		bw.log.Error("no model", "kind", rec.Kind, "error", err)
		return nil
	}
	res, err := bw.persist(ctx, op, model, nil, *rec)
	if err != nil {
		bw.log.Warn("write failed", "op", op, "kind", rec.Kind, "content", rec.Content, "error", err)
		metrics.BatchItemsTotal.WithLabelValues(op.String(), "failed").Inc()
		return nil
	}
	bw.coord.RecordOperation(op.cacheOp(), rec.Kind)
	metrics.BatchItemsTotal.WithLabelValues(op.String(), "ok").Inc()
	return &res
}

// Lookup reads the record of kind holding the content of input directly
// from the store. It returns nil when there is none or the read fails.
func (bw *BatchWriter) Lookup(ctx context.Context, input any, kind content.Kind) *content.Record {
	rec := bw.norm.EnsureRecord(input, kind)
	if rec == nil {
		return nil
	}
	model, err := bw.reg.Model(rec.Kind)
	if err != nil {
		return nil
	}
	found, err := model.FindOne(ctx, db.Query{Where: db.Where{Content: rec.Content}})
	if err != nil {
		bw.log.Warn("lookup failed", "kind", rec.Kind, "content", rec.Content, "error", err)
		return nil
	}
	return found
}

// DeleteContent removes the record of kind with the content of input.
func (bw *BatchWriter) DeleteContent(ctx context.Context, input any, kind content.Kind) bool {
	rec := bw.norm.EnsureRecord(input, kind)
	if rec == nil {
		return false
	}
	model, err := bw.reg.Model(rec.Kind)
	if err != nil {
		return false
	}
	n, err := model.Destroy(ctx, nil, db.Where{Content: rec.Content})
	if err != nil {
		bw.log.Warn("delete failed", "kind", rec.Kind, "content", rec.Content, "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	bw.coord.RecordOperation(cache.OpDelete, rec.Kind)
	return true
}

// InsertBatch inserts inputs as records of kind.
func (bw *BatchWriter) InsertBatch(ctx context.Context, inputs []any, kind content.Kind) BatchResult {
	return bw.batch(ctx, opInsert, inputs, kind)
}

// UpdateBatch updates the stored records of kind matching inputs by content.
func (bw *BatchWriter) UpdateBatch(ctx context.Context, inputs []any, kind content.Kind) BatchResult {
	return bw.batch(ctx, opUpdate, inputs, kind)
}

// BulkUpdate updates records of mixed kinds. Inputs are grouped by their
// normalized kind and each group is written through its own model.
func (bw *BatchWriter) BulkUpdate(ctx context.Context, inputs []any) BatchResult {
	return bw.batch(ctx, opUpdate, inputs, content.KindUnknown)
}

// batch normalizes inputs, groups them by kind and runs the ladder over each
// group. A concrete kind forces every input to that kind.
func (bw *BatchWriter) batch(ctx context.Context, op writeOp, inputs []any, kind content.Kind) BatchResult {
	var out BatchResult
	groups := map[content.Kind][]content.Record{}
	for _, in := range inputs {
		rec := bw.prepare(op, in, kind)
		if rec == nil {
			out.Failed++
			continue
		}
		groups[rec.Kind] = append(groups[rec.Kind], *rec)
	}
	if out.Failed > 0 {
		metrics.BatchItemsTotal.WithLabelValues(op.String(), "failed").Add(float64(out.Failed))
	}
	for _, k := range content.Kinds {
		if recs := groups[k]; len(recs) > 0 {
			out.add(bw.write(ctx, op, k, recs))
		}
	}
	return out
}

// prepare normalizes input into a record ready for op.
func (bw *BatchWriter) prepare(op writeOp, input any, kind content.Kind) *content.Record {
	rec := bw.norm.EnsureRecord(input, kind)
	if rec == nil {
		bw.log.Debug("invalid record input", "op", op, "kind", kind)
		return nil
	}
	if op == opUpdate {
		rec.LastModified = bw.Now()
	}
	return rec
}

// span is a slice of records awaiting one transaction.
type span struct {
	recs  []content.Record
	depth int
}

// write runs the ladder over recs, all of one kind.
func (bw *BatchWriter) write(ctx context.Context, op writeOp, kind content.Kind, recs []content.Record) BatchResult {
	var out BatchResult
	model, err := bw.reg.Model(kind)
	if err != nil {
		bw.log.Error("no model", "kind", kind, "error", err)
		out.Failed = len(recs)
		return out
	}

	batchID := uuid.NewString()
	log := bw.log.With("batch", batchID, "op", op, "kind", kind)
	log.Debug("batch started", "items", len(recs))

	// The stack holds spans in reverse so chunks are written in input order.
	stack := chunk(recs, bw.Ladder.ChunkSize(len(recs)), 0)
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			out.Failed += len(s.recs)
			continue
		}

		results, err := bw.transaction(ctx, op, model, s.recs)
		if err == nil {
			metrics.BatchTransactionsTotal.WithLabelValues(op.String(), "commit").Inc()
			metrics.BatchItemsTotal.WithLabelValues(op.String(), "ok").Add(float64(len(results)))
			bw.coord.RecordOperation(op.cacheOp(), kind)
			out.Results = append(out.Results, results...)
			out.Success += len(results)
			continue
		}
		metrics.BatchTransactionsTotal.WithLabelValues(op.String(), "rollback").Inc()

		if len(s.recs) <= bw.Ladder.IndividualAt || s.depth >= bw.Ladder.MaxDepth {
			log.Warn("chunk failed; writing items individually",
				"size", len(s.recs), "depth", s.depth, "error", err)
			out.add(bw.individually(ctx, op, model, s.recs, log))
			continue
		}
		half := (len(s.recs) + 1) / 2
		log.Warn("chunk failed; splitting", "size", len(s.recs), "into", half, "depth", s.depth, "error", err)
		stack = append(stack, chunk(s.recs, half, s.depth+1)...)
	}

	log.Debug("batch finished", "success", out.Success, "failed", out.Failed)
	return out
}

// chunk cuts recs into spans of size, returned in reverse order.
func chunk(recs []content.Record, size, depth int) []span {
	if size <= 0 {
		size = len(recs)
	}
	var spans []span
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		spans = append(spans, span{recs: recs[start:end], depth: depth})
	}
	for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
		spans[i], spans[j] = spans[j], spans[i]
	}
	return spans
}

// transaction persists recs inside one transaction, committing only if every
// write succeeds.
func (bw *BatchWriter) transaction(ctx context.Context, op writeOp, model db.Model, recs []content.Record) ([]Result, error) {
	tx, err := model.Transaction(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	results := make([]Result, 0, len(recs))
	for _, rec := range recs {
		res, err := bw.persist(ctx, op, model, tx, rec)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrapf(err, "commit %d items", len(recs))
	}
	return results, nil
}

func (bw *BatchWriter) individually(ctx context.Context, op writeOp, model db.Model, recs []content.Record, log *logger.Logger) BatchResult {
	var out BatchResult
	for _, rec := range recs {
		res, err := bw.persist(ctx, op, model, nil, rec)
		if err != nil {
			log.Warn("item failed", "content", rec.Content, "error", err)
			metrics.BatchItemsTotal.WithLabelValues(op.String(), "failed").Inc()
			out.Failed++
			continue
		}
		bw.coord.RecordOperation(op.cacheOp(), model.Kind())
		metrics.BatchItemsTotal.WithLabelValues(op.String(), "ok").Inc()
		out.Results = append(out.Results, res)
		out.Success++
	}
	return out
}

func (bw *BatchWriter) persist(ctx context.Context, op writeOp, model db.Model, tx db.Tx, rec content.Record) (Result, error) {
	switch op {
	case opUpdate:
		n, err := model.Update(ctx, tx, rec, db.Where{Content: rec.Content})
		if err != nil {
			return Result{}, err
		}
		if n == 0 {
			return Result{}, errors.Wrapf(ErrNotFound, "update %q", rec.Content)
		}
		return Result{Content: rec.Content, ID: rec.ID}, nil
	default:
		saved, err := model.Create(ctx, tx, rec)
		if err != nil {
			return Result{}, err
		}
		return Result{Content: saved.Content, ID: saved.ID}, nil
	}
}
