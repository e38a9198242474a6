// Package shadow implements the shadow comparator: recording challenger
// predictions off the inference path, reconciling them against ground
// truth, and aggregating accuracy per version.
package shadow

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

// Recorder buffers shadow predictions and flushes them in batches.
// Record never blocks: when the buffer is full the prediction is
// dropped and counted. A lost shadow row costs a little comparison
// data; a stalled forecast response costs a user.
type Recorder struct {
	store store.Store
	ch    chan model.ShadowPrediction

	flushInterval time.Duration
	batchSize     int

	dropped atomic.Int64
	written atomic.Int64
	log     *zap.Logger
}

func NewRecorder(st store.Store, cfg config.ShadowConfig) *Recorder {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	interval := time.Duration(cfg.FlushIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.FlushBatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Recorder{
		store:         st,
		ch:            make(chan model.ShadowPrediction, bufSize),
		flushInterval: interval,
		batchSize:     batch,
		log:           zap.L().With(zap.String("component", "shadow")),
	}
}

// Record enqueues a prediction without blocking. Returns false when the
// buffer was full and the prediction was dropped.
func (r *Recorder) Record(p model.ShadowPrediction) bool {
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	select {
	case r.ch <- p:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Dropped returns how many predictions were discarded on a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns how many predictions reached the store.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Run drains the buffer until ctx is canceled, flushing when the batch
// fills or the interval elapses. A final flush runs on shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]model.ShadowPrediction, 0, r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.flush(batch)
			return ctx.Err()

		case p := <-r.ch:
			batch = append(batch, p)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch. Failures are logged and the batch is dropped;
// shadow data is advisory and must never back-pressure inference.
func (r *Recorder) flush(batch []model.ShadowPrediction) {
	if len(batch) == 0 {
		return
	}
	// Fresh context: shutdown cancellation must not abort the final flush.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.store.InsertShadowBatch(ctx, batch)
	if err != nil {
		r.dropped.Add(int64(len(batch)))
		r.log.Warn("shadow flush failed, batch dropped",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return
	}
	r.written.Add(n)
	r.log.Debug("shadow batch flushed", zap.Int64("written", n))
}
