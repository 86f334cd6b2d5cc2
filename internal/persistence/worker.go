package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"VestLedger/internal/engine"
	"VestLedger/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The engine sends on this channel with blocking semantics: if the worker
// falls behind, operations stall rather than lose their durable record.
type Worker struct {
	writer       *Writer
	db           *sql.DB
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// batch accumulates outputs between flushes. Stream images are compacted to
// the latest state per identifier so one multi-row upsert touches each row
// at most once.
type batch struct {
	events  []EventRow
	streams map[string]*StreamRow // nil value marks a deletion
	order   []string
}

func newBatch(capacity int) *batch {
	return &batch{
		events:  make([]EventRow, 0, capacity),
		streams: make(map[string]*StreamRow),
	}
}

func (b *batch) add(out engine.Output) error {
	env := out.Envelope
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}

	row := EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		EventType: env.EventType.String(),
		Payload:   payload,
		Timestamp: env.Timestamp.UnixMicro(),
	}
	if env.StreamID != [32]byte{} {
		id := env.StreamID.String()
		row.StreamID = &id
	}
	b.events = append(b.events, row)

	for _, st := range out.Streams {
		key := st.ID.String()
		if _, seen := b.streams[key]; !seen {
			b.order = append(b.order, key)
		}
		if st.Deleted {
			b.streams[key] = nil
			continue
		}
		b.streams[key] = &StreamRow{
			StreamID:   key,
			Owner:      st.ID.Owner().String(),
			StartTime:  int64(st.ID.StartTime()),
			Total:      st.Record.Total.String(),
			Claimed:    st.Record.Claimed.String(),
			UpdatedSeq: env.Sequence,
		}
	}
	return nil
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.streams = make(map[string]*StreamRow)
	b.order = b.order[:0]
}

func (b *batch) split() (upserts []StreamRow, deletes []string) {
	for _, key := range b.order {
		if row := b.streams[key]; row != nil {
			upserts = append(upserts, *row)
		} else {
			deletes = append(deletes, key)
		}
	}
	return upserts, deletes
}

// Run starts the worker loop. It flushes when the batch is full or the
// flush timeout expires, and drains everything on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	b := newBatch(w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Entries already buffered on the channel were acked to their
			// callers; keep draining until the producer closes it.
			return w.drain(b)

		case out, ok := <-w.inputChan:
			if !ok {
				if len(b.events) > 0 {
					if err := w.flush(context.Background(), b); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			if err := b.add(out); err != nil {
				log.Printf("ERROR: %v", err)
				continue
			}

			if len(b.events) >= w.batchSize {
				if err := w.flushWithRetry(ctx, b); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				b.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(b.events) > 0 {
				if err := w.flushWithRetry(ctx, b); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				b.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// drain runs after cancellation: it consumes everything still buffered on
// the input channel until the channel closes, then flushes the remainder.
// Flushes use a background context so shutdown cannot abort the writes.
func (w *Worker) drain(b *batch) error {
	for out := range w.inputChan {
		if err := b.add(out); err != nil {
			log.Printf("ERROR: %v", err)
			continue
		}
		if len(b.events) >= w.batchSize {
			if err := w.flush(context.Background(), b); err != nil {
				log.Printf("ERROR: drain flush failed: %v", err)
			}
			b.reset()
		}
	}
	if len(b.events) > 0 {
		if err := w.flush(context.Background(), b); err != nil {
			log.Printf("ERROR: final flush failed: %v", err)
		}
	}
	return nil
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or the context is cancelled,
// and even then attempts one final flush so shutdown loses nothing.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(b.events))
			select {
			case <-ctx.Done():
				if finalErr := w.flush(context.Background(), b); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()
	upserts, deletes := b.split()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := w.writer.UpsertStreamBatch(ctx, tx, upserts); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_streams").Inc()
		}
		return err
	}

	if err := w.writer.DeleteStreams(ctx, tx, deletes); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("delete_streams").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		w.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		w.metrics.PersistStreamsWritten.Add(float64(len(upserts)))
		if len(b.events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		}
	}

	return nil
}
