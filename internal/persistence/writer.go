package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Writer persists applied operations to Postgres using multi-row INSERTs.
// vest.events is the append-only event log; vest.streams mirrors the
// in-memory book and is what the service restores from on startup.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// EventRow is a row in vest.events.
type EventRow struct {
	Sequence  int64
	EventID   string
	EventType string
	StreamID  *string
	Payload   []byte // JSON-encoded event payload
	Timestamp int64  // unix micros
}

// StreamRow is the durable image of one stream in vest.streams.
// Amounts travel as decimal strings into NUMERIC columns.
type StreamRow struct {
	StreamID   string
	Owner      string
	StartTime  int64
	Total      string
	Claimed    string
	UpdatedSeq int64
}

// WriteEventBatch appends events inside tx. Conflicts on sequence are
// ignored so a retried batch is idempotent.
func (w *Writer) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO vest.events
		(sequence, event_id, event_type, stream_id, payload, event_time)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, to_timestamp($%d::bigint / 1000000.0))",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.StreamID, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertStreamBatch writes post-operation stream images inside tx. The
// caller must compact the batch to at most one row per stream identifier;
// the updated_seq guard makes replays of old batches harmless.
func (w *Writer) UpsertStreamBatch(ctx context.Context, tx *sql.Tx, streams []StreamRow) error {
	if len(streams) == 0 {
		return nil
	}

	query := `INSERT INTO vest.streams
		(stream_id, owner, start_time, total, claimed, updated_seq)
		VALUES `

	values := make([]string, 0, len(streams))
	args := make([]interface{}, 0, len(streams)*6)

	for i, s := range streams {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d::numeric, $%d::numeric, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			s.StreamID, s.Owner, s.StartTime, s.Total, s.Claimed, s.UpdatedSeq,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (stream_id) DO UPDATE SET
		owner = EXCLUDED.owner,
		start_time = EXCLUDED.start_time,
		total = EXCLUDED.total,
		claimed = EXCLUDED.claimed,
		updated_seq = EXCLUDED.updated_seq,
		updated_at = NOW()
		WHERE vest.streams.updated_seq <= EXCLUDED.updated_seq`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DeleteStreams removes rows vacated by ownership transfers.
func (w *Writer) DeleteStreams(ctx context.Context, tx *sql.Tx, streamIDs []string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM vest.streams WHERE stream_id = ANY($1)`,
		pq.Array(streamIDs),
	)
	return err
}
