// Package query serves read-only history endpoints from the durable tables.
// Live balances come from the in-memory book; this package answers the
// questions the book cannot: who owns what across streams, and what
// happened, in order.
package query

import (
	"context"
	"database/sql"
	"fmt"
)

type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ListStreamsByOwner returns the owner's durable stream rows ordered by
// start time. Cursor pagination via afterStart.
func (qs *QueryService) ListStreamsByOwner(
	ctx context.Context,
	owner string,
	limit int,
	afterStart *int64,
) ([]StreamSummary, error) {
	asOfSeq, err := qs.asOfSequence(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT stream_id, owner, start_time, total::text, claimed::text, updated_seq
		FROM vest.streams
		WHERE owner = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if afterStart != nil {
		query += fmt.Sprintf(" AND start_time > $%d", argIdx)
		args = append(args, *afterStart)
		argIdx++
	}

	query += " ORDER BY start_time"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []StreamSummary
	for rows.Next() {
		var s StreamSummary
		s.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&s.StreamID, &s.Owner, &s.StartTime, &s.Total, &s.Claimed, &s.UpdatedSeq,
		); err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}

	return streams, rows.Err()
}

// StreamEvents returns the event history touching one stream, newest
// first. Cursor pagination via beforeSequence.
func (qs *QueryService) StreamEvents(
	ctx context.Context,
	streamID string,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	query := `
		SELECT sequence, event_id, event_type, stream_id, payload,
		       (EXTRACT(EPOCH FROM event_time) * 1000000)::bigint
		FROM vest.events
		WHERE stream_id = $1
	`
	args := []interface{}{streamID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return qs.scanEvents(ctx, query, args...)
}

// RecentEvents returns the tail of the whole event log, newest first.
func (qs *QueryService) RecentEvents(
	ctx context.Context,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	query := `
		SELECT sequence, event_id, event_type, stream_id, payload,
		       (EXTRACT(EPOCH FROM event_time) * 1000000)::bigint
		FROM vest.events
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return qs.scanEvents(ctx, query, args...)
}

func (qs *QueryService) scanEvents(ctx context.Context, query string, args ...interface{}) ([]EventRecord, error) {
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.StreamID, &e.Payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// asOfSequence reports the freshness watermark of the durable tables.
func (qs *QueryService) asOfSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) FROM vest.events`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}
