package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"VestLedger/internal/ledger"
	"VestLedger/internal/stream"
)

// Loader rehydrates the in-memory book from vest.streams on startup.
type Loader struct {
	db *sql.DB
}

func NewLoader(db *sql.DB) *Loader {
	return &Loader{db: db}
}

// RestoreBook loads every stream row into book. Returns the number of
// streams restored.
func (l *Loader) RestoreBook(ctx context.Context, book *ledger.Book) (int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT stream_id, total::text, claimed::text FROM vest.streams`)
	if err != nil {
		return 0, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var idStr, totalStr, claimedStr string
		if err := rows.Scan(&idStr, &totalStr, &claimedStr); err != nil {
			return count, fmt.Errorf("scan stream row: %w", err)
		}

		id, err := stream.ParseID(idStr)
		if err != nil {
			return count, fmt.Errorf("stored stream id: %w", err)
		}
		total, ok := new(big.Int).SetString(totalStr, 10)
		if !ok {
			return count, fmt.Errorf("stream %s: bad total %q", idStr, totalStr)
		}
		claimed, ok := new(big.Int).SetString(claimedStr, 10)
		if !ok {
			return count, fmt.Errorf("stream %s: bad claimed %q", idStr, claimedStr)
		}

		if err := book.Restore(id, stream.Record{Total: total, Claimed: claimed}); err != nil {
			return count, err
		}
		count++
	}
	return count, rows.Err()
}

// NextSequence returns the sequence number the engine should resume from:
// one past the highest persisted event, or zero for an empty log.
func (l *Loader) NextSequence(ctx context.Context) (int64, error) {
	var next int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM vest.events`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return next, nil
}
