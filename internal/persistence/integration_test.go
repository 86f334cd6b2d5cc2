package persistence_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"VestLedger/internal/engine"
	"VestLedger/internal/event"
	"VestLedger/internal/ledger"
	"VestLedger/internal/persistence"
	"VestLedger/internal/stream"
	"VestLedger/internal/testutil"
)

// TestPersistence_RoundTrip writes a short operation history through the
// worker and restores the book from it.
func TestPersistence_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	alice, _ := stream.ParsePrincipal("0x1111111111111111111111111111111111111111")
	bob, _ := stream.ParsePrincipal("0x2222222222222222222222222222222222222222")
	oldID := stream.EncodeID(alice, 1_700_000_000)
	newID := stream.EncodeID(bob, 1_700_000_000)

	envelope := func(seq int64, et event.EventType, id stream.ID) *event.Envelope {
		return &event.Envelope{
			Sequence:  seq,
			EventID:   uuid.New(),
			EventType: et,
			StreamID:  id,
			Timestamp: time.Unix(1_700_000_000+seq, 0).UTC(),
			Payload:   map[string]string{"seq": uuid.New().String()},
		}
	}
	rec := func(total, claimed int64) stream.Record {
		return stream.Record{Total: big.NewInt(total), Claimed: big.NewInt(claimed)}
	}

	ch := make(chan engine.Output, 8)
	ch <- engine.Output{
		Envelope: envelope(0, event.EventTypeStreamCreated, oldID),
		Streams:  []engine.StreamState{{ID: oldID, Record: rec(100, 0)}},
	}
	ch <- engine.Output{
		Envelope: envelope(1, event.EventTypeStreamClaimed, oldID),
		Streams:  []engine.StreamState{{ID: oldID, Record: rec(100, 20)}},
	}
	ch <- engine.Output{
		Envelope: envelope(2, event.EventTypeStreamTransferred, newID),
		Streams: []engine.StreamState{
			{ID: newID, Record: rec(100, 20)},
			{ID: oldID, Deleted: true},
		},
	}
	close(ch)

	worker := persistence.NewWorker(db, ch, 10, 10*time.Millisecond, nil)
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	loader := persistence.NewLoader(db)
	book := ledger.NewBook()
	count, err := loader.RestoreBook(ctx, book)
	if err != nil {
		t.Fatalf("restore book: %v", err)
	}
	if count != 1 {
		t.Fatalf("restored streams: got %d, want 1", count)
	}
	got := book.Read(newID)
	if got.Total.Int64() != 100 || got.Claimed.Int64() != 20 {
		t.Errorf("restored record: total=%s claimed=%s, want 100/20", got.Total, got.Claimed)
	}
	if !book.Read(oldID).IsZero() {
		t.Error("vacated stream must not be restored")
	}

	next, err := loader.NextSequence(ctx)
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 3 {
		t.Errorf("next sequence: got %d, want 3", next)
	}
}

// TestWorker_DrainsBufferedAfterCancel: outputs already buffered on the
// channel at cancellation were acked to their callers, so the worker must
// keep consuming until the channel closes rather than stop at its current
// batch.
func TestWorker_DrainsBufferedAfterCancel(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	if err := persistence.NewMigrator(db, "../../migrations").Up(context.Background()); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	alice, _ := stream.ParsePrincipal("0x1111111111111111111111111111111111111111")
	id := stream.EncodeID(alice, 1_700_000_000)

	ch := make(chan engine.Output, 8)
	for seq := int64(0); seq < 3; seq++ {
		ch <- engine.Output{
			Envelope: &event.Envelope{
				Sequence:  seq,
				EventID:   uuid.New(),
				EventType: event.EventTypeStreamClaimed,
				StreamID:  id,
				Timestamp: time.Unix(1_700_000_000+seq, 0).UTC(),
			},
			Streams: []engine.StreamState{{
				ID:     id,
				Record: stream.Record{Total: big.NewInt(100), Claimed: big.NewInt(seq)},
			}},
		}
	}
	close(ch)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	worker := persistence.NewWorker(db, ch, 10, 10*time.Millisecond, nil)
	if err := worker.Run(cancelled); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	loader := persistence.NewLoader(db)
	next, err := loader.NextSequence(context.Background())
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 3 {
		t.Errorf("next sequence after drain: got %d, want 3", next)
	}
}
