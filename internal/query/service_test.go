package query_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"VestLedger/internal/engine"
	"VestLedger/internal/event"
	"VestLedger/internal/persistence"
	"VestLedger/internal/query"
	"VestLedger/internal/stream"
	"VestLedger/internal/testutil"
)

// TestQueryService_History seeds the durable tables through the persistence
// worker and reads them back through the query service.
func TestQueryService_History(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	alice, _ := stream.ParsePrincipal("0x1111111111111111111111111111111111111111")
	idA := stream.EncodeID(alice, 1_700_000_000)
	idB := stream.EncodeID(alice, 1_700_000_100)

	envelope := func(seq int64, et event.EventType, id stream.ID) *event.Envelope {
		return &event.Envelope{
			Sequence:  seq,
			EventID:   uuid.New(),
			EventType: et,
			StreamID:  id,
			Timestamp: time.Unix(1_700_000_000+seq, 0).UTC(),
			Payload:   map[string]int64{"seq": seq},
		}
	}
	state := func(id stream.ID, total, claimed int64) engine.StreamState {
		return engine.StreamState{
			ID:     id,
			Record: stream.Record{Total: big.NewInt(total), Claimed: big.NewInt(claimed)},
		}
	}

	ch := make(chan engine.Output, 8)
	ch <- engine.Output{
		Envelope: envelope(0, event.EventTypeStreamCreated, idA),
		Streams:  []engine.StreamState{state(idA, 100, 0)},
	}
	ch <- engine.Output{
		Envelope: envelope(1, event.EventTypeStreamCreated, idB),
		Streams:  []engine.StreamState{state(idB, 200, 0)},
	}
	ch <- engine.Output{
		Envelope: envelope(2, event.EventTypeStreamClaimed, idA),
		Streams:  []engine.StreamState{state(idA, 100, 40)},
	}
	close(ch)

	worker := persistence.NewWorker(db, ch, 10, 10*time.Millisecond, nil)
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	qs := query.NewQueryService(db)

	streams, err := qs.ListStreamsByOwner(ctx, alice.String(), 10, nil)
	if err != nil {
		t.Fatalf("list streams: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("streams: got %d, want 2", len(streams))
	}
	if streams[0].StreamID != idA.String() || streams[1].StreamID != idB.String() {
		t.Errorf("streams not ordered by start_time: %s, %s", streams[0].StreamID, streams[1].StreamID)
	}
	if streams[0].Claimed != "40" {
		t.Errorf("claimed: got %s, want 40", streams[0].Claimed)
	}
	if streams[0].AsOfSequence != 2 {
		t.Errorf("as_of_sequence: got %d, want 2", streams[0].AsOfSequence)
	}

	// Cursor skips the first stream.
	after := streams[0].StartTime
	page, err := qs.ListStreamsByOwner(ctx, alice.String(), 10, &after)
	if err != nil {
		t.Fatalf("list streams (cursor): %v", err)
	}
	if len(page) != 1 || page[0].StreamID != idB.String() {
		t.Fatalf("cursor page: got %d rows, want just the later stream", len(page))
	}

	events, err := qs.StreamEvents(ctx, idA.String(), 10, nil)
	if err != nil {
		t.Fatalf("stream events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events for stream: got %d, want 2", len(events))
	}
	if events[0].Sequence != 2 || events[1].Sequence != 0 {
		t.Errorf("events not newest-first: %d, %d", events[0].Sequence, events[1].Sequence)
	}

	recent, err := qs.RecentEvents(ctx, 2, nil)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(recent) != 2 || recent[0].Sequence != 2 {
		t.Fatalf("recent events: got %d rows starting at %d", len(recent), recent[0].Sequence)
	}
	before := recent[1].Sequence
	older, err := qs.RecentEvents(ctx, 10, &before)
	if err != nil {
		t.Fatalf("recent events (cursor): %v", err)
	}
	if len(older) != 1 || older[0].Sequence != 0 {
		t.Fatalf("older events: got %d rows", len(older))
	}
}
