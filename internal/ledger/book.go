// Package ledger owns the stream book: the mapping from packed stream
// identifiers to vesting records. Nothing outside this package mutates the
// mapping; all writes go through a Tx so that one engine operation is a
// single atomic unit of work.
package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"VestLedger/internal/stream"
)

// Book is the authoritative in-memory stream ledger. Absent keys denote the
// zero record. The book is safe for concurrent use: Begin takes the book
// lock for the lifetime of the Tx, which doubles as the reentrancy guard
// required between computing a claimable amount and committing it.
type Book struct {
	mu      sync.Mutex
	records map[stream.ID]stream.Record
}

func NewBook() *Book {
	return &Book{records: make(map[stream.ID]stream.Record)}
}

// Read returns a copy of the record at id, or the zero record if absent.
func (b *Book) Read(id stream.ID) stream.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(id)
}

func (b *Book) readLocked(id stream.ID) stream.Record {
	if rec, ok := b.records[id]; ok {
		return rec.Clone()
	}
	return stream.ZeroRecord()
}

// Len returns the number of materialized records.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Restore loads a record directly, bypassing Tx semantics. Used only at
// startup when rehydrating the book from the durable store.
func (b *Book) Restore(id stream.ID, rec stream.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[id] = rec.Clone()
	return nil
}

// Snapshot returns a deep copy of every materialized record.
func (b *Book) Snapshot() map[stream.ID]stream.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[stream.ID]stream.Record, len(b.records))
	for id, rec := range b.records {
		out[id] = rec.Clone()
	}
	return out
}

// undoEntry captures one key's prior state for rollback. existed=false means
// the key was absent and rollback deletes it.
type undoEntry struct {
	id      stream.ID
	prior   stream.Record
	existed bool
}

// Tx is a single atomic unit of work against the book. Mutations land on
// the live map immediately, so a reader inside the same operation observes
// them, and are reverted in reverse order on Rollback. Exactly one of
// Commit or Rollback must be called; both release the book lock.
type Tx struct {
	book *Book
	undo []undoEntry
	done bool
}

// Begin opens a transaction, locking the book until Commit or Rollback.
func (b *Book) Begin() *Tx {
	b.mu.Lock()
	return &Tx{book: b}
}

func (tx *Tx) remember(id stream.ID) {
	prior, existed := tx.book.records[id]
	if existed {
		prior = prior.Clone()
	}
	tx.undo = append(tx.undo, undoEntry{id: id, prior: prior, existed: existed})
}

// Read returns a copy of the record at id as of the current Tx state.
func (tx *Tx) Read(id stream.ID) stream.Record {
	return tx.book.readLocked(id)
}

// UpsertAdd materializes {total: delta, claimed: 0} at id, or adds delta to
// the existing total. Colliding identifiers share one accrual schedule by
// construction (same owner, same start time), so the additive merge is
// always schedule-compatible; claimed is untouched because newly merged
// principal has not been claimed against.
func (tx *Tx) UpsertAdd(id stream.ID, delta *big.Int) error {
	if delta.Sign() < 0 {
		return fmt.Errorf("upsert %s: negative delta %s", id, delta)
	}
	rec := tx.book.readLocked(id)
	rec.Total.Add(rec.Total, delta)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	tx.remember(id)
	tx.book.records[id] = rec
	return nil
}

// SettleClaim adds amount to the record's claimed field. The caller must
// have computed amount from the vesting schedule against the same Tx, which
// bounds it by total - claimed; the bound is re-checked here so a violation
// is an error rather than silent corruption.
func (tx *Tx) SettleClaim(id stream.ID, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("settle %s: negative amount %s", id, amount)
	}
	rec := tx.book.readLocked(id)
	if amount.Cmp(rec.Remaining()) > 0 {
		return fmt.Errorf("settle %s: amount %s exceeds unclaimed remainder %s",
			id, amount, rec.Remaining())
	}
	rec.Claimed.Add(rec.Claimed, amount)
	tx.remember(id)
	tx.book.records[id] = rec
	return nil
}

// TransferOwnership rekeys the record at oldID under newOwner, preserving
// the start time. Preserving the start time is what makes the collision
// merge below safe: two records under the same identifier necessarily share
// the same vesting curve, so summing total and claimed pairwise yields a
// record whose accrual is still linear and consistent. The old key is
// deleted; the new identifier is returned.
func (tx *Tx) TransferOwnership(oldID stream.ID, newOwner stream.Principal) (stream.ID, error) {
	_, startTime := stream.DecodeID(oldID)
	newID := stream.EncodeID(newOwner, startTime)
	if newID == oldID {
		return newID, nil
	}

	moving := tx.book.readLocked(oldID)
	dest := tx.book.readLocked(newID)
	dest.Total.Add(dest.Total, moving.Total)
	dest.Claimed.Add(dest.Claimed, moving.Claimed)
	if err := dest.Validate(); err != nil {
		return stream.ID{}, fmt.Errorf("transfer %s -> %s: %w", oldID, newID, err)
	}

	tx.remember(oldID)
	tx.remember(newID)
	delete(tx.book.records, oldID)
	tx.book.records[newID] = dest
	return newID, nil
}

// Commit finalizes the Tx and releases the book lock.
func (tx *Tx) Commit() {
	if tx.done {
		panic("ledger: Commit on finished Tx")
	}
	tx.done = true
	tx.undo = nil
	tx.book.mu.Unlock()
}

// Rollback reverts every mutation in reverse order and releases the lock.
func (tx *Tx) Rollback() {
	if tx.done {
		panic("ledger: Rollback on finished Tx")
	}
	tx.done = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		e := tx.undo[i]
		if e.existed {
			tx.book.records[e.id] = e.prior
		} else {
			delete(tx.book.records, e.id)
		}
	}
	tx.undo = nil
	tx.book.mu.Unlock()
}
