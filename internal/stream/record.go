package stream

import (
	"fmt"
	"math/big"
)

// MaxAmount is the largest representable allocation (2^128 - 1). Stream
// totals and claimed amounts are unsigned 128-bit quantities; math/big is
// used so that intermediate products in the vesting calculator never
// overflow.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Record is one vesting allocation. Total only grows (creation-time and
// transfer-time merges), Claimed only grows (settlements), and
// Claimed <= Total holds at all times.
type Record struct {
	Total   *big.Int
	Claimed *big.Int
}

// ZeroRecord returns the record an absent ledger key denotes.
func ZeroRecord() Record {
	return Record{Total: new(big.Int), Claimed: new(big.Int)}
}

// Clone returns a deep copy so callers never alias ledger-owned integers.
func (r Record) Clone() Record {
	return Record{
		Total:   new(big.Int).Set(r.Total),
		Claimed: new(big.Int).Set(r.Claimed),
	}
}

// Remaining returns Total - Claimed.
func (r Record) Remaining() *big.Int {
	return new(big.Int).Sub(r.Total, r.Claimed)
}

// IsZero reports whether the record carries no allocation at all.
func (r Record) IsZero() bool {
	return r.Total.Sign() == 0 && r.Claimed.Sign() == 0
}

// Validate enforces the record invariants: both fields in [0, 2^128) and
// Claimed <= Total.
func (r Record) Validate() error {
	if r.Total == nil || r.Claimed == nil {
		return fmt.Errorf("record has nil amount field")
	}
	if r.Total.Sign() < 0 || r.Claimed.Sign() < 0 {
		return fmt.Errorf("record has negative amount (total=%s claimed=%s)", r.Total, r.Claimed)
	}
	if r.Total.Cmp(MaxAmount) > 0 {
		return fmt.Errorf("total %s exceeds 128-bit range", r.Total)
	}
	if r.Claimed.Cmp(r.Total) > 0 {
		return fmt.Errorf("claimed %s exceeds total %s", r.Claimed, r.Total)
	}
	return nil
}
