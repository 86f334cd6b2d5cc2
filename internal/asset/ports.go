// Package asset defines the boundary to the input and output asset
// services. The engine only ever sees these two interfaces; the actual
// transfer/burn mechanics live outside the ledger.
package asset

import (
	"context"
	"errors"
	"math/big"

	"VestLedger/internal/stream"
)

// ErrInsufficientBalance is returned synchronously when a debit exceeds the
// holder's balance.
var ErrInsufficientBalance = errors.New("asset: insufficient balance")

// InputAsset debits the depositing principal and destroys the value. A
// failure aborts the surrounding conversion.
type InputAsset interface {
	BurnFrom(ctx context.Context, from stream.Principal, amount *big.Int) error
}

// OutputAsset credits claim recipients from the ledger's custody and
// exposes the custody balance for the administrative withdrawal path.
type OutputAsset interface {
	Transfer(ctx context.Context, to stream.Principal, amount *big.Int) error
	BalanceOf(ctx context.Context, holder stream.Principal) (*big.Int, error)
}
