package asset

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"VestLedger/internal/stream"
)

// Vault is an in-memory token balance table implementing both asset ports.
// It backs the dev wiring and the engine tests; production deployments
// substitute adapters to the real asset services.
type Vault struct {
	mu       sync.Mutex
	symbol   string
	custody  stream.Principal
	balances map[stream.Principal]*big.Int
}

// NewVault creates a vault for one asset. Output-asset transfers are paid
// from the custody principal's balance.
func NewVault(symbol string, custody stream.Principal) *Vault {
	return &Vault{
		symbol:   symbol,
		custody:  custody,
		balances: make(map[stream.Principal]*big.Int),
	}
}

// Mint credits a holder out of thin air. Test and bootstrap helper.
func (v *Vault) Mint(holder stream.Principal, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(holder, amount)
}

func (v *Vault) credit(holder stream.Principal, amount *big.Int) {
	bal, ok := v.balances[holder]
	if !ok {
		bal = new(big.Int)
		v.balances[holder] = bal
	}
	bal.Add(bal, amount)
}

func (v *Vault) debit(holder stream.Principal, amount *big.Int) error {
	bal, ok := v.balances[holder]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%s: debit %s from %s: %w", v.symbol, amount, holder, ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// BurnFrom implements InputAsset: the amount is debited and destroyed.
func (v *Vault) BurnFrom(_ context.Context, from stream.Principal, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.debit(from, amount)
}

// Transfer implements OutputAsset: pays to from the custody balance.
func (v *Vault) Transfer(_ context.Context, to stream.Principal, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.debit(v.custody, amount); err != nil {
		return err
	}
	v.credit(to, amount)
	return nil
}

// BalanceOf implements OutputAsset.
func (v *Vault) BalanceOf(_ context.Context, holder stream.Principal) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.balances[holder]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}
