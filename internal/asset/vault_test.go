package asset_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"VestLedger/internal/asset"
	"VestLedger/internal/stream"
)

func TestVault_BurnFrom(t *testing.T) {
	holder, _ := stream.ParsePrincipal("0x1111111111111111111111111111111111111111")
	custody, _ := stream.ParsePrincipal("0xcccccccccccccccccccccccccccccccccccccccc")
	v := asset.NewVault("USDC", custody)
	v.Mint(holder, big.NewInt(1000))

	if err := v.BurnFrom(context.Background(), holder, big.NewInt(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	bal, _ := v.BalanceOf(context.Background(), holder)
	if bal.Int64() != 600 {
		t.Errorf("balance after burn: got %s, want 600", bal)
	}

	err := v.BurnFrom(context.Background(), holder, big.NewInt(601))
	if !errors.Is(err, asset.ErrInsufficientBalance) {
		t.Errorf("overdraft burn: got %v, want ErrInsufficientBalance", err)
	}
}

func TestVault_TransferFromCustody(t *testing.T) {
	recipient, _ := stream.ParsePrincipal("0x2222222222222222222222222222222222222222")
	custody, _ := stream.ParsePrincipal("0xcccccccccccccccccccccccccccccccccccccccc")
	v := asset.NewVault("TKN", custody)
	v.Mint(custody, big.NewInt(50))

	if err := v.Transfer(context.Background(), recipient, big.NewInt(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	got, _ := v.BalanceOf(context.Background(), recipient)
	if got.Int64() != 30 {
		t.Errorf("recipient balance: got %s, want 30", got)
	}

	err := v.Transfer(context.Background(), recipient, big.NewInt(21))
	if !errors.Is(err, asset.ErrInsufficientBalance) {
		t.Errorf("reserve overdraft: got %v, want ErrInsufficientBalance", err)
	}

	// Failed transfer must not partially apply.
	got, _ = v.BalanceOf(context.Background(), recipient)
	if got.Int64() != 30 {
		t.Errorf("recipient balance after failed transfer: got %s, want 30", got)
	}
}
