package access_test

import (
	"errors"
	"testing"

	"VestLedger/internal/access"
	"VestLedger/internal/stream"
)

func TestAdmin_RequireAndTransfer(t *testing.T) {
	first, _ := stream.ParsePrincipal("0x1111111111111111111111111111111111111111")
	second, _ := stream.ParsePrincipal("0x2222222222222222222222222222222222222222")
	stranger, _ := stream.ParsePrincipal("0x3333333333333333333333333333333333333333")

	admin := access.NewAdmin(first)

	if err := admin.Require(first); err != nil {
		t.Errorf("initial holder rejected: %v", err)
	}
	if err := admin.Require(stranger); !errors.Is(err, access.ErrNotAdmin) {
		t.Errorf("stranger: got %v, want ErrNotAdmin", err)
	}

	if err := admin.Transfer(stranger, second); !errors.Is(err, access.ErrNotAdmin) {
		t.Errorf("transfer by non-holder: got %v, want ErrNotAdmin", err)
	}
	if admin.Current() != first {
		t.Error("failed transfer must not change the holder")
	}

	if err := admin.Transfer(first, second); err != nil {
		t.Fatalf("transfer by holder: %v", err)
	}
	if admin.Current() != second {
		t.Error("transfer should install the new holder")
	}
	if err := admin.Require(first); !errors.Is(err, access.ErrNotAdmin) {
		t.Error("old holder should lose the capability")
	}
}
