// Package access holds the process-wide single-admin capability. Stream
// ownership is per-stream and lives in the ledger; this capability only
// gates the administrative reserve withdrawal.
package access

import (
	"errors"
	"sync"

	"VestLedger/internal/stream"
)

// ErrNotAdmin is returned when a caller other than the current holder
// exercises or transfers the capability.
var ErrNotAdmin = errors.New("access: caller is not the admin")

// Admin holds exactly one authorized principal, set at construction and
// transferable only by the current holder.
type Admin struct {
	mu      sync.RWMutex
	current stream.Principal
}

func NewAdmin(initial stream.Principal) *Admin {
	return &Admin{current: initial}
}

// Current returns the present holder.
func (a *Admin) Current() stream.Principal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Require returns ErrNotAdmin unless caller holds the capability.
func (a *Admin) Require(caller stream.Principal) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if caller != a.current {
		return ErrNotAdmin
	}
	return nil
}

// Transfer hands the capability to next. Only the current holder may call.
func (a *Admin) Transfer(caller, next stream.Principal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.current {
		return ErrNotAdmin
	}
	a.current = next
	return nil
}
