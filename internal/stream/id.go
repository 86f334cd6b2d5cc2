package stream

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Principal is a 160-bit address capable of owning streams and
// authorizing calls.
type Principal [20]byte

// ZeroPrincipal is the null address. It is never a valid recipient.
var ZeroPrincipal Principal

// IsZero reports whether p is the null principal.
func (p Principal) IsZero() bool {
	return p == ZeroPrincipal
}

func (p Principal) String() string {
	return "0x" + hex.EncodeToString(p[:])
}

// ParsePrincipal parses the 0x-prefixed 40-hex-char form.
func ParsePrincipal(s string) (Principal, error) {
	var p Principal
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 2*len(p) {
		return p, fmt.Errorf("principal must be %d hex chars, got %d", 2*len(p), len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("invalid principal %q: %w", s, err)
	}
	copy(p[:], b)
	return p, nil
}

// MarshalJSON renders the 0x-prefixed hex form.
func (p Principal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Principal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParsePrincipal(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ID is the packed 256-bit stream identifier: the high 160 bits hold the
// owning principal, the low 96 bits hold the vesting start time (seconds).
// The top 32 bits of the time field are always zero because start times are
// 64-bit. The packing is bijective over (owner, startTime), so two converts
// by the same recipient in the same second collide on purpose; that is the
// mechanism the ledger's merge semantics are built on.
type ID [32]byte

// EncodeID packs (owner, startTime) into a stream identifier.
func EncodeID(owner Principal, startTime uint64) ID {
	var id ID
	copy(id[:20], owner[:])
	// bytes 20..23 stay zero (96-bit field, 64-bit value)
	binary.BigEndian.PutUint64(id[24:], startTime)
	return id
}

// DecodeID unpacks a stream identifier into its owner and start time.
func DecodeID(id ID) (Principal, uint64) {
	var owner Principal
	copy(owner[:], id[:20])
	return owner, binary.BigEndian.Uint64(id[24:])
}

// Owner returns the owning principal without unpacking the start time.
func (id ID) Owner() Principal {
	var owner Principal
	copy(owner[:], id[:20])
	return owner
}

// StartTime returns the vesting start time encoded in the identifier.
func (id ID) StartTime() uint64 {
	return binary.BigEndian.Uint64(id[24:])
}

func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// MarshalJSON renders the 0x-prefixed hex form.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the 0x-prefixed 64-hex-char form. Identifiers whose filler
// bits (bytes 20..23) are non-zero cannot have been produced by EncodeID and
// are rejected.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("stream id must be %d hex chars, got %d", 2*len(id), len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid stream id %q: %w", s, err)
	}
	copy(id[:], b)
	if id[20] != 0 || id[21] != 0 || id[22] != 0 || id[23] != 0 {
		return ID{}, fmt.Errorf("stream id %s has non-zero filler bits", s)
	}
	return id, nil
}
