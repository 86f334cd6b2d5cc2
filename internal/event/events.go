// Package event defines the outbound events the engine emits for off-chain
// observers. Events are informational: nothing inside the engine consumes
// them.
package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"VestLedger/internal/stream"
)

// EventType discriminator for event payloads.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStreamCreated
	EventTypeStreamClaimed
	EventTypeStreamTransferred
	EventTypeAdminWithdrawal
)

func (et EventType) String() string {
	switch et {
	case EventTypeStreamCreated:
		return "StreamCreated"
	case EventTypeStreamClaimed:
		return "StreamClaimed"
	case EventTypeStreamTransferred:
		return "StreamTransferred"
	case EventTypeAdminWithdrawal:
		return "AdminWithdrawal"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted event. Sequence is the engine's monotonic
// operation counter; EventID is stable per emission and doubles as the
// idempotency key for the persistence layer.
type Envelope struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType EventType
	StreamID  stream.ID
	Timestamp time.Time
	Payload   any
}

// StreamCreated is emitted by a successful conversion.
type StreamCreated struct {
	StreamID  stream.ID        `json:"stream_id"`
	Sender    stream.Principal `json:"sender"`
	Recipient stream.Principal `json:"recipient"`
	AmountIn  *big.Int         `json:"amount_in"`
	AmountOut *big.Int         `json:"amount_out"`
}

// StreamClaimed is emitted by a successful claim settlement.
type StreamClaimed struct {
	StreamID  stream.ID        `json:"stream_id"`
	Recipient stream.Principal `json:"recipient"`
	Amount    *big.Int         `json:"amount"`
}

// StreamTransferred is emitted when stream ownership changes.
type StreamTransferred struct {
	OldStreamID stream.ID `json:"old_stream_id"`
	NewStreamID stream.ID `json:"new_stream_id"`
}

// AdminWithdrawal is emitted by the administrative reserve withdrawal.
type AdminWithdrawal struct {
	To     stream.Principal `json:"to"`
	Amount *big.Int         `json:"amount"`
}
