// Package engine drives the vesting offer: it converts deposits into stream
// records, settles claims against the vesting schedule, moves ownership, and
// emits one event per applied operation. Operations follow a strict order:
// ledger mutations first, then the external asset call, then commit. An
// asset failure rolls the ledger back and no partial state survives.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VestLedger/internal/access"
	"VestLedger/internal/asset"
	"VestLedger/internal/event"
	"VestLedger/internal/ledger"
	"VestLedger/internal/observability"
	"VestLedger/internal/stream"
	"VestLedger/internal/vesting"
)

// Clock supplies the engine's notion of now. Injected so tests can pin time.
type Clock func() time.Time

// OfferParams fixes the terms of the conversion offer for the lifetime of
// the process. Rate is whole input tokens per whole output token; decimals
// scale between base units of the two assets.
type OfferParams struct {
	Rate        *big.Int
	InDecimals  uint8
	OutDecimals uint8
	Duration    uint64 // vesting duration, seconds
	Expiry      uint64 // last unix second at which conversions are accepted
	Custody     stream.Principal
}

func (p OfferParams) validate() error {
	if p.Rate == nil || p.Rate.Sign() <= 0 {
		return fmt.Errorf("offer rate must be positive, got %v", p.Rate)
	}
	if p.Duration == 0 {
		return fmt.Errorf("vesting duration must be positive")
	}
	if p.Custody.IsZero() {
		return fmt.Errorf("custody principal must be set")
	}
	return nil
}

// Output is one applied operation's footprint: the event envelope plus the
// post-operation state of every touched stream row.
type Output struct {
	Envelope *event.Envelope
	Streams  []StreamState
}

// StreamState is the durable image of one stream after an operation.
// Deleted marks a key vacated by an ownership transfer.
type StreamState struct {
	ID      stream.ID
	Record  stream.Record
	Deleted bool
}

// Config wires an Engine. Nil PersistChan or PublishChan disables that
// emission path (used by read-only tooling).
type Config struct {
	Params        OfferParams
	StartSequence int64
	Book          *ledger.Book
	Input         asset.InputAsset
	Output        asset.OutputAsset
	Admin         *access.Admin
	Clock         Clock
	Metrics       *observability.Metrics
	PersistChan   chan<- Output
	PublishChan   chan<- Output
	Logger        zerolog.Logger
}

// Engine applies offer operations one at a time. The mutex gives every
// operation the same single-writer semantics the book's Tx assumes, and
// keeps the obligations counter consistent with the book.
type Engine struct {
	mu       sync.Mutex
	sequence int64

	params OfferParams
	book   *ledger.Book
	input  asset.InputAsset
	output asset.OutputAsset
	admin  *access.Admin
	clock  Clock

	// obligations is the sum of unclaimed output units across every stream.
	// The custody reserve must always cover it.
	obligations *big.Int

	metrics     *observability.Metrics
	persistChan chan<- Output
	publishChan chan<- Output
	log         zerolog.Logger
}

// NewEngine builds an engine over an already-restored book. Outstanding
// obligations are recomputed from the book so restarts cannot understate
// what the reserve owes.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Params.validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.Book == nil || cfg.Input == nil || cfg.Output == nil || cfg.Admin == nil {
		return nil, fmt.Errorf("engine: book, assets, and admin are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	obligations := new(big.Int)
	for _, rec := range cfg.Book.Snapshot() {
		obligations.Add(obligations, rec.Remaining())
	}

	e := &Engine{
		sequence:    cfg.StartSequence,
		params:      cfg.Params,
		book:        cfg.Book,
		input:       cfg.Input,
		output:      cfg.Output,
		admin:       cfg.Admin,
		clock:       clock,
		obligations: obligations,
		metrics:     cfg.Metrics,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
		log:         cfg.Logger,
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.ActiveStreams.Set(float64(e.book.Len()))
	}
	return e, nil
}

// Sequence returns the next operation sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Obligations returns the current sum of unclaimed output units.
func (e *Engine) Obligations() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.obligations)
}

func (e *Engine) now() uint64 {
	return uint64(e.clock().Unix())
}

// Convert burns amountIn of the input asset from sender and credits the
// converted output amount to a stream owned by recipient, vesting from now.
// Converts by the same recipient in the same second merge into one stream.
func (e *Engine) Convert(ctx context.Context, sender, recipient stream.Principal, amountIn *big.Int) (stream.ID, *big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if recipient.IsZero() {
		return stream.ID{}, nil, e.reject("convert", "invalid_recipient", ErrInvalidRecipient)
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return stream.ID{}, nil, e.reject("convert", "zero_amount", ErrZeroAmount)
	}

	now := e.now()
	if now > e.params.Expiry {
		return stream.ID{}, nil, e.reject("convert", "expired", ErrExpired)
	}

	amountOut := vesting.ConvertOut(amountIn, e.params.Rate, e.params.InDecimals, e.params.OutDecimals)
	if amountOut.Sign() == 0 {
		return stream.ID{}, nil, e.reject("convert", "zero_amount", ErrZeroAmount)
	}

	// The reserve must cover every unclaimed unit, including this one.
	reserve, err := e.output.BalanceOf(ctx, e.params.Custody)
	if err != nil {
		return stream.ID{}, nil, e.reject("convert", "asset", fmt.Errorf("convert: reserve lookup: %w", err))
	}
	needed := new(big.Int).Add(e.obligations, amountOut)
	if needed.Cmp(reserve) > 0 {
		return stream.ID{}, nil, e.reject("convert", "insufficient_reserves", ErrInsufficientReserves)
	}

	id := stream.EncodeID(recipient, now)

	tx := e.book.Begin()
	existed := !tx.Read(id).IsZero()
	if err := tx.UpsertAdd(id, amountOut); err != nil {
		tx.Rollback()
		return stream.ID{}, nil, e.reject("convert", "ledger", fmt.Errorf("convert: %w", err))
	}

	// Ledger first, asset second: a burn failure rolls the stream back.
	if err := e.input.BurnFrom(ctx, sender, amountIn); err != nil {
		tx.Rollback()
		return stream.ID{}, nil, e.reject("convert", "asset", fmt.Errorf("convert: burn input: %w", err))
	}
	rec := tx.Read(id)
	tx.Commit()

	e.obligations.Add(e.obligations, amountOut)

	e.emit(&event.Envelope{
		EventType: event.EventTypeStreamCreated,
		StreamID:  id,
		Payload: event.StreamCreated{
			StreamID:  id,
			Sender:    sender,
			Recipient: recipient,
			AmountIn:  new(big.Int).Set(amountIn),
			AmountOut: new(big.Int).Set(amountOut),
		},
	}, []StreamState{{ID: id, Record: rec}})

	if e.metrics != nil {
		if existed {
			e.metrics.StreamsMerged.Inc()
		} else {
			e.metrics.StreamsCreated.Inc()
		}
		e.metrics.ActiveStreams.Set(float64(e.book.Len()))
		e.metrics.ConvertedIn.Add(approxFloat(amountIn))
		e.metrics.ConvertedOut.Add(approxFloat(amountOut))
		e.metrics.OpsApplied.WithLabelValues("convert").Inc()
		e.metrics.OpDuration.WithLabelValues("convert").Observe(time.Since(start).Seconds())
	}

	e.log.Info().
		Str("stream_id", id.String()).
		Str("sender", sender.String()).
		Str("recipient", recipient.String()).
		Str("amount_in", amountIn.String()).
		Str("amount_out", amountOut.String()).
		Bool("merged", existed).
		Msg("conversion applied")

	return id, amountOut, nil
}

// Claim settles everything accrued on the stream and pays it to the owner.
func (e *Engine) Claim(ctx context.Context, caller stream.Principal, id stream.ID) (*big.Int, error) {
	return e.ClaimTo(ctx, caller, id, caller)
}

// ClaimTo settles everything accrued on the stream and pays it to an
// arbitrary recipient. Only the stream owner may call. A claim with nothing
// accrued is a successful no-op returning zero.
func (e *Engine) ClaimTo(ctx context.Context, caller stream.Principal, id stream.ID, to stream.Principal) (*big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != id.Owner() {
		return nil, e.reject("claim", "unauthorized", ErrUnauthorized)
	}
	if to.IsZero() {
		return nil, e.reject("claim", "invalid_recipient", ErrInvalidRecipient)
	}

	now := e.now()

	tx := e.book.Begin()
	rec := tx.Read(id)
	claimable := vesting.Claimable(rec.Total, rec.Claimed, id.StartTime(), e.params.Duration, now)
	if claimable.Sign() == 0 {
		tx.Rollback()
		return new(big.Int), nil
	}
	if err := tx.SettleClaim(id, claimable); err != nil {
		tx.Rollback()
		return nil, e.reject("claim", "ledger", fmt.Errorf("claim: %w", err))
	}

	if err := e.output.Transfer(ctx, to, claimable); err != nil {
		tx.Rollback()
		return nil, e.reject("claim", "asset", fmt.Errorf("claim: pay output: %w", err))
	}
	after := tx.Read(id)
	tx.Commit()

	e.obligations.Sub(e.obligations, claimable)

	e.emit(&event.Envelope{
		EventType: event.EventTypeStreamClaimed,
		StreamID:  id,
		Payload: event.StreamClaimed{
			StreamID:  id,
			Recipient: to,
			Amount:    new(big.Int).Set(claimable),
		},
	}, []StreamState{{ID: id, Record: after}})

	if e.metrics != nil {
		e.metrics.ClaimedOut.Add(approxFloat(claimable))
		e.metrics.OpsApplied.WithLabelValues("claim").Inc()
		e.metrics.OpDuration.WithLabelValues("claim").Observe(time.Since(start).Seconds())
	}

	e.log.Info().
		Str("stream_id", id.String()).
		Str("recipient", to.String()).
		Str("amount", claimable.String()).
		Msg("claim settled")

	return claimable, nil
}

// TransferStream rekeys the caller's stream under newOwner, preserving the
// vesting start time. If newOwner already holds a stream with the same start
// time the two records merge. Returns the new stream identifier.
func (e *Engine) TransferStream(ctx context.Context, caller stream.Principal, oldID stream.ID, newOwner stream.Principal) (stream.ID, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != oldID.Owner() {
		return stream.ID{}, e.reject("transfer", "unauthorized", ErrUnauthorized)
	}
	if newOwner.IsZero() {
		return stream.ID{}, e.reject("transfer", "invalid_recipient", ErrInvalidRecipient)
	}

	tx := e.book.Begin()
	if tx.Read(oldID).IsZero() {
		tx.Rollback()
		return stream.ID{}, e.reject("transfer", "not_found", ErrStreamNotFound)
	}
	newID, err := tx.TransferOwnership(oldID, newOwner)
	if err != nil {
		tx.Rollback()
		return stream.ID{}, e.reject("transfer", "ledger", fmt.Errorf("transfer: %w", err))
	}
	after := tx.Read(newID)
	tx.Commit()

	states := []StreamState{{ID: newID, Record: after}}
	if newID != oldID {
		states = append(states, StreamState{ID: oldID, Deleted: true})
	}

	e.emit(&event.Envelope{
		EventType: event.EventTypeStreamTransferred,
		StreamID:  newID,
		Payload: event.StreamTransferred{
			OldStreamID: oldID,
			NewStreamID: newID,
		},
	}, states)

	if e.metrics != nil {
		e.metrics.StreamsMoved.Inc()
		e.metrics.ActiveStreams.Set(float64(e.book.Len()))
		e.metrics.OpsApplied.WithLabelValues("transfer").Inc()
		e.metrics.OpDuration.WithLabelValues("transfer").Observe(time.Since(start).Seconds())
	}

	e.log.Info().
		Str("old_stream_id", oldID.String()).
		Str("new_stream_id", newID.String()).
		Msg("ownership transferred")

	return newID, nil
}

// Withdraw pays amount of the output asset from the custody reserve to an
// arbitrary recipient. Admin only, and only from the surplus above
// outstanding obligations.
func (e *Engine) Withdraw(ctx context.Context, caller, to stream.Principal, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.admin.Require(caller); err != nil {
		return e.reject("withdraw", "unauthorized", err)
	}
	if to.IsZero() {
		return e.reject("withdraw", "invalid_recipient", ErrInvalidRecipient)
	}
	if amount == nil || amount.Sign() <= 0 {
		return e.reject("withdraw", "zero_amount", ErrZeroAmount)
	}

	reserve, err := e.output.BalanceOf(ctx, e.params.Custody)
	if err != nil {
		return e.reject("withdraw", "asset", fmt.Errorf("withdraw: reserve lookup: %w", err))
	}
	surplus := new(big.Int).Sub(reserve, e.obligations)
	if amount.Cmp(surplus) > 0 {
		return e.reject("withdraw", "insufficient_reserves", ErrInsufficientReserves)
	}

	if err := e.output.Transfer(ctx, to, amount); err != nil {
		return e.reject("withdraw", "asset", fmt.Errorf("withdraw: %w", err))
	}

	e.emit(&event.Envelope{
		EventType: event.EventTypeAdminWithdrawal,
		Payload: event.AdminWithdrawal{
			To:     to,
			Amount: new(big.Int).Set(amount),
		},
	}, nil)

	if e.metrics != nil {
		e.metrics.AdminWithdrawn.Add(approxFloat(amount))
		e.metrics.OpsApplied.WithLabelValues("withdraw").Inc()
		e.metrics.OpDuration.WithLabelValues("withdraw").Observe(time.Since(start).Seconds())
	}

	e.log.Info().
		Str("to", to.String()).
		Str("amount", amount.String()).
		Msg("admin withdrawal")

	return nil
}

// TransferAdmin hands the admin capability to next. Holder only.
func (e *Engine) TransferAdmin(caller, next stream.Principal) error {
	if err := e.admin.Transfer(caller, next); err != nil {
		return e.reject("transfer_admin", "unauthorized", err)
	}
	e.log.Info().
		Str("from", caller.String()).
		Str("to", next.String()).
		Msg("admin capability transferred")
	return nil
}

// ReadStream returns a copy of the record at id (zero record if absent).
func (e *Engine) ReadStream(id stream.ID) stream.Record {
	return e.book.Read(id)
}

// ClaimableBalance reports what a claim at the current time would pay out.
func (e *Engine) ClaimableBalance(id stream.ID) *big.Int {
	rec := e.book.Read(id)
	return vesting.Claimable(rec.Total, rec.Claimed, id.StartTime(), e.params.Duration, e.now())
}

// Params returns the immutable offer terms.
func (e *Engine) Params() OfferParams {
	return e.params
}

// emit assigns the sequence number and fans the output out: blocking send to
// persistence (no event may be lost), non-blocking send to the publisher
// (observers can re-read the event log).
func (e *Engine) emit(env *event.Envelope, states []StreamState) {
	env.Sequence = e.sequence
	env.EventID = uuid.New()
	env.Timestamp = e.clock().UTC()
	e.sequence++

	out := Output{Envelope: env, Streams: states}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
			e.log.Warn().
				Int64("sequence", env.Sequence).
				Str("event_type", env.EventType.String()).
				Msg("publish channel full, event dropped")
		}
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

func (e *Engine) reject(op, reason string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
	e.log.Debug().Str("op", op).Str("reason", reason).Err(err).Msg("operation rejected")
	return err
}

func approxFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
