// Package crowdsale implements a time-boxed token sale: rate resolution over
// a position-based schedule and atomic purchase settlement against a
// mint-only token ledger.
package crowdsale

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokensale/clock"
	"tokensale/core/events"
	"tokensale/crypto"
	"tokensale/native/token"
)

const tracerName = "tokensale/native/crowdsale"

var receiptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tokensale:crowdsale:receipt"))

// MetricsRecorder receives purchase outcomes and sale totals.
type MetricsRecorder interface {
	RecordPurchase(outcome string, value, tokens *big.Int)
	RecordState(weiRaised, totalSupply, rate *big.Int)
}

type noopMetrics struct{}

func (noopMetrics) RecordPurchase(string, *big.Int, *big.Int) {}
func (noopMetrics) RecordState(*big.Int, *big.Int, *big.Int)  {}

// Engine settles purchases for a single sale. Mutations are serialized; a
// purchase either commits entirely or leaves no trace.
type Engine struct {
	mu          sync.RWMutex
	params      Params
	schedule    *Schedule
	clock       clock.Source
	ledger      *token.Ledger
	address     [20]byte
	fingerprint [32]byte
	cap         *uint256.Int
	goal        *uint256.Int
	weiRaised   *uint256.Int
	seq         uint64
	history     []*Purchase
	store       *Store
	ledgerBuf   *events.Recorder
	logger      *slog.Logger
	metrics     MetricsRecorder
	tracer      trace.Tracer

	emitMu   sync.Mutex
	emitter  events.Emitter
	pending  []events.Event
	flushing bool
}

// NewEngine validates params, creates the token ledger with the engine as
// its only minter and mints the fund pre-allocation to the wallet.
func NewEngine(params Params, source clock.Source) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: clock source required", ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p := params.clone()
	schedule, err := p.Schedule()
	if err != nil {
		return nil, err
	}
	fingerprint, err := p.Fingerprint()
	if err != nil {
		return nil, err
	}
	var address [20]byte
	copy(address[:], ethcrypto.Keccak256([]byte("tokensale/crowdsale/"), fingerprint[:])[12:])

	ledger, err := token.NewLedger(p.Token, address)
	if err != nil {
		return nil, err
	}
	buf := &events.Recorder{}
	ledger.SetEmitter(buf)

	capValue, _ := uint256.FromBig(p.Cap)
	goal, _ := uint256.FromBig(p.Goal)
	prealloc, _ := uint256.FromBig(p.FundPreallocation)
	if !prealloc.IsZero() {
		if err := ledger.MintWithReason(address, p.Wallet, prealloc, events.SupplyReasonPreallocation); err != nil {
			return nil, fmt.Errorf("crowdsale: mint fund pre-allocation: %w", err)
		}
	}

	return &Engine{
		params:      p,
		schedule:    schedule,
		clock:       source,
		ledger:      ledger,
		address:     address,
		fingerprint: fingerprint,
		cap:         capValue,
		goal:        goal,
		weiRaised:   uint256.NewInt(0),
		ledgerBuf:   buf,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:     noopMetrics{},
		tracer:      otel.Tracer(tracerName),
		emitter:     events.NoopEmitter{},
		pending:     buf.Drain(),
	}, nil
}

// SetEmitter configures the event emitter. Events raised before an emitter
// was configured, such as the pre-allocation mint, are delivered to it.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.emitMu.Lock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
	e.emitMu.Unlock()
	e.flush()
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.logger = logger.With(slog.String("component", "crowdsale"))
}

// SetMetrics configures the metrics sink.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

// SetTracerProvider routes purchase spans to tp instead of the global
// provider.
func (e *Engine) SetTracerProvider(tp trace.TracerProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tp == nil {
		e.tracer = otel.Tracer(tracerName)
		return
	}
	e.tracer = tp.Tracer(tracerName)
}

// AttachStore binds the engine to a purchase journal and replays it. It must
// be called before the first purchase.
func (e *Engine) AttachStore(store *Store) error {
	if e == nil {
		return errNilEngine
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store != nil || e.seq > 0 {
		return ErrStoreAttached
	}
	if err := store.BindParams(e.fingerprint); err != nil {
		return err
	}
	journal, err := store.All()
	if err != nil {
		return err
	}

	supply := e.ledger.TotalSupply()
	raised := uint256.NewInt(0)
	type replay struct {
		beneficiary [20]byte
		tokens      *uint256.Int
	}
	steps := make([]replay, 0, len(journal))
	for i, p := range journal {
		if p.Seq != uint64(i+1) || crypto.IsZeroAddress(p.Beneficiary) {
			return fmt.Errorf("%w: record %d", ErrJournalCorrupt, i+1)
		}
		value, tokens, err := e.replayAmounts(p)
		if err != nil {
			return err
		}
		var overflow bool
		if supply, overflow = new(uint256.Int).AddOverflow(supply, tokens); overflow || supply.Gt(e.cap) {
			return fmt.Errorf("%w: record %d exceeds cap", ErrJournalCorrupt, p.Seq)
		}
		if raised, overflow = new(uint256.Int).AddOverflow(raised, value); overflow {
			return fmt.Errorf("%w: record %d overflows wei raised", ErrJournalCorrupt, p.Seq)
		}
		steps = append(steps, replay{beneficiary: p.Beneficiary, tokens: tokens})
	}
	for _, step := range steps {
		if err := e.ledger.Mint(e.address, step.beneficiary, step.tokens); err != nil {
			return fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
		}
	}
	e.ledgerBuf.Drain()
	e.weiRaised = raised
	e.seq = uint64(len(journal))
	e.history = journal
	e.store = store
	e.logger.Info("purchase journal replayed",
		slog.Uint64("purchases", e.seq),
		slog.String("weiRaised", raised.Dec()),
		slog.String("totalSupply", supply.Dec()))
	return nil
}

// replayAmounts checks that a journaled purchase is one the engine could
// have committed: inside the window, at the scheduled rate, minting exactly
// value × rate.
func (e *Engine) replayAmounts(p *Purchase) (*uint256.Int, *uint256.Int, error) {
	if p.Position < e.params.StartPosition || p.Position >= e.params.EndPosition {
		return nil, nil, fmt.Errorf("%w: record %d at position %d outside [%d, %d)",
			ErrJournalCorrupt, p.Seq, p.Position, e.params.StartPosition, e.params.EndPosition)
	}
	if p.Value == nil || p.Value.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: record %d has no contribution", ErrJournalCorrupt, p.Seq)
	}
	rate := e.schedule.RateAt(p.Position - e.params.StartPosition)
	if p.Rate == nil || p.Rate.Cmp(rate) != 0 {
		return nil, nil, fmt.Errorf("%w: record %d rate %v, schedule has %s", ErrJournalCorrupt, p.Seq, p.Rate, rate)
	}
	value, overflowValue := uint256.FromBig(p.Value)
	tokens, overflowTokens := uint256.FromBig(p.Amount)
	if overflowValue || overflowTokens {
		return nil, nil, fmt.Errorf("%w: record %d overflows", ErrJournalCorrupt, p.Seq)
	}
	rate256, _ := uint256.FromBig(rate)
	expected, overflow := new(uint256.Int).MulOverflow(value, rate256)
	if overflow || !expected.Eq(tokens) {
		return nil, nil, fmt.Errorf("%w: record %d mints %s, expected %s × %s", ErrJournalCorrupt, p.Seq, p.Amount, p.Value, rate)
	}
	return value, tokens, nil
}

// Send is the direct-transfer entry point: the payer is the beneficiary.
func (e *Engine) Send(payer [20]byte, amount *big.Int) (*Purchase, error) {
	return e.BuyTokens(payer, payer, amount)
}

// BuyTokens mints amount × current rate tokens to beneficiary on behalf of
// payer. Checks run in order: beneficiary, amount, window, cap.
func (e *Engine) BuyTokens(payer, beneficiary [20]byte, amount *big.Int) (*Purchase, error) {
	return e.BuyTokensContext(context.Background(), payer, beneficiary, amount)
}

// BuyTokensContext is BuyTokens with a parent context for tracing. The
// context does not cancel a purchase once it has started.
func (e *Engine) BuyTokensContext(ctx context.Context, payer, beneficiary [20]byte, amount *big.Int) (*Purchase, error) {
	if e == nil {
		return nil, errNilEngine
	}
	e.mu.RLock()
	tracer := e.tracer
	e.mu.RUnlock()
	_, span := tracer.Start(ctx, "crowdsale.BuyTokens", trace.WithAttributes(
		attribute.String("sale.beneficiary", crypto.FormatAddress(beneficiary)),
	))
	defer span.End()

	e.mu.Lock()
	purchase, queued, err := e.buyLocked(payer, beneficiary, amount)
	logger, metrics := e.logger, e.metrics
	var raised, supply *big.Int
	if err == nil {
		raised, supply = e.weiRaised.ToBig(), e.ledger.TotalSupply().ToBig()
		e.enqueue(queued)
	}
	e.mu.Unlock()

	if err != nil {
		span.SetAttributes(attribute.String("sale.outcome", Outcome(err)))
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordPurchase(Outcome(err), amount, nil)
		logger.Debug("purchase rejected",
			slog.String("payer", crypto.FormatAddress(payer)),
			slog.String("beneficiary", crypto.FormatAddress(beneficiary)),
			slog.String("reason", Outcome(err)),
			slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("sale.outcome", Outcome(nil)),
		attribute.Int64("sale.seq", int64(purchase.Seq)),
		attribute.String("sale.receipt", purchase.Receipt),
	)
	metrics.RecordPurchase(Outcome(nil), purchase.Value, purchase.Amount)
	metrics.RecordState(raised, supply, purchase.Rate)
	logger.Info("tokens purchased",
		slog.Uint64("seq", purchase.Seq),
		slog.String("receipt", purchase.Receipt),
		slog.String("beneficiary", crypto.FormatAddress(purchase.Beneficiary)),
		slog.String("value", purchase.Value.String()),
		slog.String("amount", purchase.Amount.String()),
		slog.Uint64("position", purchase.Position))
	e.flush()
	return purchase.Copy(), nil
}

func (e *Engine) buyLocked(payer, beneficiary [20]byte, amount *big.Int) (*Purchase, []events.Event, error) {
	if crypto.IsZeroAddress(beneficiary) {
		return nil, nil, ErrInvalidBeneficiary
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrNonPositiveAmount
	}
	position := e.clock.Position()
	if position < e.params.StartPosition || position >= e.params.EndPosition {
		return nil, nil, fmt.Errorf("%w: position %d not in [%d, %d)", ErrWindowViolation, position, e.params.StartPosition, e.params.EndPosition)
	}

	rate := e.schedule.RateAt(position - e.params.StartPosition)
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, nil, fmt.Errorf("%w: contribution exceeds 256 bits", ErrOverflow)
	}
	rate256, _ := uint256.FromBig(rate)
	tokens, overflow := new(uint256.Int).MulOverflow(value, rate256)
	if overflow {
		return nil, nil, fmt.Errorf("%w: %s × %s", ErrOverflow, value.Dec(), rate256.Dec())
	}
	supply := e.ledger.TotalSupply()
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, tokens)
	if overflow {
		return nil, nil, fmt.Errorf("%w: total supply", ErrOverflow)
	}
	if nextSupply.Gt(e.cap) {
		return nil, nil, fmt.Errorf("%w: supply would reach %s, cap %s", ErrCapExceeded, nextSupply.Dec(), e.cap.Dec())
	}
	nextRaised, overflow := new(uint256.Int).AddOverflow(e.weiRaised, value)
	if overflow {
		return nil, nil, fmt.Errorf("%w: wei raised", ErrOverflow)
	}
	if err := e.ledger.CheckMint(e.address, beneficiary, tokens); err != nil {
		return nil, nil, err
	}

	purchase := &Purchase{
		Seq:         e.seq + 1,
		Purchaser:   payer,
		Beneficiary: beneficiary,
		Value:       value.ToBig(),
		Amount:      tokens.ToBig(),
		Rate:        rate,
		Position:    position,
	}
	purchase.Receipt = e.receipt(purchase.Seq)

	if e.store != nil {
		if err := e.store.Append(purchase); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrJournalWrite, err)
		}
	}
	if err := e.ledger.Mint(e.address, beneficiary, tokens); err != nil {
		if e.store != nil {
			if rbErr := e.store.Rollback(purchase.Seq); rbErr != nil {
				e.logger.Error("journal rollback failed", slog.Uint64("seq", purchase.Seq), slog.Any("error", rbErr))
			}
		}
		e.ledgerBuf.Drain()
		return nil, nil, err
	}
	e.weiRaised = nextRaised
	e.seq = purchase.Seq
	e.history = append(e.history, purchase.Copy())

	queued := e.ledgerBuf.Drain()
	queued = append(queued, TokenPurchase{Purchase: purchase.Copy()})
	return purchase, queued, nil
}

// enqueue appends events to the delivery queue. Callers hold e.mu so queue
// order matches commit order.
func (e *Engine) enqueue(queued []events.Event) {
	e.emitMu.Lock()
	e.pending = append(e.pending, queued...)
	e.emitMu.Unlock()
}

// flush delivers queued events without holding any engine lock. An emitter
// that triggers a purchase while handling an event has that purchase's events
// delivered by the outer flush once the current event returns.
func (e *Engine) flush() {
	e.emitMu.Lock()
	if e.flushing {
		e.emitMu.Unlock()
		return
	}
	e.flushing = true
	for len(e.pending) > 0 {
		batch := e.pending
		e.pending = nil
		emitter := e.emitter
		e.emitMu.Unlock()
		for _, evt := range batch {
			emitter.Emit(evt)
		}
		e.emitMu.Lock()
	}
	e.flushing = false
	e.emitMu.Unlock()
}

func (e *Engine) receipt(seq uint64) string {
	var buf [40]byte
	copy(buf[:32], e.fingerprint[:])
	binary.BigEndian.PutUint64(buf[32:], seq)
	return uuid.NewSHA1(receiptNamespace, buf[:]).String()
}

// Position returns the current reading of the engine's clock.
func (e *Engine) Position() uint64 { return e.clock.Position() }

// GetRate returns the rate for the current position. Before the start it
// returns the schedule default and after the end the terminal tier.
func (e *Engine) GetRate() *big.Int {
	position := e.clock.Position()
	if position < e.params.StartPosition {
		return e.schedule.Default()
	}
	return e.schedule.RateAt(position - e.params.StartPosition)
}

// HasEnded reports whether the window has closed or the goal was reached.
func (e *Engine) HasEnded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock.Position() >= e.params.EndPosition || !e.weiRaised.Lt(e.goal)
}

// GoalReached reports whether the wei raised meets the goal.
func (e *Engine) GoalReached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.weiRaised.Lt(e.goal)
}

// CapReached reports whether the supply has reached the cap.
func (e *Engine) CapReached() bool {
	return !e.ledger.TotalSupply().Lt(e.cap)
}

// Status derives the lifecycle phase from the current position and totals.
func (e *Engine) Status() Status {
	if e.clock.Position() < e.params.StartPosition {
		return StatusNotStarted
	}
	if e.HasEnded() || e.CapReached() {
		return StatusEnded
	}
	return StatusOpen
}

// WeiRaised returns the cumulative contributions.
func (e *Engine) WeiRaised() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weiRaised.ToBig()
}

// Purchases returns every committed purchase in order.
func (e *Engine) Purchases() []*Purchase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Purchase, len(e.history))
	for i, p := range e.history {
		out[i] = p.Copy()
	}
	return out
}

// TotalSupply returns the token supply.
func (e *Engine) TotalSupply() *big.Int { return e.ledger.TotalSupply().ToBig() }

// BalanceOf returns the token balance held by addr.
func (e *Engine) BalanceOf(addr [20]byte) *big.Int { return e.ledger.BalanceOf(addr).ToBig() }

// Token exposes the ledger for read access. Mints from any caller other
// than the engine are rejected by the ledger.
func (e *Engine) Token() *token.Ledger { return e.ledger }

// Address is the identity the ledger accepts mints from.
func (e *Engine) Address() [20]byte { return e.address }

// Fingerprint identifies the sale parameters.
func (e *Engine) Fingerprint() [32]byte { return e.fingerprint }

// Schedule returns the rate schedule.
func (e *Engine) Schedule() *Schedule { return e.schedule }

func (e *Engine) Cap() *big.Int               { return e.cap.ToBig() }
func (e *Engine) Goal() *big.Int              { return e.goal.ToBig() }
func (e *Engine) Wallet() [20]byte            { return e.params.Wallet }
func (e *Engine) StartPosition() uint64       { return e.params.StartPosition }
func (e *Engine) EndPosition() uint64         { return e.params.EndPosition }
func (e *Engine) FundPreallocation() *big.Int { return new(big.Int).Set(e.params.FundPreallocation) }

// IsRejection reports whether err is one of the purchase rejection classes.
func IsRejection(err error) bool {
	for _, class := range []error{ErrWindowViolation, ErrInvalidAmount, ErrCapExceeded, ErrUnauthorized, ErrOverflow} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}
