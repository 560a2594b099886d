package crowdsale

import (
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tokensale/clock"
	"tokensale/core/events"
	"tokensale/native/token"
)

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func ether(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), unit) }

func alis(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), unit) }

func testAddr(b byte) [20]byte {
	var a [20]byte
	a[0] = 0x10
	a[19] = b
	return a
}

var (
	wallet    = testAddr(0xFE)
	investor  = testAddr(0x01)
	purchaser = testAddr(0x02)
)

func baseParams(start, end uint64, rate int64) Params {
	return Params{
		StartPosition:     start,
		EndPosition:       end,
		Rate:              big.NewInt(rate),
		Wallet:            wallet,
		Cap:               alis(500_000_000),
		FundPreallocation: alis(250_000_000),
		Goal:              ether(50_000),
		Token:             token.Metadata{Name: "AlisToken", Symbol: "ALIS", Decimals: 18},
	}
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	raised   *big.Int
}

func (m *fakeMetrics) RecordPurchase(outcome string, _, _ *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) RecordState(weiRaised, _, _ *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raised = new(big.Int).Set(weiRaised)
}

func newTestEngine(t *testing.T, params Params, at uint64) (*Engine, *clock.Manual, *events.Recorder) {
	t.Helper()
	clk := clock.NewManual(at)
	engine, err := NewEngine(params, clk)
	require.NoError(t, err)
	rec := &events.Recorder{}
	engine.SetEmitter(rec)
	return engine, clk, rec
}

func requireInvariants(t *testing.T, e *Engine) {
	t.Helper()
	sum, ok := e.Token().SumBalances()
	require.True(t, ok)
	require.Equal(t, 0, sum.ToBig().Cmp(e.TotalSupply()), "supply must equal sum of balances")
	require.True(t, e.TotalSupply().Cmp(e.Cap()) <= 0, "supply must not exceed cap")
}

func TestNewEngineMintsFundPreallocation(t *testing.T) {
	engine, _, rec := newTestEngine(t, baseParams(110, 120, 2080), 100)

	require.Equal(t, alis(250_000_000), engine.BalanceOf(wallet))
	require.Equal(t, alis(250_000_000), engine.TotalSupply())
	offering := new(big.Int).Sub(engine.Cap(), engine.TotalSupply())
	require.Equal(t, alis(250_000_000), offering)
	require.Equal(t, engine.Address(), engine.Token().Minter())
	require.Equal(t, wallet, engine.Wallet())
	require.Equal(t, uint64(110), engine.StartPosition())
	require.Equal(t, uint64(120), engine.EndPosition())

	supply := rec.OfType(events.TypeTokenSupply)
	require.Len(t, supply, 1, "pre-allocation mint is delivered once an emitter is set")
	require.Equal(t, events.SupplyReasonPreallocation, supply[0].Attr("reason"))
	requireInvariants(t, engine)
}

func TestNewEngineRejectsInvalidParams(t *testing.T) {
	_, err := NewEngine(baseParams(120, 120, 1), clock.Fixed(0))
	require.True(t, errors.Is(err, ErrInvalidParams))

	_, err = NewEngine(baseParams(100, 120, 1), nil)
	require.True(t, errors.Is(err, ErrInvalidParams))
}

func TestPurchaseWindow(t *testing.T) {
	const start, end = 110, 120
	engine, clk, _ := newTestEngine(t, baseParams(start, end, 2080), 100)
	amount := ether(42)

	_, err := engine.Send(investor, amount)
	require.True(t, errors.Is(err, ErrWindowViolation), "got %v", err)
	_, err = engine.BuyTokens(purchaser, investor, amount)
	require.True(t, errors.Is(err, ErrWindowViolation), "got %v", err)
	require.Equal(t, StatusNotStarted, engine.Status())

	require.NoError(t, clk.AdvanceTo(start-1))
	_, err = engine.Send(investor, amount)
	require.True(t, errors.Is(err, ErrWindowViolation))

	require.NoError(t, clk.AdvanceTo(start))
	require.Equal(t, StatusOpen, engine.Status())
	_, err = engine.Send(investor, amount)
	require.NoError(t, err)
	_, err = engine.BuyTokens(purchaser, investor, amount)
	require.NoError(t, err)

	require.NoError(t, clk.AdvanceTo(end-1))
	_, err = engine.BuyTokens(purchaser, investor, amount)
	require.NoError(t, err)

	require.NoError(t, clk.AdvanceTo(end))
	_, err = engine.Send(investor, amount)
	require.True(t, errors.Is(err, ErrWindowViolation))
	_, err = engine.BuyTokens(purchaser, investor, amount)
	require.True(t, errors.Is(err, ErrWindowViolation))
	require.Equal(t, StatusEnded, engine.Status())
	requireInvariants(t, engine)
}

func TestHighLevelPurchase(t *testing.T) {
	const n = 1000
	rate := int64(2080)
	engine, clk, rec := newTestEngine(t, baseParams(n+10, n+20, rate), n)
	require.NoError(t, clk.AdvanceTo(n+10))

	amount := ether(42)
	expectedTokens := new(big.Int).Mul(amount, big.NewInt(rate))
	walletBefore := engine.BalanceOf(wallet)

	purchase, err := engine.BuyTokens(purchaser, investor, amount)
	require.NoError(t, err)
	require.Equal(t, uint64(1), purchase.Seq)
	require.Equal(t, expectedTokens, purchase.Amount)
	require.Equal(t, amount, purchase.Value)
	require.Equal(t, uint64(n+10), purchase.Position)
	require.NotEmpty(t, purchase.Receipt)

	require.Equal(t, expectedTokens, engine.BalanceOf(investor))
	require.Equal(t, 0, engine.BalanceOf(purchaser).Sign())
	require.Equal(t, amount, engine.WeiRaised())
	require.Equal(t, new(big.Int).Add(alis(250_000_000), expectedTokens), engine.TotalSupply())
	require.Equal(t, walletBefore, engine.BalanceOf(wallet), "fund balance unaffected by purchases")

	logs := rec.OfType(EventTypeTokenPurchase)
	require.Len(t, logs, 1)
	evt := logs[0]
	require.Equal(t, TokenPurchase{Purchase: purchase}.Event().Attributes, evt.Attributes)
	require.Equal(t, amount.String(), evt.Attr("value"))
	require.Equal(t, expectedTokens.String(), evt.Attr("amount"))

	supply := rec.OfType(events.TypeTokenSupply)
	require.Len(t, supply, 2)
	require.Equal(t, events.SupplyReasonMint, supply[1].Attr("reason"))
	requireInvariants(t, engine)
}

func TestSendAttributesPayerAsBeneficiary(t *testing.T) {
	engine, _, rec := newTestEngine(t, baseParams(10, 20, 2080), 10)
	_, err := engine.Send(investor, ether(10_000))
	require.NoError(t, err)

	require.Equal(t, alis(270_800_000), engine.TotalSupply())
	logs := rec.OfType(EventTypeTokenPurchase)
	require.Len(t, logs, 1)
	require.Equal(t, logs[0].Attr("purchaser"), logs[0].Attr("beneficiary"))
}

func TestRejectionOrder(t *testing.T) {
	engine, clk, _ := newTestEngine(t, baseParams(10, 20, 1), 0)

	_, err := engine.BuyTokens(purchaser, [20]byte{}, big.NewInt(0))
	require.True(t, errors.Is(err, ErrInvalidBeneficiary))
	require.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = engine.BuyTokens(purchaser, investor, big.NewInt(0))
	require.True(t, errors.Is(err, ErrNonPositiveAmount))
	_, err = engine.BuyTokens(purchaser, investor, big.NewInt(-5))
	require.True(t, errors.Is(err, ErrInvalidAmount))
	_, err = engine.BuyTokens(purchaser, investor, nil)
	require.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = engine.BuyTokens(purchaser, investor, alis(300_000_000))
	require.True(t, errors.Is(err, ErrWindowViolation), "window is checked before cap, got %v", err)

	require.NoError(t, clk.AdvanceTo(10))
	_, err = engine.BuyTokens(purchaser, investor, alis(300_000_000))
	require.True(t, errors.Is(err, ErrCapExceeded), "got %v", err)

	for _, err := range []error{ErrInvalidBeneficiary, ErrWindowViolation, ErrCapExceeded, ErrOverflow, ErrUnauthorized} {
		require.True(t, IsRejection(err))
	}
	require.False(t, IsRejection(errors.New("other")))
}

func TestCapExceededLeavesStateUnchanged(t *testing.T) {
	params := baseParams(10, 20, 1)
	params.FundPreallocation = big.NewInt(1000)
	params.Cap = big.NewInt(1100)
	params.Goal = big.NewInt(1_000_000)
	engine, _, rec := newTestEngine(t, params, 10)
	metrics := &fakeMetrics{}
	engine.SetMetrics(metrics)

	_, err := engine.BuyTokens(purchaser, investor, big.NewInt(60))
	require.NoError(t, err)

	supplyBefore := engine.TotalSupply()
	raisedBefore := engine.WeiRaised()
	investorBefore := engine.BalanceOf(investor)
	eventsBefore := len(rec.Events())

	_, err = engine.BuyTokens(purchaser, testAddr(0x33), big.NewInt(41))
	require.True(t, errors.Is(err, ErrCapExceeded))
	require.Equal(t, supplyBefore, engine.TotalSupply())
	require.Equal(t, raisedBefore, engine.WeiRaised())
	require.Equal(t, investorBefore, engine.BalanceOf(investor))
	require.Equal(t, 0, engine.BalanceOf(testAddr(0x33)).Sign())
	require.Len(t, rec.Events(), eventsBefore)
	require.Len(t, engine.Purchases(), 1)
	require.False(t, engine.CapReached())

	_, err = engine.BuyTokens(purchaser, investor, big.NewInt(40))
	require.NoError(t, err, "purchase reaching the cap exactly is allowed")
	require.True(t, engine.CapReached())
	require.Equal(t, StatusEnded, engine.Status())
	require.False(t, engine.HasEnded(), "cap does not affect HasEnded")

	require.Equal(t, []string{"accepted", "cap_exceeded", "accepted"}, metrics.outcomes)
	require.Equal(t, big.NewInt(100), metrics.raised)
	requireInvariants(t, engine)
}

func TestHasEnded(t *testing.T) {
	const start, end = 110, 120
	params := baseParams(start, end, 2080)
	engine, clk, _ := newTestEngine(t, params, 100)

	require.False(t, engine.HasEnded())
	require.NoError(t, clk.AdvanceTo(end-1))
	require.False(t, engine.HasEnded())
	require.NoError(t, clk.AdvanceTo(end))
	require.True(t, engine.HasEnded())
	require.False(t, engine.GoalReached())
}

func TestHasEndedWhenGoalReached(t *testing.T) {
	const start, end = 110, 120
	params := baseParams(start, end, 2080)
	params.Goal = ether(10)
	engine, _, _ := newTestEngine(t, params, start)

	_, err := engine.Send(investor, ether(9))
	require.NoError(t, err)
	require.False(t, engine.HasEnded())

	_, err = engine.Send(investor, ether(1))
	require.NoError(t, err)
	require.True(t, engine.GoalReached())
	require.True(t, engine.HasEnded())
	require.Equal(t, StatusEnded, engine.Status())
}

func TestGetRateAcrossLifecycle(t *testing.T) {
	const start = uint64(1_700_000_000)
	params := baseParams(start, start+5*week, 2000)
	rates := alisRates(0)
	params.Tiers = &rates
	engine, clk, _ := newTestEngine(t, params, start-100)

	require.Equal(t, int64(20000), engine.GetRate().Int64(), "pre-sale rate before start")
	require.NoError(t, clk.AdvanceTo(start))
	require.Equal(t, int64(2900), engine.GetRate().Int64())
	require.NoError(t, clk.AdvanceTo(start+week-1))
	require.Equal(t, int64(2900), engine.GetRate().Int64())
	require.NoError(t, clk.AdvanceTo(start+week))
	require.Equal(t, int64(2600), engine.GetRate().Int64())
	require.NoError(t, clk.AdvanceTo(start+2*week))
	require.Equal(t, int64(2300), engine.GetRate().Int64())
	require.NoError(t, clk.AdvanceTo(start+3*week))
	require.Equal(t, int64(2000), engine.GetRate().Int64())
	require.NoError(t, clk.AdvanceTo(start+10*week))
	require.Equal(t, int64(2000), engine.GetRate().Int64(), "terminal rate after end")
}

func TestPurchaseUsesRateAtPosition(t *testing.T) {
	const start = uint64(500)
	params := baseParams(start, start+400, 2000)
	params.Tiers = &WeeklyRates{
		PreSale: big.NewInt(20000), Week1: big.NewInt(2900), Week2: big.NewInt(2600), Week3: big.NewInt(2300),
		PreSaleLength: 10, WeekLength: 100,
	}
	engine, clk, _ := newTestEngine(t, params, start)

	p, err := engine.Send(investor, ether(1))
	require.NoError(t, err)
	require.Equal(t, int64(20000), p.Rate.Int64())
	require.Equal(t, new(big.Int).Mul(ether(1), big.NewInt(20000)), p.Amount)

	require.NoError(t, clk.AdvanceTo(start+110))
	p, err = engine.Send(investor, ether(1))
	require.NoError(t, err)
	require.Equal(t, int64(2600), p.Rate.Int64())
}

func TestIdempotentReads(t *testing.T) {
	engine, _, _ := newTestEngine(t, baseParams(10, 20, 2080), 15)
	_, err := engine.Send(investor, ether(3))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, int64(2080), engine.GetRate().Int64())
		require.False(t, engine.HasEnded())
		require.Equal(t, new(big.Int).Mul(ether(3), big.NewInt(2080)), engine.BalanceOf(investor))
	}
	engine.WeiRaised().SetInt64(0)
	engine.Cap().SetInt64(0)
	require.Equal(t, ether(3), engine.WeiRaised())
	require.Equal(t, alis(500_000_000), engine.Cap())
}

func TestLedgerRejectsForeignMinter(t *testing.T) {
	engine, _, _ := newTestEngine(t, baseParams(10, 20, 1), 15)
	err := engine.Token().Mint(investor, investor, uint256.NewInt(1))
	require.True(t, errors.Is(err, ErrUnauthorized))
	require.Equal(t, 0, engine.BalanceOf(investor).Sign())
}

func TestOverflowIsRejected(t *testing.T) {
	params := baseParams(10, 20, 1)
	params.Rate = new(big.Int).Lsh(big.NewInt(1), 200)
	params.Cap = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	params.FundPreallocation = big.NewInt(0)
	engine, _, _ := newTestEngine(t, params, 10)

	_, err := engine.Send(investor, new(big.Int).Lsh(big.NewInt(1), 57))
	require.True(t, errors.Is(err, ErrOverflow), "got %v", err)

	_, err = engine.Send(investor, new(big.Int).Lsh(big.NewInt(1), 300))
	require.True(t, errors.Is(err, ErrOverflow), "got %v", err)
	require.Equal(t, 0, engine.TotalSupply().Sign())
	require.Equal(t, 0, engine.WeiRaised().Sign())
}

func TestInvariantsHoldAcrossRandomActivity(t *testing.T) {
	params := baseParams(100, 400, 7)
	params.FundPreallocation = big.NewInt(5_000)
	params.Cap = big.NewInt(50_000)
	params.Goal = big.NewInt(1 << 40)
	engine, clk, _ := newTestEngine(t, params, 90)

	rng := rand.New(rand.NewSource(42))
	prevRaised := engine.WeiRaised()
	for i := 0; i < 500; i++ {
		clk.Advance(uint64(rng.Intn(2)))
		beneficiary := testAddr(byte(rng.Intn(8)))
		_, err := engine.BuyTokens(purchaser, beneficiary, big.NewInt(int64(rng.Intn(400))))
		if err != nil {
			require.True(t, IsRejection(err), "unexpected error class: %v", err)
		}
		raised := engine.WeiRaised()
		require.True(t, raised.Cmp(prevRaised) >= 0, "wei raised decreased")
		prevRaised = raised
		requireInvariants(t, engine)
	}
}

type reentrantEmitter struct {
	engine *Engine
	seen   []string
	fired  bool
}

func (r *reentrantEmitter) Emit(evt events.Event) {
	if tp, ok := evt.(TokenPurchase); ok {
		r.seen = append(r.seen, tp.Event().Attr("seq"))
		if !r.fired {
			r.fired = true
			if _, err := r.engine.Send(investor, big.NewInt(1)); err != nil {
				panic(err)
			}
		}
	}
}

func TestReentrantEmitterDoesNotDeadlock(t *testing.T) {
	engine, _, _ := newTestEngine(t, baseParams(10, 20, 1), 10)
	emitter := &reentrantEmitter{engine: engine}
	engine.SetEmitter(emitter)

	_, err := engine.Send(investor, big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, emitter.seen)
	require.Len(t, engine.Purchases(), 2)
}

func TestConcurrentPurchasesAreSerialized(t *testing.T) {
	params := baseParams(10, 20, 3)
	params.FundPreallocation = big.NewInt(0)
	params.Cap = big.NewInt(3 * 100)
	params.Goal = big.NewInt(1_000_000)
	engine, _, rec := newTestEngine(t, params, 10)

	var wg sync.WaitGroup
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Send(investor, big.NewInt(1))
		}()
	}
	wg.Wait()

	require.Equal(t, big.NewInt(300), engine.TotalSupply())
	require.Equal(t, big.NewInt(100), engine.WeiRaised())
	require.Len(t, engine.Purchases(), 100)
	logs := rec.OfType(EventTypeTokenPurchase)
	require.Len(t, logs, 100)
	requireInvariants(t, engine)
}
