package token

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"tokensale/core/events"
)

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func newTestLedger(t *testing.T) (*Ledger, [20]byte, *events.Recorder) {
	t.Helper()
	minter := addr(0xAA)
	l, err := NewLedger(Metadata{Name: "AlisToken", Symbol: "alis", Decimals: 18}, minter)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	rec := &events.Recorder{}
	l.SetEmitter(rec)
	return l, minter, rec
}

func assertSupplyInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	sum, ok := l.SumBalances()
	if !ok {
		t.Fatalf("balance sum overflowed")
	}
	if !sum.Eq(l.TotalSupply()) {
		t.Fatalf("supply %s != sum of balances %s", l.TotalSupply().Dec(), sum.Dec())
	}
}

func TestNewLedgerRequiresMinter(t *testing.T) {
	if _, err := NewLedger(Metadata{}, [20]byte{}); !errors.Is(err, ErrNoMinter) {
		t.Fatalf("expected ErrNoMinter, got %v", err)
	}
}

func TestMintCreditsBalanceAndSupply(t *testing.T) {
	l, minter, rec := newTestLedger(t)
	if l.Symbol() != "ALIS" || l.Name() != "AlisToken" || l.Decimals() != 18 {
		t.Fatalf("unexpected metadata: %s %s %d", l.Name(), l.Symbol(), l.Decimals())
	}
	if err := l.Mint(minter, addr(1), uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(minter, addr(2), uint256.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Mint(minter, addr(1), uint256.NewInt(25)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if got := l.BalanceOf(addr(1)); got.Uint64() != 125 {
		t.Fatalf("unexpected balance: %s", got.Dec())
	}
	if got := l.TotalSupply(); got.Uint64() != 175 {
		t.Fatalf("unexpected supply: %s", got.Dec())
	}
	if got := l.BalanceOf(addr(9)); !got.IsZero() {
		t.Fatalf("unknown holder should have zero balance")
	}
	assertSupplyInvariant(t, l)

	supply := rec.OfType(events.TypeTokenSupply)
	if len(supply) != 3 {
		t.Fatalf("expected three supply events, got %d", len(supply))
	}
	if supply[2].Attr("total") != "175" || supply[2].Attr("delta") != "25" {
		t.Fatalf("unexpected supply event: %+v", supply[2].Attributes)
	}
	if holders := l.Holders(); len(holders) != 2 || holders[0] != addr(1) {
		t.Fatalf("unexpected holders: %v", holders)
	}
}

func TestMintRejectsUnauthorizedCaller(t *testing.T) {
	l, _, rec := newTestLedger(t)
	err := l.Mint(addr(0x01), addr(1), uint256.NewInt(1))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !l.TotalSupply().IsZero() || len(rec.Events()) != 0 {
		t.Fatalf("rejected mint must not change state")
	}
}

func TestMintRejectsZeroRecipientAndNilAmount(t *testing.T) {
	l, minter, _ := newTestLedger(t)
	if err := l.Mint(minter, [20]byte{}, uint256.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := l.Mint(minter, addr(1), nil); !errors.Is(err, ErrNilAmount) {
		t.Fatalf("expected ErrNilAmount, got %v", err)
	}
}

func TestMintOverflowLeavesStateUntouched(t *testing.T) {
	l, minter, _ := newTestLedger(t)
	max := new(uint256.Int).SetAllOne()
	if err := l.Mint(minter, addr(1), max); err != nil {
		t.Fatalf("mint max: %v", err)
	}
	err := l.Mint(minter, addr(2), uint256.NewInt(1))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if !l.TotalSupply().Eq(max) || !l.BalanceOf(addr(2)).IsZero() {
		t.Fatalf("overflowing mint changed state")
	}
	if err := l.CheckMint(minter, addr(1), uint256.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("check mint should report overflow, got %v", err)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	l, minter, _ := newTestLedger(t)
	if err := l.Mint(minter, addr(1), uint256.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	bal := l.BalanceOf(addr(1))
	bal.SetUint64(999)
	supply := l.TotalSupply()
	supply.SetUint64(999)
	if l.BalanceOf(addr(1)).Uint64() != 10 || l.TotalSupply().Uint64() != 10 {
		t.Fatalf("ledger state leaked through read accessors")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct{ in, want string }{
		{" alis ", "ALIS"},
		{"\uff21\uff2c\uff29\uff33", "ALIS"},
		{"alis\u2160", "ALISI"},
	}
	for _, tc := range cases {
		if got := NormalizeSymbol(tc.in); got != tc.want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
