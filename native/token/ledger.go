// Package token implements the mint-only fungible token ledger sold by a
// crowdsale. Balances and supply are 256-bit unsigned integers; the ledger
// trusts exactly one minter, fixed when it is created.
package token

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"tokensale/core/events"
	"tokensale/crypto"
)

var (
	ErrUnauthorized = errors.New("token: caller is not the authorized minter")
	ErrOverflow     = errors.New("token: arithmetic overflow")
	ErrZeroAddress  = errors.New("token: recipient must not be the zero address")
	ErrNilAmount    = errors.New("token: amount required")
	ErrNoMinter     = errors.New("token: minter must not be the zero address")
)

// Metadata describes the token being minted.
type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// NormalizeSymbol folds a ticker to its canonical NFKC upper-case form, so
// full-width or composed variants compare equal.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(symbol)))
}

// Ledger is the authoritative balance and supply book. The zero value is not
// usable; construct with NewLedger.
type Ledger struct {
	mu       sync.RWMutex
	meta     Metadata
	minter   [20]byte
	supply   *uint256.Int
	balances map[[20]byte]*uint256.Int
	emitter  events.Emitter
}

// NewLedger creates an empty ledger that only accepts mints from minter.
func NewLedger(meta Metadata, minter [20]byte) (*Ledger, error) {
	if crypto.IsZeroAddress(minter) {
		return nil, ErrNoMinter
	}
	meta.Name = strings.TrimSpace(meta.Name)
	meta.Symbol = NormalizeSymbol(meta.Symbol)
	return &Ledger{
		meta:     meta,
		minter:   minter,
		supply:   uint256.NewInt(0),
		balances: make(map[[20]byte]*uint256.Int),
		emitter:  events.NoopEmitter{},
	}, nil
}

// SetEmitter configures the event emitter used by the ledger.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// Name returns the token name.
func (l *Ledger) Name() string { return l.meta.Name }

// Symbol returns the upper-cased token symbol.
func (l *Ledger) Symbol() string { return l.meta.Symbol }

// Decimals returns the number of display decimals.
func (l *Ledger) Decimals() uint8 { return l.meta.Decimals }

// Minter returns the only address allowed to mint.
func (l *Ledger) Minter() [20]byte { return l.minter }

// TotalSupply returns a copy of the current supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.supply)
}

// BalanceOf returns a copy of the balance held by addr.
func (l *Ledger) BalanceOf(addr [20]byte) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[addr]; ok {
		return new(uint256.Int).Set(bal)
	}
	return uint256.NewInt(0)
}

// Holders returns every address with a recorded balance, sorted bytewise.
func (l *Ledger) Holders() [][20]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][20]byte, 0, len(l.balances))
	for addr := range l.balances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// CheckMint validates a mint without applying it. A nil return guarantees
// that an immediately following Mint with the same arguments succeeds,
// provided no other mutation happens in between.
func (l *Ledger) CheckMint(caller, to [20]byte, amount *uint256.Int) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, _, err := l.prepareMint(caller, to, amount)
	return err
}

// Mint credits amount to `to` and grows the supply by the same amount. Only
// the minter may call it. Nothing changes when an error is returned.
func (l *Ledger) Mint(caller, to [20]byte, amount *uint256.Int) error {
	return l.mint(caller, to, amount, events.SupplyReasonMint)
}

// MintWithReason is Mint with an explicit reason recorded on the supply
// event.
func (l *Ledger) MintWithReason(caller, to [20]byte, amount *uint256.Int, reason string) error {
	return l.mint(caller, to, amount, reason)
}

func (l *Ledger) mint(caller, to [20]byte, amount *uint256.Int, reason string) error {
	l.mu.Lock()
	nextBalance, nextSupply, err := l.prepareMint(caller, to, amount)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.balances[to] = nextBalance
	l.supply = nextSupply
	emitter := l.emitter
	evt := events.TokenSupply{
		Token:     l.meta.Symbol,
		Recipient: crypto.FormatAddress(to),
		Total:     new(uint256.Int).Set(nextSupply),
		Delta:     new(uint256.Int).Set(amount),
		Reason:    reason,
	}
	l.mu.Unlock()

	emitter.Emit(evt)
	return nil
}

func (l *Ledger) prepareMint(caller, to [20]byte, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if caller != l.minter {
		return nil, nil, ErrUnauthorized
	}
	if crypto.IsZeroAddress(to) {
		return nil, nil, ErrZeroAddress
	}
	if amount == nil {
		return nil, nil, ErrNilAmount
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return nil, nil, fmt.Errorf("%w: supply %s + %s", ErrOverflow, l.supply.Dec(), amount.Dec())
	}
	current := l.balances[to]
	if current == nil {
		current = uint256.NewInt(0)
	}
	// balance <= supply, unreachable once the supply check passed.
	nextBalance, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return nil, nil, fmt.Errorf("%w: balance", ErrOverflow)
	}
	return nextBalance, nextSupply, nil
}

// SumBalances recomputes Σ balances. It exists for invariant checks.
func (l *Ledger) SumBalances() (*uint256.Int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := uint256.NewInt(0)
	for _, bal := range l.balances {
		var overflow bool
		sum, overflow = new(uint256.Int).AddOverflow(sum, bal)
		if overflow {
			return nil, false
		}
	}
	return sum, true
}
