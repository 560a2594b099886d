package crowdsale

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"tokensale/crypto"
	"tokensale/native/token"
)

// WeeklyRates configures the tiered pricing layout. Lengths are expressed in
// positions.
type WeeklyRates struct {
	PreSale       *big.Int
	Week1         *big.Int
	Week2         *big.Int
	Week3         *big.Int
	PreSaleLength uint64
	WeekLength    uint64
}

// Params fixes every aspect of a sale at construction.
type Params struct {
	StartPosition uint64
	EndPosition   uint64
	// Rate is the base rate: the only rate in fixed mode, and the rate from
	// week four onwards when Tiers is set.
	Rate   *big.Int
	Wallet [20]byte
	// Cap bounds the token supply, fund pre-allocation included.
	Cap               *big.Int
	FundPreallocation *big.Int
	// Goal is denominated in wei.
	Goal  *big.Int
	Tiers *WeeklyRates
	Token token.Metadata
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	if p.StartPosition >= p.EndPosition {
		return fmt.Errorf("%w: start position %d must be before end position %d", ErrInvalidParams, p.StartPosition, p.EndPosition)
	}
	if crypto.IsZeroAddress(p.Wallet) {
		return fmt.Errorf("%w: wallet must not be the zero address", ErrInvalidParams)
	}
	if !positive(p.Rate) {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidParams)
	}
	if !positive(p.Cap) {
		return fmt.Errorf("%w: cap must be positive", ErrInvalidParams)
	}
	if !positive(p.Goal) {
		return fmt.Errorf("%w: goal must be positive", ErrInvalidParams)
	}
	if p.FundPreallocation == nil || p.FundPreallocation.Sign() < 0 {
		return fmt.Errorf("%w: fund pre-allocation must not be negative", ErrInvalidParams)
	}
	if p.FundPreallocation.Cmp(p.Cap) > 0 {
		return fmt.Errorf("%w: fund pre-allocation exceeds cap", ErrInvalidParams)
	}
	for _, field := range []struct {
		name  string
		value *big.Int
	}{{"rate", p.Rate}, {"cap", p.Cap}, {"goal", p.Goal}} {
		if _, overflow := uint256.FromBig(field.value); overflow {
			return fmt.Errorf("%w: %s exceeds 256 bits", ErrInvalidParams, field.name)
		}
	}
	if _, err := p.Schedule(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Schedule builds the rate schedule described by the parameters.
func (p Params) Schedule() (*Schedule, error) {
	if p.Tiers == nil {
		return NewFixedSchedule(p.Rate)
	}
	return NewWeeklySchedule(*p.Tiers, p.Rate)
}

// OfferingAmount is the number of tokens available to the public sale.
func (p Params) OfferingAmount() *big.Int {
	if p.Cap == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(p.Cap)
	if p.FundPreallocation != nil {
		out.Sub(out, p.FundPreallocation)
	}
	return out
}

type paramsRecord struct {
	StartPosition     uint64
	EndPosition       uint64
	Rate              *big.Int
	Wallet            [20]byte
	Cap               *big.Int
	FundPreallocation *big.Int
	Goal              *big.Int
	Tiered            bool
	PreSale           *big.Int
	Week1             *big.Int
	Week2             *big.Int
	Week3             *big.Int
	PreSaleLength     uint64
	WeekLength        uint64
	Symbol            string
}

// Fingerprint returns a stable digest of the parameters. Journals are bound
// to it so that a sale cannot be replayed under different terms.
func (p Params) Fingerprint() ([32]byte, error) {
	record := paramsRecord{
		StartPosition:     p.StartPosition,
		EndPosition:       p.EndPosition,
		Rate:              orZero(p.Rate),
		Wallet:            p.Wallet,
		Cap:               orZero(p.Cap),
		FundPreallocation: orZero(p.FundPreallocation),
		Goal:              orZero(p.Goal),
		PreSale:           big.NewInt(0),
		Week1:             big.NewInt(0),
		Week2:             big.NewInt(0),
		Week3:             big.NewInt(0),
		Symbol:            token.NormalizeSymbol(p.Token.Symbol),
	}
	if p.Tiers != nil {
		record.Tiered = true
		record.PreSale = orZero(p.Tiers.PreSale)
		record.Week1 = orZero(p.Tiers.Week1)
		record.Week2 = orZero(p.Tiers.Week2)
		record.Week3 = orZero(p.Tiers.Week3)
		record.PreSaleLength = p.Tiers.PreSaleLength
		record.WeekLength = p.Tiers.WeekLength
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return [32]byte{}, fmt.Errorf("crowdsale: encode params: %w", err)
	}
	return blake3.Sum256(encoded), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (p Params) clone() Params {
	out := p
	out.Rate = orZero(p.Rate)
	out.Cap = orZero(p.Cap)
	out.FundPreallocation = orZero(p.FundPreallocation)
	out.Goal = orZero(p.Goal)
	if p.Tiers != nil {
		tiers := *p.Tiers
		tiers.PreSale = orZero(p.Tiers.PreSale)
		tiers.Week1 = orZero(p.Tiers.Week1)
		tiers.Week2 = orZero(p.Tiers.Week2)
		tiers.Week3 = orZero(p.Tiers.Week3)
		out.Tiers = &tiers
	}
	return out
}
