package crowdsale

import (
	"fmt"
	"math/big"
	"sort"
)

// Tier activates Rate once the offset since the sale start reaches Offset.
type Tier struct {
	Offset uint64
	Rate   *big.Int
}

// Schedule maps an offset since the sale start to a rate. It is immutable
// after construction and safe for concurrent use.
type Schedule struct {
	fallback *big.Int
	tiers    []Tier
}

// NewSchedule builds a schedule from a default rate and tiers with strictly
// increasing offsets. The default applies to offsets before the first tier.
func NewSchedule(fallback *big.Int, tiers ...Tier) (*Schedule, error) {
	if !validRate(fallback) {
		return nil, fmt.Errorf("%w: default rate must be positive", ErrInvalidTiers)
	}
	out := make([]Tier, len(tiers))
	for i, tier := range tiers {
		if !validRate(tier.Rate) {
			return nil, fmt.Errorf("%w: tier %d rate must be positive", ErrInvalidTiers, i)
		}
		if i > 0 && tier.Offset <= tiers[i-1].Offset {
			return nil, fmt.Errorf("%w: tier %d offset %d not after %d", ErrInvalidTiers, i, tier.Offset, tiers[i-1].Offset)
		}
		out[i] = Tier{Offset: tier.Offset, Rate: new(big.Int).Set(tier.Rate)}
	}
	return &Schedule{fallback: new(big.Int).Set(fallback), tiers: out}, nil
}

// NewFixedSchedule returns a schedule that yields rate for every offset.
func NewFixedSchedule(rate *big.Int) (*Schedule, error) {
	return NewSchedule(rate)
}

// NewWeeklySchedule lays out the pre-sale and three weekly tiers followed by
// the base rate. Week one starts PreSaleLength positions after the sale
// start; each later tier starts WeekLength positions after the previous one.
func NewWeeklySchedule(rates WeeklyRates, base *big.Int) (*Schedule, error) {
	if rates.WeekLength == 0 {
		return nil, fmt.Errorf("%w: week length must be positive", ErrInvalidTiers)
	}
	offsets := make([]uint64, 4)
	for i := range offsets {
		step := rates.WeekLength * uint64(i)
		if i > 0 && step/uint64(i) != rates.WeekLength {
			return nil, fmt.Errorf("%w: week length overflows", ErrInvalidTiers)
		}
		offsets[i] = rates.PreSaleLength + step
		if offsets[i] < rates.PreSaleLength {
			return nil, fmt.Errorf("%w: tier offsets overflow", ErrInvalidTiers)
		}
	}
	return NewSchedule(rates.PreSale,
		Tier{Offset: offsets[0], Rate: rates.Week1},
		Tier{Offset: offsets[1], Rate: rates.Week2},
		Tier{Offset: offsets[2], Rate: rates.Week3},
		Tier{Offset: offsets[3], Rate: base},
	)
}

// RateAt returns the rate active at offset. The tier whose offset equals the
// query is already active.
func (s *Schedule) RateAt(offset uint64) *big.Int {
	idx := sort.Search(len(s.tiers), func(i int) bool {
		return s.tiers[i].Offset > offset
	})
	if idx == 0 {
		return new(big.Int).Set(s.fallback)
	}
	return new(big.Int).Set(s.tiers[idx-1].Rate)
}

// Default returns the rate used before the first tier.
func (s *Schedule) Default() *big.Int { return new(big.Int).Set(s.fallback) }

// Terminal returns the rate that applies once every tier has started.
func (s *Schedule) Terminal() *big.Int {
	if len(s.tiers) == 0 {
		return s.Default()
	}
	return new(big.Int).Set(s.tiers[len(s.tiers)-1].Rate)
}

// Fixed reports whether the schedule has a single constant rate.
func (s *Schedule) Fixed() bool { return len(s.tiers) == 0 }

// Tiers returns a copy of the configured tiers.
func (s *Schedule) Tiers() []Tier {
	out := make([]Tier, len(s.tiers))
	for i, tier := range s.tiers {
		out[i] = Tier{Offset: tier.Offset, Rate: new(big.Int).Set(tier.Rate)}
	}
	return out
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// validRate also bounds the rate to 256 bits so it fits the ledger domain.
func validRate(v *big.Int) bool {
	return positive(v) && v.BitLen() <= 256
}
