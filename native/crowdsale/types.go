package crowdsale

import (
	"math/big"

	"tokensale/crypto"
)

// Status is the lifecycle phase of a sale, recomputed on every query.
type Status int

const (
	StatusNotStarted Status = iota
	StatusOpen
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusOpen:
		return "open"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Purchase is the record of one committed contribution.
type Purchase struct {
	Seq         uint64   `json:"seq"`
	Receipt     string   `json:"receipt"`
	Purchaser   [20]byte `json:"purchaser"`
	Beneficiary [20]byte `json:"beneficiary"`
	Value       *big.Int `json:"value"`
	Amount      *big.Int `json:"amount"`
	Rate        *big.Int `json:"rate"`
	Position    uint64   `json:"position"`
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (p *Purchase) Copy() *Purchase {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Value = orZero(p.Value)
	clone.Amount = orZero(p.Amount)
	clone.Rate = orZero(p.Rate)
	return &clone
}

// PurchaseView is the wire form of a Purchase: checksummed hex addresses and
// amounts as decimal strings.
type PurchaseView struct {
	Seq         uint64 `json:"seq"`
	Receipt     string `json:"receipt"`
	Purchaser   string `json:"purchaser"`
	Beneficiary string `json:"beneficiary"`
	Value       string `json:"value"`
	Amount      string `json:"amount"`
	Rate        string `json:"rate"`
	Position    uint64 `json:"position"`
}

// View renders p for JSON output.
func (p *Purchase) View() PurchaseView {
	c := p.Copy()
	if c == nil {
		c = (&Purchase{}).Copy()
	}
	return PurchaseView{
		Seq:         c.Seq,
		Receipt:     c.Receipt,
		Purchaser:   crypto.FormatAddress(c.Purchaser),
		Beneficiary: crypto.FormatAddress(c.Beneficiary),
		Value:       c.Value.String(),
		Amount:      c.Amount.String(),
		Rate:        c.Rate.String(),
		Position:    c.Position,
	}
}
