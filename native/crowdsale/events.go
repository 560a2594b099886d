package crowdsale

import (
	"strconv"

	"tokensale/core/events"
	"tokensale/core/types"
	"tokensale/crypto"
)

const (
	// EventTypeTokenPurchase is emitted after every committed purchase.
	EventTypeTokenPurchase = "crowdsale.token_purchase"
)

// TokenPurchase announces a committed purchase to indexers.
type TokenPurchase struct {
	Purchase *Purchase
}

func (TokenPurchase) EventType() string { return EventTypeTokenPurchase }

// Event renders the purchase into its attribute form.
func (e TokenPurchase) Event() *types.Event {
	p := e.Purchase
	if p == nil {
		p = &Purchase{}
	}
	p = p.Copy()
	return &types.Event{
		Type: EventTypeTokenPurchase,
		Attributes: map[string]string{
			"seq":         strconv.FormatUint(p.Seq, 10),
			"receipt":     p.Receipt,
			"purchaser":   crypto.FormatAddress(p.Purchaser),
			"beneficiary": crypto.FormatAddress(p.Beneficiary),
			"value":       p.Value.String(),
			"amount":      p.Amount.String(),
			"rate":        p.Rate.String(),
			"position":    strconv.FormatUint(p.Position, 10),
		},
	}
}

var _ events.Renderable = TokenPurchase{}
