package events

import (
	"strings"

	"github.com/holiman/uint256"

	"tokensale/core/types"
)

const (
	// TypeTokenSupply is emitted whenever a token supply changes.
	TypeTokenSupply = "token.supply"

	// SupplyReasonMint identifies mint driven supply increases.
	SupplyReasonMint = "mint"
	// SupplyReasonPreallocation identifies the one-off fund allocation minted
	// when a sale is created.
	SupplyReasonPreallocation = "preallocation"
)

// TokenSupply captures a supply delta for a fungible token.
type TokenSupply struct {
	Token     string
	Recipient string
	Total     *uint256.Int
	Delta     *uint256.Int
	Reason    string
}

func (TokenSupply) EventType() string { return TypeTokenSupply }

// Event renders the structured supply change event for downstream consumers.
func (e TokenSupply) Event() *types.Event {
	attrs := map[string]string{}
	token := strings.ToUpper(strings.TrimSpace(e.Token))
	if token == "" {
		token = "UNKNOWN"
	}
	attrs["token"] = token

	total := uint256.NewInt(0)
	if e.Total != nil {
		total = e.Total
	}
	attrs["total"] = total.Dec()

	if e.Delta != nil {
		attrs["delta"] = e.Delta.Dec()
	}
	if recipient := strings.TrimSpace(e.Recipient); recipient != "" {
		attrs["recipient"] = recipient
	}

	reason := strings.TrimSpace(e.Reason)
	if reason != "" {
		attrs["reason"] = reason
	}

	return &types.Event{Type: TypeTokenSupply, Attributes: attrs}
}
