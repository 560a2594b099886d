package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tokensale/config"
	"tokensale/crypto"
	"tokensale/native/crowdsale"
)

const maxBuyBody = 16 << 10

type buyRequest struct {
	Payer       string `json:"payer"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
}

type statusResponse struct {
	Position          uint64 `json:"position"`
	Status            string `json:"status"`
	StartPosition     uint64 `json:"startPosition"`
	EndPosition       uint64 `json:"endPosition"`
	Rate              string `json:"rate"`
	WeiRaised         string `json:"weiRaised"`
	TotalSupply       string `json:"totalSupply"`
	Cap               string `json:"cap"`
	Goal              string `json:"goal"`
	FundPreallocation string `json:"fundPreallocation"`
	Wallet            string `json:"wallet"`
	Token             string `json:"token"`
	Purchases         int    `json:"purchases"`
	HasEnded          bool   `json:"hasEnded"`
	GoalReached       bool   `json:"goalReached"`
	CapReached        bool   `json:"capReached"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	e := s.sale
	writeJSON(w, http.StatusOK, statusResponse{
		Position:          e.Position(),
		Status:            e.Status().String(),
		StartPosition:     e.StartPosition(),
		EndPosition:       e.EndPosition(),
		Rate:              e.GetRate().String(),
		WeiRaised:         e.WeiRaised().String(),
		TotalSupply:       e.TotalSupply().String(),
		Cap:               e.Cap().String(),
		Goal:              e.Goal().String(),
		FundPreallocation: e.FundPreallocation().String(),
		Wallet:            crypto.FormatAddress(e.Wallet()),
		Token:             e.Token().Symbol(),
		Purchases:         len(e.Purchases()),
		HasEnded:          e.HasEnded(),
		GoalReached:       e.GoalReached(),
		CapReached:        e.CapReached(),
	})
}

func (s *server) handleRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"position": s.sale.Position(),
		"rate":     s.sale.GetRate().String(),
		"status":   s.sale.Status().String(),
	})
}

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	balance := s.sale.BalanceOf(addr)
	ledger := s.sale.Token()
	writeJSON(w, http.StatusOK, map[string]string{
		"address": crypto.FormatAddress(addr),
		"balance": balance.String(),
		"display": config.FormatUnits(balance, ledger.Decimals()),
		"token":   ledger.Symbol(),
	})
}

func (s *server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	var filter *[20]byte
	if raw := strings.TrimSpace(r.URL.Query().Get("beneficiary")); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		filter = &addr
	}
	history := s.sale.Purchases()
	out := make([]crowdsale.PurchaseView, 0, len(history))
	for _, p := range history {
		if filter != nil && p.Beneficiary != *filter {
			continue
		}
		out = append(out, p.View())
	}
	writeJSON(w, http.StatusOK, out)
}

type contributorView struct {
	Beneficiary string `json:"beneficiary"`
	Purchases   int    `json:"purchases"`
	Value       string `json:"value"`
	Amount      string `json:"amount"`
}

func (s *server) handleContributors(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	top, err := s.index.Contributors(r.Context(), limit)
	if err != nil {
		s.logger.Error("contributors query failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "index unavailable"})
		return
	}
	out := make([]contributorView, 0, len(top))
	for _, c := range top {
		out = append(out, contributorView{
			Beneficiary: c.Beneficiary,
			Purchases:   c.Purchases,
			Value:       c.ValueWei.String(),
			Amount:      c.Tokens.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBuyBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	beneficiary, err := crypto.ParseAddress(req.Beneficiary)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("beneficiary: %v", err)})
		return
	}
	payer := beneficiary
	if strings.TrimSpace(req.Payer) != "" {
		if payer, err = crypto.ParseAddress(req.Payer); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("payer: %v", err)})
			return
		}
	}
	amount, err := config.ParseAmount(req.Amount, s.sale.Token().Decimals())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	purchase, err := s.sale.BuyTokensContext(r.Context(), payer, beneficiary, amount)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("purchase failed", slog.Any("error", err))
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), Outcome: crowdsale.Outcome(err)})
		return
	}
	writeJSON(w, http.StatusCreated, purchase.View())
}

// statusFor maps a purchase rejection class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crowdsale.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, crowdsale.ErrWindowViolation), errors.Is(err, crowdsale.ErrCapExceeded):
		return http.StatusConflict
	case errors.Is(err, crowdsale.ErrOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
