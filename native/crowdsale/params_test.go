package crowdsale

import (
	"errors"
	"math/big"
	"testing"
)

func TestParamsValidate(t *testing.T) {
	valid := baseParams(10, 20, 2080)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"empty window", func(p *Params) { p.EndPosition = p.StartPosition }},
		{"inverted window", func(p *Params) { p.StartPosition = 30 }},
		{"zero wallet", func(p *Params) { p.Wallet = [20]byte{} }},
		{"nil rate", func(p *Params) { p.Rate = nil }},
		{"zero cap", func(p *Params) { p.Cap = big.NewInt(0) }},
		{"zero goal", func(p *Params) { p.Goal = big.NewInt(0) }},
		{"negative preallocation", func(p *Params) { p.FundPreallocation = big.NewInt(-1) }},
		{"preallocation above cap", func(p *Params) { p.FundPreallocation = new(big.Int).Add(p.Cap, big.NewInt(1)) }},
		{"cap above 256 bits", func(p *Params) { p.Cap = new(big.Int).Lsh(big.NewInt(1), 256) }},
		{"tier without week length", func(p *Params) {
			rates := alisRates(0)
			rates.WeekLength = 0
			p.Tiers = &rates
		}},
		{"tier with missing rate", func(p *Params) {
			rates := alisRates(0)
			rates.Week2 = nil
			p.Tiers = &rates
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams(10, 20, 2080)
			tc.mutate(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestParamsFingerprint(t *testing.T) {
	a := baseParams(10, 20, 2080)
	b := baseParams(10, 20, 2080)
	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fb, _ := b.Fingerprint()
	if fa != fb {
		t.Fatalf("identical params must share a fingerprint")
	}

	rates := alisRates(0)
	b.Tiers = &rates
	fc, _ := b.Fingerprint()
	if fa == fc {
		t.Fatalf("enabling tiers must change the fingerprint")
	}
	b.Tiers.Week3 = big.NewInt(1)
	fd, _ := b.Fingerprint()
	if fc == fd {
		t.Fatalf("changing a tier rate must change the fingerprint")
	}

	lower := baseParams(10, 20, 2080)
	lower.Token.Symbol = " alis"
	upper := baseParams(10, 20, 2080)
	upper.Token.Symbol = "ALIS"
	fl, _ := lower.Fingerprint()
	fu, _ := upper.Fingerprint()
	if fl != fu {
		t.Fatalf("symbol spelling must not change the fingerprint")
	}
}

func TestParamsOfferingAmount(t *testing.T) {
	p := baseParams(10, 20, 2080)
	if got := p.OfferingAmount(); got.Cmp(alis(250_000_000)) != 0 {
		t.Fatalf("unexpected offering amount: %s", got)
	}
}

func TestOutcomeLabels(t *testing.T) {
	cases := map[error]string{
		nil:                   "accepted",
		ErrWindowViolation:    "window_violation",
		ErrInvalidBeneficiary: "invalid_amount",
		ErrCapExceeded:        "cap_exceeded",
		ErrUnauthorized:       "unauthorized",
		ErrOverflow:           "overflow",
		ErrInvalidParams:      "error",
	}
	for err, want := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestStatusString(t *testing.T) {
	for status, want := range map[Status]string{
		StatusNotStarted: "not_started",
		StatusOpen:       "open",
		StatusEnded:      "ended",
		Status(42):       "unknown",
	} {
		if status.String() != want {
			t.Fatalf("unexpected status string %q", status.String())
		}
	}
}
