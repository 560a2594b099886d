package crowdsale

import (
	"errors"

	"tokensale/native/token"
)

// Rejection classes. Every error returned by a purchase matches exactly one of
// these through errors.Is.
var (
	ErrWindowViolation = errors.New("crowdsale: position outside the sale window")
	ErrInvalidAmount   = errors.New("crowdsale: invalid contribution")
	ErrCapExceeded     = errors.New("crowdsale: purchase would exceed the token cap")
	ErrUnauthorized    = token.ErrUnauthorized
	ErrOverflow        = token.ErrOverflow
)

var (
	ErrInvalidBeneficiary = wrapClass(ErrInvalidAmount, "crowdsale: beneficiary must not be the zero address")
	ErrNonPositiveAmount  = wrapClass(ErrInvalidAmount, "crowdsale: contribution must be positive")

	ErrInvalidParams  = errors.New("crowdsale: invalid parameters")
	ErrInvalidTiers   = errors.New("crowdsale: invalid rate tiers")
	ErrParamsMismatch = errors.New("crowdsale: journal was written for different sale parameters")
	ErrJournalCorrupt = errors.New("crowdsale: purchase journal corrupt")
	ErrJournalWrite   = errors.New("crowdsale: purchase journal write failed")
	ErrStoreAttached  = errors.New("crowdsale: store must be attached before the first purchase")
	errNilEngine      = errors.New("crowdsale: engine not initialised")
)

type classError struct {
	class error
	msg   string
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Unwrap() error { return e.class }

func wrapClass(class error, msg string) error {
	return &classError{class: class, msg: msg}
}

// Outcome labels the result of a purchase attempt for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrWindowViolation):
		return "window_violation"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrCapExceeded):
		return "cap_exceeded"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrJournalWrite):
		return "journal_error"
	default:
		return "error"
	}
}
