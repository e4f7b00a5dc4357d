package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both missing rows and rows owned by someone else.
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("administrator capability required")
	ErrInvalidInput       = errors.New("invalid input")
	ErrQuotaExceeded      = errors.New("slot quota exceeded")
	ErrCloneLimitExceeded = errors.New("clone limit exceeded")
	ErrCallLimitExceeded  = errors.New("call limit exceeded")
	ErrTokenLimitExceeded = errors.New("token limit exceeded")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrSlotDisabled       = errors.New("slot is disabled")
	ErrNotClonedYet       = errors.New("slot has no cloned voice")
	ErrNoModelAvailable   = errors.New("no enabled tts model available")
	ErrCloneFailed        = errors.New("clone failed")

	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
)

// Cap names the limit a LimitError refers to.
type Cap string

const (
	CapSlots  Cap = "slots"
	CapClones Cap = "clones"
	CapCalls  Cap = "calls"
	CapTokens Cap = "tokens"
	CapRate   Cap = "rate"
)

// LimitError reports which cap rejected an admission check.
type LimitError struct {
	Cap   Cap
	Limit int64
	Used  int64
	// Requested is the amount the rejected operation would have added.
	Requested int64
}

func (e *LimitError) Error() string {
	if e.Requested > 0 {
		return fmt.Sprintf("%s: used %d + requested %d > limit %d", e.Unwrap(), e.Used, e.Requested, e.Limit)
	}
	return fmt.Sprintf("%s: used %d of %d", e.Unwrap(), e.Used, e.Limit)
}

func (e *LimitError) Unwrap() error {
	switch e.Cap {
	case CapSlots:
		return ErrQuotaExceeded
	case CapClones:
		return ErrCloneLimitExceeded
	case CapCalls:
		return ErrCallLimitExceeded
	case CapTokens:
		return ErrTokenLimitExceeded
	case CapRate:
		return ErrRateLimited
	default:
		return ErrQuotaExceeded
	}
}

// CapOf returns the cap carried by err, if any.
func CapOf(err error) (Cap, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.Cap, true
	}
	return "", false
}
