package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("concurrent modification")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Order intake.
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("expired")
	ErrMalformed        = errors.New("malformed order")
	ErrReplayed         = errors.New("nonce already used")

	// Matching.
	ErrMarketNotTradable = errors.New("market not tradable")
	ErrOrderTerminal     = errors.New("order already terminal")
	ErrInsufficient      = errors.New("insufficient outcome balance")
	ErrInvariant         = errors.New("matching invariant violated")

	// Settlement.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrNotResolved       = errors.New("market not resolved")
	ErrAlreadyRedeemed   = errors.New("position already redeemed")
	ErrExternal          = errors.New("external dependency failed")
	ErrStalled           = errors.New("settlement stalled")
)

// ErrorKind classifies a rejection so calling layers can render specific guidance.
type ErrorKind string

const (
	KindAuthentication     ErrorKind = "AuthenticationError"
	KindValidation         ErrorKind = "ValidationError"
	KindMatchingInvariant  ErrorKind = "MatchingInvariantError"
	KindExternalDependency ErrorKind = "ExternalDependencyError"
	KindUser               ErrorKind = "UserError"
)

var reasonKinds = map[error]ErrorKind{
	ErrInvalidSignature:  KindAuthentication,
	ErrExpired:           KindAuthentication,
	ErrReplayed:          KindAuthentication,
	ErrUnauthorized:      KindAuthentication,
	ErrMalformed:         KindValidation,
	ErrMarketNotTradable: KindValidation,
	ErrInsufficient:      KindValidation,
	ErrInvalidTransition: KindValidation,
	ErrNotResolved:       KindValidation,
	ErrInvariant:         KindMatchingInvariant,
	ErrExternal:          KindExternalDependency,
	ErrStalled:           KindExternalDependency,
	ErrOrderTerminal:     KindUser,
	ErrAlreadyRedeemed:   KindUser,
}

// Error is a structured rejection: a kind, the sentinel reason and a message.
type Error struct {
	Kind   ErrorKind
	Reason error
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Msg)
}

func (e *Error) Unwrap() error { return e.Reason }

// Code returns a stable machine-readable name for the reason.
func (e *Error) Code() string {
	switch e.Reason {
	case ErrInvalidSignature:
		return "invalid_signature"
	case ErrExpired:
		return "expired"
	case ErrMalformed:
		return "malformed"
	case ErrReplayed:
		return "replayed"
	case ErrMarketNotTradable:
		return "market_not_tradable"
	case ErrOrderTerminal:
		return "order_terminal"
	case ErrInsufficient:
		return "insufficient_balance"
	case ErrInvariant:
		return "invariant"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrNotResolved:
		return "not_resolved"
	case ErrAlreadyRedeemed:
		return "already_redeemed"
	case ErrExternal:
		return "external"
	case ErrStalled:
		return "stalled"
	case ErrUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Reject builds an *Error for reason, deriving the kind from the reason.
func Reject(reason error, format string, args ...any) *Error {
	kind, ok := reasonKinds[reason]
	if !ok {
		kind = KindValidation
	}
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or "" when err carries no structured kind.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for reason, kind := range reasonKinds {
		if errors.Is(err, reason) {
			return kind
		}
	}
	return ""
}
