package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is bad input; surfaced immediately, never retried.
	KindValidation
	KindNotFound
	// KindTransient means pending; the caller should retry later.
	KindTransient
	// KindVerification is terminal for one confirm attempt only.
	KindVerification
	// KindConflict means another actor made progress; safe to retry.
	KindConflict
	// KindInvariant should never happen; the intent is quarantined.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindVerification:
		return "verification"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	}
	return "internal"
}

// Error is a classified domain error. Two Errors match under errors.Is when
// their codes are equal, so sentinels still match after details are attached.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e carrying a more specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidQuantity = newErr(KindValidation, "invalid_quantity", "quantity must be positive")
	ErrItemUnavailable = newErr(KindValidation, "item_unavailable", "item is unknown or not for sale")
	ErrOutOfStock      = newErr(KindValidation, "out_of_stock", "not enough stock remaining")
	ErrInvalidTxID     = newErr(KindValidation, "invalid_tx_id", "transaction id is required")
	ErrIntentExpired   = newErr(KindValidation, "intent_expired", "purchase intent has expired")
	ErrIntentClosed    = newErr(KindValidation, "intent_closed", "purchase intent can no longer be paid")
	ErrAlreadyPaid     = newErr(KindValidation, "already_paid", "purchase intent was paid by a different transaction")
	ErrIdempotencyKey  = newErr(KindValidation, "idempotency_mismatch", "idempotency key reused with a different request")

	ErrIntentNotFound = newErr(KindNotFound, "intent_not_found", "purchase intent not found")

	ErrChainUnavailable        = newErr(KindTransient, "chain_unavailable", "chain observer unavailable")
	ErrTransactionNotFound     = newErr(KindTransient, "tx_not_found", "transaction not found on chain yet")
	ErrTransactionNotFinalized = newErr(KindTransient, "tx_not_finalized", "transaction not finalized yet")

	ErrAmountMismatch    = newErr(KindVerification, "amount_mismatch", "transferred amount is below the expected amount")
	ErrRecipientMismatch = newErr(KindVerification, "recipient_mismatch", "transaction recipient is not the treasury")
	ErrSenderMismatch    = newErr(KindVerification, "sender_mismatch", "transaction sender is not the buyer wallet")
	ErrCoinTypeMismatch  = newErr(KindVerification, "coin_type_mismatch", "transaction paid with the wrong coin")
	ErrTransactionFailed = newErr(KindVerification, "tx_failed", "transaction failed on chain")

	ErrTxAlreadyBound  = newErr(KindConflict, "tx_already_bound", "transaction already bound to another purchase")
	ErrStateConflict   = newErr(KindConflict, "state_conflict", "purchase intent changed concurrently")
	ErrMatchConflict   = newErr(KindConflict, "match_conflict", "asset or intent changed concurrently")
	ErrRequestInFlight = newErr(KindConflict, "request_in_flight", "request with this idempotency key is in progress")

	ErrInvariantViolation = newErr(KindInvariant, "invariant_violation", "stored linkage contradicts intent state")
)

// KindOf classifies err, looking through wrapping. Unclassified errors are internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the domain code carried by err, or "internal".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}
