package models

import (
	"errors"
	"fmt"
)

// ReasonError is an error that carries a stable machine-readable reason code
// alongside its human message. Callers match on the code, never on the text.
type ReasonError struct {
	Code    string
	Message string
}

func (e *ReasonError) Error() string { return e.Message }

func reason(code, message string) *ReasonError {
	return &ReasonError{Code: code, Message: message}
}

var (
	ErrInvalidAmount       = reason("INVALID_AMOUNT", "amount must be positive")
	ErrUnsupportedCurrency = reason("UNSUPPORTED_CURRENCY", "currency is not supported")
	ErrInsufficientBalance = reason("INSUFFICIENT_BALANCE", "available balance is insufficient")
	ErrAlreadyClaimed      = reason("ALREADY_CLAIMED", "session reward has already been claimed")
	ErrSessionNotCompleted = reason("SESSION_NOT_COMPLETED", "session is not in a completed state")
	ErrSessionNotFound     = reason("SESSION_NOT_FOUND", "game session not found")
	ErrUserNotFound        = reason("USER_NOT_FOUND", "user not found")
	ErrTransactionNotFound = reason("TRANSACTION_NOT_FOUND", "transaction not found")
	ErrIllegalTransition   = reason("ILLEGAL_TRANSITION", "status transition is not allowed")
	ErrUnknownGateway      = reason("UNKNOWN_GATEWAY", "payment gateway is not registered")
	ErrRiskHold            = reason("RISK_HOLD", "transaction held for manual review")
	ErrRetriesExhausted    = reason("RETRIES_EXHAUSTED", "no retry attempts remaining")
	ErrNotPending          = reason("NOT_PENDING", "transaction is not pending")
	ErrCorruptTransaction  = reason("CORRUPT_TRANSACTION", "transaction record is missing required fields")
)

// KYCError is returned when a withdrawal requires a higher verification tier
// than the user currently holds.
type KYCError struct {
	RequiredLevel string
	CurrentLevel  string
}

func (e *KYCError) Error() string {
	return fmt.Sprintf("kyc level %q required, user has %q", e.RequiredLevel, e.CurrentLevel)
}

// Code implements the stable reason code for KYC failures.
func (e *KYCError) Code() string { return "KYC_REQUIRED" }

// ReasonCode extracts the machine-readable code from any error produced by this
// package, falling back to INTERNAL for unrecognized errors.
func ReasonCode(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Code
	}
	var ke *KYCError
	if errors.As(err, &ke) {
		return ke.Code()
	}
	return "INTERNAL"
}
