package payment

import (
	"errors"
	"net/http"

	"github.com/noah-isme/donasi-payments/internal/common"
	"github.com/noah-isme/donasi-payments/internal/store"
)

var (
	// ErrValidation marks input the gateway adapter refuses to sign.
	ErrValidation = errors.New("payment: validation failed")
	// ErrSignatureMismatch marks a callback whose CheckMacValue does not verify.
	ErrSignatureMismatch = errors.New("payment: signature mismatch")
	// ErrNotFound marks an unknown order or trade number.
	ErrNotFound = errors.New("payment: not found")
	// ErrReconciliation marks a verified outcome that could not be applied.
	ErrReconciliation = errors.New("payment: reconciliation failed")
	// ErrLateSuccess marks funds captured for a transaction already recorded as FAILED.
	ErrLateSuccess = errors.New("payment: success reported after failure")
	// ErrResubmissionRejected marks an order that may not be resubmitted.
	ErrResubmissionRejected = errors.New("payment: resubmission rejected")
)

// RejectReason explains why a resubmission was refused.
type RejectReason string

const (
	ReasonAlreadyPaid  RejectReason = "ALREADY_PAID"
	ReasonExpired      RejectReason = "WINDOW_EXPIRED"
	ReasonInProgress   RejectReason = "IN_PROGRESS"
	ReasonNotRetryable RejectReason = "NOT_RETRYABLE"
	ReasonTradeNoSpace RejectReason = "TRADE_NO_EXHAUSTED"
)

func validationError(message string) error {
	return &common.AppError{Code: "VALIDATION_ERROR", Message: message, HTTPStatus: http.StatusBadRequest, Err: ErrValidation}
}

func notFoundError(message string) error {
	return &common.AppError{Code: "NOT_FOUND", Message: message, HTTPStatus: http.StatusNotFound, Err: ErrNotFound}
}

func signatureError() error {
	return &common.AppError{Code: "SIGNATURE_MISMATCH", Message: "callback signature mismatch", HTTPStatus: http.StatusUnauthorized, Err: ErrSignatureMismatch}
}

func reconciliationError(err error) error {
	return &common.AppError{Code: "RECONCILIATION_FAILED", Message: "payment could not be reconciled", HTTPStatus: http.StatusInternalServerError, Err: errors.Join(ErrReconciliation, err)}
}

func rejected(reason RejectReason, message string) error {
	return &common.AppError{
		Code:       "RESUBMISSION_REJECTED",
		Message:    message,
		HTTPStatus: http.StatusConflict,
		Err:        ErrResubmissionRejected,
		Details:    map[string]string{"reason": string(reason)},
	}
}

// Reason extracts the rejection reason from a resubmission error.
func Reason(err error) (RejectReason, bool) {
	var appErr *common.AppError
	if !errors.As(err, &appErr) || !errors.Is(err, ErrResubmissionRejected) {
		return "", false
	}
	details, ok := appErr.Details.(map[string]string)
	if !ok {
		return "", false
	}
	return RejectReason(details["reason"]), true
}

// asAppError maps any error from this package to the HTTP error envelope.
func asAppError(err error) *common.AppError {
	if !common.IsAppError(err) && errors.Is(err, store.ErrNotFound) {
		return &common.AppError{Code: "NOT_FOUND", Message: "resource not found", HTTPStatus: http.StatusNotFound, Err: err}
	}
	return common.AsAppError(err)
}
