package core

import (
	"errors"
	"fmt"
)

// Error codes exposed to clients. Grouped by subsystem prefix.
const (
	// Auth
	CodeBadCredentials     = "AUTH_BAD_CREDENTIALS"
	CodeTokenExpired       = "AUTH_TOKEN_EXPIRED"
	CodeTokenInvalid       = "AUTH_TOKEN_INVALID"
	CodeForbidden          = "AUTH_INSUFFICIENT_PERMISSION"
	CodeAccountLocked      = "AUTH_ACCOUNT_LOCKED"
	CodeTooManyAttempts    = "AUTH_TOO_MANY_ATTEMPTS"
	CodeBadOTP             = "AUTH_BAD_OTP"
	CodeOTPExpired         = "AUTH_OTP_EXPIRED"
	CodeBadDeliveryMethod  = "AUTH_BAD_DELIVERY_METHOD"
	CodeInvalidAttestation = "AUTH_INVALID_ATTESTATION"
	CodeWeakPassword       = "AUTH_WEAK_PASSWORD"

	// Subscriptions
	CodeInsufficientCredits = "SUB_INSUFFICIENT_CREDITS"
	CodeSubscriptionExpired = "SUB_SUBSCRIPTION_EXPIRED"
	CodeAlreadyApplied      = "SUB_ALREADY_APPLIED"
	CodeProductNotFound     = "SUB_PRODUCT_NOT_FOUND"
	CodeUserLimitExceeded   = "SUB_USER_LIMIT_EXCEEDED"

	// Geospatial
	CodeLocationNotCovered = "GEO_LOCATION_NOT_COVERED"
	CodeInvalidCoordinates = "GEO_INVALID_COORDINATES"

	// Requests
	CodeDuplicateRequest         = "REQ_DUPLICATE"
	CodeRequestNotFound          = "REQ_NOT_FOUND"
	CodeInvalidServiceType       = "REQ_INVALID_SERVICE_TYPE"
	CodeInvalidStatusTransition  = "REQ_INVALID_STATUS_TRANSITION"
	CodeRequestExpired           = "REQ_EXPIRED"
	CodeUnauthorizedRequester    = "REQ_UNAUTHORIZED_REQUESTER"
	CodeInvalidAssignment        = "REQ_INVALID_ASSIGNMENT"
	CodeInvalidAssignmentForCall = "REQ_INVALID_ASSIGNMENT_FOR_CALL"

	// Users and groups
	CodeEmailExists     = "USER_EMAIL_EXISTS"
	CodePhoneExists     = "USER_PHONE_EXISTS"
	CodePhoneUnverified = "USER_PHONE_UNVERIFIED"
	CodeGroupNotOwned   = "USER_GROUP_NOT_OWNED"
	CodeUserSuspended   = "USER_SUSPENDED"
	CodeUserBanned      = "USER_BANNED"
	CodeNotFound        = "USER_NOT_FOUND"

	// Firms
	CodeFirmNotApproved = "FIRM_NOT_APPROVED"
	CodePersonnelLimit  = "FIRM_PERSONNEL_LIMIT"

	// Payments
	CodePaymentFailed      = "PAY_PAYMENT_FAILED"
	CodeGatewayUnavailable = "PAY_GATEWAY_UNAVAILABLE"

	// System
	CodeInvalidInput        = "SYS_INVALID_INPUT"
	CodeStoreError          = "SYS_STORE_ERROR"
	CodeExternalUnavailable = "SYS_EXTERNAL_UNAVAILABLE"
	CodeRateLimited         = "SYS_RATE_LIMITED"
)

// Error is the structured error surfaced to clients. Message is always safe
// to display; Details carries structured data the client can act on
// (suggested_firms, retry_after_seconds, attempts_remaining).
type Error struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a client-visible error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches one structured detail and returns the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsError unwraps err into a *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the client code of err, or SYS_STORE_ERROR for plain errors.
func CodeOf(err error) string {
	if ce, ok := AsError(err); ok {
		return ce.Code
	}
	return CodeStoreError
}

// Retryable reports whether the error is a transient infrastructure failure
// worth retrying. Validation errors are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := AsError(err); ok {
		return ce.Code == CodeStoreError || ce.Code == CodeExternalUnavailable
	}
	return true
}
