// Package notify wraps the outbound integrations: the payment gateway, the
// OTP/alert sender, and the device attestation verifier. Everything is an
// interface with a mock twin so tests and development mode never leave the
// process. None of these are ever called inside a store transaction.
package notify

import (
	"context"
	"time"
)

// DefaultTimeout bounds every outbound call.
const DefaultTimeout = 10 * time.Second

// ChargeRequest describes a payment to collect.
type ChargeRequest struct {
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	Description    string
	PrincipalID    string
}

// ChargeResult is the gateway's answer. Ref is the external reference used
// for idempotent reconciliation.
type ChargeResult struct {
	Ref      string
	Approved bool
}

// Payment is the card/EFT gateway.
type Payment interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// Delivery methods for Sender.
const (
	MethodSMS   = "sms"
	MethodEmail = "email"
)

// Sender delivers OTPs and alerts out of band.
type Sender interface {
	Send(ctx context.Context, method, recipient, message string) error
}

// AttestationResult classifies a device attestation blob.
type AttestationResult int

const (
	AttestationValid AttestationResult = iota
	AttestationInvalid
	AttestationUnsupported
)

// Attestation verifies mobile client attestation payloads.
type Attestation interface {
	Verify(ctx context.Context, platform, payload string) (AttestationResult, error)
}
