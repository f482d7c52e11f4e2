package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven/backend/internal/core"
)

// MockPayment approves every charge unless FailNext is armed. Charges are
// recorded for assertions and replayed by idempotency key.
type MockPayment struct {
	mu       sync.Mutex
	FailNext bool
	Charges  []ChargeRequest
	byKey    map[string]*ChargeResult
}

func NewMockPayment() *MockPayment {
	return &MockPayment{byKey: make(map[string]*ChargeResult)}
}

func (m *MockPayment) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byKey[req.IdempotencyKey]; ok {
		return prev, nil
	}
	if m.FailNext {
		m.FailNext = false
		return nil, core.NewError(core.CodePaymentFailed, "payment declined")
	}
	m.Charges = append(m.Charges, req)
	res := &ChargeResult{Ref: "pay_" + uuid.NewString(), Approved: true}
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = res
	}
	return res, nil
}

// MockSender records every message. FailFirst makes the first n sends error,
// which exercises the retry wrapper.
type MockSender struct {
	mu        sync.Mutex
	FailFirst int
	Sent      []SentMessage
}

type SentMessage struct {
	Method    string
	Recipient string
	Message   string
}

func (m *MockSender) Send(ctx context.Context, method, recipient, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFirst > 0 {
		m.FailFirst--
		return fmt.Errorf("delivery failed")
	}
	m.Sent = append(m.Sent, SentMessage{Method: method, Recipient: recipient, Message: message})
	return nil
}

// Last returns the most recent message, or nil.
func (m *MockSender) Last() *SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil
	}
	s := m.Sent[len(m.Sent)-1]
	return &s
}

// RetryingSender wraps a Sender with up to three delivery attempts and a
// short backoff. Failure to deliver is reported but callers treat it as
// non-fatal for the enclosing operation.
type RetryingSender struct {
	Next    Sender
	Backoff time.Duration
}

func (r *RetryingSender) Send(ctx context.Context, method, recipient, message string) error {
	backoff := r.Backoff
	if backoff == 0 {
		backoff = 200 * time.Millisecond
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = r.Next.Send(ctx, method, recipient, message); err == nil {
			return nil
		}
	}
	return fmt.Errorf("send via %s after 3 attempts: %w", method, err)
}

// MockAttestation classifies by platform: android/ios payloads equal to
// "valid" pass, "invalid" fail, anything else is unsupported.
type MockAttestation struct{}

func (MockAttestation) Verify(ctx context.Context, platform, payload string) (AttestationResult, error) {
	switch platform {
	case "android", "ios":
		if payload == "invalid" {
			return AttestationInvalid, nil
		}
		return AttestationValid, nil
	}
	return AttestationUnsupported, nil
}
