// Package payments holds payment processor adapters.
package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// Charge is an escrow charge held by the sandbox.
type Charge struct {
	Reference   string
	UserID      string
	ChallengeID string
	Amount      decimal.Decimal
	Refunded    decimal.Decimal
}

// Sandbox is an in-process processor that succeeds unless told otherwise.
// It backs local runs and tests.
type Sandbox struct {
	mu         sync.Mutex
	charges    map[string]*Charge
	payouts    map[string]decimal.Decimal // transfer id -> amount
	failCharge map[string]bool
	failPayout map[string]bool
}

// ProcessorSandbox names the in-process processor in configuration.
const ProcessorSandbox = "sandbox"

// New returns the processor configured under name.
func New(name string) (interfaces.PaymentProcessor, error) {
	switch name {
	case ProcessorSandbox:
		return NewSandbox(), nil
	default:
		return nil, fmt.Errorf("unknown payment processor %q: %w", name, models.ErrInvalidInput)
	}
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:    make(map[string]*Charge),
		payouts:    make(map[string]decimal.Decimal),
		failCharge: make(map[string]bool),
		failPayout: make(map[string]bool),
	}
}

// FailChargesFor makes every charge for userID fail.
func (s *Sandbox) FailChargesFor(userID string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCharge[userID] = fail
}

// FailPayoutsFor makes every payout to userID fail.
func (s *Sandbox) FailPayoutsFor(userID string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPayout[userID] = fail
}

func (s *Sandbox) CreateEscrowCharge(ctx context.Context, userID string, amount decimal.Decimal, challengeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCharge[userID] {
		return "", fmt.Errorf("charge declined for %s: %w", userID, models.ErrExternalPaymentFailure)
	}
	if !amount.IsPositive() {
		return "", models.ErrInvalidAmount
	}
	ref := "ch_" + uuid.NewString()
	s.charges[ref] = &Charge{Reference: ref, UserID: userID, ChallengeID: challengeID, Amount: amount, Refunded: decimal.Zero}
	return ref, nil
}

func (s *Sandbox) Refund(ctx context.Context, reference string, amount *decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[reference]
	if !ok {
		return "", fmt.Errorf("charge %s: %w", reference, models.ErrNotFound)
	}
	remaining := c.Amount.Sub(c.Refunded)
	refund := remaining
	if amount != nil {
		refund = *amount
	}
	if !refund.IsPositive() || refund.GreaterThan(remaining) {
		return "", fmt.Errorf("refund %s of %s: %w", refund, reference, models.ErrInvalidAmount)
	}
	c.Refunded = c.Refunded.Add(refund)
	return "re_" + uuid.NewString(), nil
}

func (s *Sandbox) Payout(ctx context.Context, userID string, amount decimal.Decimal, challengeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPayout[userID] {
		return "", fmt.Errorf("payout rejected for %s: %w", userID, models.ErrExternalPaymentFailure)
	}
	id := "tr_" + uuid.NewString()
	s.payouts[id] = amount
	return id, nil
}

// ChargeFor returns the charge behind reference.
func (s *Sandbox) ChargeFor(reference string) (Charge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[reference]
	if !ok {
		return Charge{}, false
	}
	return *c, true
}

// PayoutCount is the number of successful payouts issued.
func (s *Sandbox) PayoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payouts)
}

var _ interfaces.PaymentProcessor = (*Sandbox)(nil)
