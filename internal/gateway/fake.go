package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/TheRebzu/ecodeli-sub018/internal/interfaces"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

// Fake is an in-process Gateway for tests and local runs. References are
// derived from the correlation id so repeated calls are naturally
// idempotent, every call is recorded, and failures can be injected per
// operation.
type Fake struct {
	mu sync.Mutex

	AuthorizeErr error
	CaptureErr   error
	TransferErr  error
	RefundErr    error

	authorizeCalls int
	captureCalls   int
	transferCalls  int
	refundCalls    int

	transfers []FakeTransfer
	refunds   []FakeRefund
}

type FakeTransfer struct {
	Destination   string
	Amount        decimal.Decimal
	Currency      string
	CorrelationID string
}

type FakeRefund struct {
	PaymentIntentID string
	Amount          decimal.Decimal
	Reason          string
	CorrelationID   string
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Authorize(ctx context.Context, req interfaces.AuthorizeRequest) (interfaces.AuthorizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeCalls++
	if f.AuthorizeErr != nil {
		return interfaces.AuthorizeResult{}, wrap("authorize", f.AuthorizeErr)
	}

	res := interfaces.AuthorizeResult{
		PaymentIntentID: "pi_" + req.CorrelationID,
	}
	switch req.Method {
	case models.MethodCard:
		res.CardLast4 = last4(req.MethodDetails["card_number"])
		if res.CardLast4 == "" {
			res.CardLast4 = "4242"
		}
	case models.MethodBankTransfer:
		res.BankLast4 = last4(req.MethodDetails["iban"])
		if res.BankLast4 == "" {
			res.BankLast4 = "0123"
		}
	}
	return res, nil
}

func (f *Fake) Capture(ctx context.Context, paymentIntentID string, amount decimal.Decimal, correlationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	if f.CaptureErr != nil {
		return "", wrap("capture", f.CaptureErr)
	}
	return "cap_" + correlationID, nil
}

func (f *Fake) Transfer(ctx context.Context, destination string, amount decimal.Decimal, currency, correlationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	if f.TransferErr != nil {
		return "", wrap("transfer", f.TransferErr)
	}
	f.transfers = append(f.transfers, FakeTransfer{
		Destination:   destination,
		Amount:        amount,
		Currency:      currency,
		CorrelationID: correlationID,
	})
	return fmt.Sprintf("tr_%s_%d", correlationID, len(f.transfers)), nil
}

func (f *Fake) Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason, correlationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	if f.RefundErr != nil {
		return "", wrap("refund", f.RefundErr)
	}
	f.refunds = append(f.refunds, FakeRefund{
		PaymentIntentID: paymentIntentID,
		Amount:          amount,
		Reason:          reason,
		CorrelationID:   correlationID,
	})
	return "re_" + correlationID, nil
}

func (f *Fake) AuthorizeCalls() int { f.mu.Lock(); defer f.mu.Unlock(); return f.authorizeCalls }
func (f *Fake) CaptureCalls() int   { f.mu.Lock(); defer f.mu.Unlock(); return f.captureCalls }
func (f *Fake) TransferCalls() int  { f.mu.Lock(); defer f.mu.Unlock(); return f.transferCalls }
func (f *Fake) RefundCalls() int    { f.mu.Lock(); defer f.mu.Unlock(); return f.refundCalls }

func (f *Fake) Transfers() []FakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeTransfer, len(f.transfers))
	copy(out, f.transfers)
	return out
}

func (f *Fake) Refunds() []FakeRefund {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeRefund, len(f.refunds))
	copy(out, f.refunds)
	return out
}

func wrap(op string, err error) error {
	if ge, ok := err.(*models.GatewayError); ok {
		return ge
	}
	return &models.GatewayError{Op: op, Retryable: false, Err: err}
}
