package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

// EscrowStore is the contract for escrow transaction persistence. It is
// assumed to give read-your-writes consistency per transaction id and
// nothing across ids.
type EscrowStore interface {
	Save(ctx context.Context, tx *models.EscrowTransaction) error
	Load(ctx context.Context, id string) (*models.EscrowTransaction, error)
	// UpdateIfStatus persists tx only when the stored status still equals
	// expected, and reports whether the conditional write applied. This is
	// the optimistic half of the per-id serialization.
	UpdateIfStatus(ctx context.Context, tx *models.EscrowTransaction, expected models.EscrowStatus) (bool, error)
	// ListDueForRelease returns HELD transactions whose hold deadline has
	// passed, for the auto-release sweep.
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*models.EscrowTransaction, error)
}

// EventStore persists the append-only audit trail.
type EventStore interface {
	Append(ctx context.Context, event *models.EscrowEvent) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*models.EscrowEvent, error)
}

// Gateway wraps the external payment processor. Every call carries the
// escrow transaction id as correlation id so processor-side deduplication
// makes retries safe. Implementations are stateless and safe for
// concurrent use across transactions.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
	Capture(ctx context.Context, paymentIntentID string, amount decimal.Decimal, correlationID string) (string, error)
	Transfer(ctx context.Context, destination string, amount decimal.Decimal, currency, correlationID string) (string, error)
	Refund(ctx context.Context, paymentIntentID string, amount decimal.Decimal, reason, correlationID string) (string, error)
}

type AuthorizeRequest struct {
	Amount        decimal.Decimal
	Currency      string
	Method        models.PaymentMethod
	MethodDetails map[string]string
	CorrelationID string
}

type AuthorizeResult struct {
	PaymentIntentID string
	CardLast4       string
	BankLast4       string
}

// Locker serializes transitions per transaction id. Acquire returns a
// release func, or a non-nil error when another transition holds the id.
type Locker interface {
	Acquire(ctx context.Context, id string) (func(), error)
}

// Notifier delivers fire-and-forget notifications. Failures must never
// roll back a completed financial transition.
type Notifier interface {
	Notify(ctx context.Context, event string, recipients []string, payload any)
}
