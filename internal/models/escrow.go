package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	StatusPending           EscrowStatus = "PENDING"
	StatusAuthorized        EscrowStatus = "AUTHORIZED"
	StatusCaptured          EscrowStatus = "CAPTURED"
	StatusHeld              EscrowStatus = "HELD"
	StatusReleased          EscrowStatus = "RELEASED"
	StatusRefunded          EscrowStatus = "REFUNDED"
	StatusPartiallyRefunded EscrowStatus = "PARTIALLY_REFUNDED"
	StatusDisputed          EscrowStatus = "DISPUTED"
	StatusCancelled         EscrowStatus = "CANCELLED"
	StatusExpired           EscrowStatus = "EXPIRED"
)

// transitions is the single source of truth for legal status edges.
// Every mutation in the manager goes through CanTransitionTo; there are
// no status comparisons anywhere else.
var transitions = map[EscrowStatus][]EscrowStatus{
	StatusPending:    {StatusAuthorized, StatusCancelled},
	StatusAuthorized: {StatusHeld, StatusCancelled},
	StatusCaptured:   {StatusHeld},
	StatusHeld: {
		StatusReleased, StatusRefunded, StatusPartiallyRefunded,
		StatusDisputed, StatusExpired,
	},
	StatusReleased: {StatusRefunded, StatusPartiallyRefunded},
}

func (s EscrowStatus) CanTransitionTo(to EscrowStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s EscrowStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s EscrowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorized, StatusCaptured, StatusHeld,
		StatusReleased, StatusRefunded, StatusPartiallyRefunded,
		StatusDisputed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCard          PaymentMethod = "CARD"
	MethodBankTransfer  PaymentMethod = "BANK_TRANSFER"
	MethodDigitalWallet PaymentMethod = "DIGITAL_WALLET"
	MethodCash          PaymentMethod = "CASH"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodDigitalWallet, MethodCash:
		return true
	}
	return false
}

type PaymentSource string

const (
	SourceWeb    PaymentSource = "WEB"
	SourceMobile PaymentSource = "MOBILE"
	SourceAPI    PaymentSource = "API"
)

type DisputeType string

const (
	DisputeUnauthorized        DisputeType = "UNAUTHORIZED"
	DisputeDuplicate           DisputeType = "DUPLICATE"
	DisputeFraudulent          DisputeType = "FRAUDULENT"
	DisputeProductNotReceived  DisputeType = "PRODUCT_NOT_RECEIVED"
	DisputeProductUnacceptable DisputeType = "PRODUCT_UNACCEPTABLE"
)

func (d DisputeType) Valid() bool {
	switch d {
	case DisputeUnauthorized, DisputeDuplicate, DisputeFraudulent,
		DisputeProductNotReceived, DisputeProductUnacceptable:
		return true
	}
	return false
}

// PaymentBreakdown splits a gross amount. ServiceAmount + PlatformFee +
// TaxAmount always equals the gross amount; DelivererFee and InsuranceFee
// are shares carved out of ServiceAmount, not additive.
type PaymentBreakdown struct {
	ServiceAmount decimal.Decimal `json:"service_amount"`
	DelivererFee  decimal.Decimal `json:"deliverer_fee"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	InsuranceFee  decimal.Decimal `json:"insurance_fee"`
}

// Gross returns the amount the breakdown components sum back to.
func (b PaymentBreakdown) Gross() decimal.Decimal {
	return b.ServiceAmount.Add(b.PlatformFee).Add(b.TaxAmount)
}

// RequestContext carries the origin metadata captured at initiation.
type RequestContext struct {
	IPAddress     string        `json:"ip_address"`
	UserAgent     string        `json:"user_agent"`
	PaymentSource PaymentSource `json:"payment_source"`
}

// EscrowTransaction is the central escrow entity. It is mutated only by
// the manager's transition operations and never deleted; terminal states
// are retained for audit.
type EscrowTransaction struct {
	ID             string `json:"id"`
	AnnouncementID string `json:"announcement_id"`
	ClientID       string `json:"client_id"`
	DelivererID    string `json:"deliverer_id,omitempty"`
	MerchantID     string `json:"merchant_id,omitempty"`

	Amount         decimal.Decimal  `json:"amount"`
	RefundedAmount decimal.Decimal  `json:"refunded_amount"`
	Currency       string           `json:"currency"`
	Breakdown      PaymentBreakdown `json:"breakdown"`

	PaymentMethod   PaymentMethod `json:"payment_method"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`
	CaptureID       string        `json:"capture_id,omitempty"`
	CardLast4       string        `json:"card_last4,omitempty"`
	BankLast4       string        `json:"bank_last4,omitempty"`

	Status EscrowStatus `json:"status"`

	Context   RequestContext `json:"context"`
	RiskScore int            `json:"risk_score"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	HeldUntil    *time.Time `json:"held_until,omitempty"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`
}

// Remaining is the refundable amount left on the transaction.
func (t *EscrowTransaction) Remaining() decimal.Decimal {
	return t.Amount.Sub(t.RefundedAmount)
}

func NewTransactionID() string {
	return "esc_" + uuid.NewString()
}

func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// EscrowEvent is one immutable entry in a transaction's audit trail.
// The transaction's current status must equal the ToStatus of its most
// recent event. FromStatus == ToStatus records a failed attempt that did
// not change state (gateway failure, rule violation).
type EscrowEvent struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	EventType     string            `json:"event_type"`
	FromStatus    EscrowStatus      `json:"from_status"`
	ToStatus      EscrowStatus      `json:"to_status"`
	Actor         string            `json:"actor"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Event types.
const (
	EventInitiated       = "ESCROW_INITIATED"
	EventCapturedAndHeld = "FUNDS_CAPTURED_AND_HELD"
	EventReleased        = "FUNDS_RELEASED"
	EventAutoReleased    = "FUNDS_AUTO_RELEASED"
	EventRefunded        = "REFUND_PROCESSED"
	EventDisputed        = "DISPUTE_INITIATED"
	EventCancelled       = "ESCROW_CANCELLED"
	EventExpired         = "ESCROW_EXPIRED"
	EventReleaseRejected = "RELEASE_REJECTED"
	EventGatewayFailure  = "GATEWAY_FAILURE"
)

// ReleaseProof is the fulfillment evidence submitted with a release
// request. Auto-release uses a synthetic proof with DeliveryValidated set.
type ReleaseProof struct {
	DeliveryValidated  bool     `json:"delivery_validated"`
	ClientConfirmation bool     `json:"client_confirmation"`
	ClientRating       float64  `json:"client_rating,omitempty"`
	ClientComment      string   `json:"client_comment,omitempty"`
	Photos             []string `json:"photos,omitempty"`
	Signature          string   `json:"signature,omitempty"`
}
