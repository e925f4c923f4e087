package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/TheRebzu/ecodeli-sub018/internal/config"
	"github.com/TheRebzu/ecodeli-sub018/internal/events"
	"github.com/TheRebzu/ecodeli-sub018/internal/interfaces"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

// ActorSystem marks transitions triggered by the engine itself.
const ActorSystem = "SYSTEM"

// Manager owns the escrow transaction lifecycle. All status mutations go
// through its transition operations, serialized per transaction id by
// the locker plus a conditional store update, so at most one transition
// is in flight per transaction.
type Manager struct {
	store    interfaces.EscrowStore
	eventLog *events.Log
	gateway  interfaces.Gateway
	locker   interfaces.Locker
	notifier interfaces.Notifier
	cfg      config.EscrowConfig
	rules    []models.ReleaseRule
	tracer   trace.Tracer
	now      func() time.Time
}

func NewManager(
	store interfaces.EscrowStore,
	eventLog *events.Log,
	gw interfaces.Gateway,
	locker interfaces.Locker,
	notifier interfaces.Notifier,
	cfg config.EscrowConfig,
	rules []models.ReleaseRule,
) *Manager {
	if len(rules) == 0 {
		rules = []models.ReleaseRule{models.StandardReleaseRule()}
	}
	return &Manager{
		store:    store,
		eventLog: eventLog,
		gateway:  gw,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		rules:    rules,
		tracer:   otel.Tracer("escrow-manager"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type InitiateParams struct {
	AnnouncementID string
	ClientID       string
	MerchantID     string
	Amount         decimal.Decimal
	Currency       string
	Method         models.PaymentMethod
	MethodDetails  map[string]string
	Context        models.RequestContext
}

// Initiate authorizes a new escrow payment. Nothing is persisted unless
// the gateway authorization succeeds: a failed initiation leaves no
// partial transaction behind.
func (m *Manager) Initiate(ctx context.Context, params InitiateParams) (*models.EscrowTransaction, error) {
	ctx, span := m.tracer.Start(ctx, "escrow.initiate")
	defer span.End()

	if params.AnnouncementID == "" {
		return nil, models.NewValidationError("announcement_id", "required")
	}
	if params.ClientID == "" {
		return nil, models.NewValidationError("client_id", "required")
	}
	if len(params.Currency) != 3 {
		return nil, models.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	if !params.Method.Valid() {
		return nil, models.NewValidationError("payment_method", "unknown method")
	}

	breakdown, err := CalculateBreakdown(params.Amount, m.cfg)
	if err != nil {
		return nil, err
	}

	now := m.now()
	tx := &models.EscrowTransaction{
		ID:             models.NewTransactionID(),
		AnnouncementID: params.AnnouncementID,
		ClientID:       params.ClientID,
		MerchantID:     params.MerchantID,
		Amount:         params.Amount,
		RefundedAmount: decimal.Zero,
		Currency:       params.Currency,
		Breakdown:      breakdown,
		PaymentMethod:  params.Method,
		Status:         models.StatusPending,
		Context:        params.Context,
		RiskScore:      ScoreRisk(params.Amount, params.Method, params.Context),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var auth interfaces.AuthorizeResult
	err = m.withRetry(ctx, func(callCtx context.Context) error {
		var gerr error
		auth, gerr = m.gateway.Authorize(callCtx, interfaces.AuthorizeRequest{
			Amount:        params.Amount,
			Currency:      params.Currency,
			Method:        params.Method,
			MethodDetails: params.MethodDetails,
			CorrelationID: tx.ID,
		})
		return gerr
	})
	if err != nil {
		telemetry.Logger.Warn("Escrow initiation rejected by gateway",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		return nil, err
	}

	authorizedAt := m.now()
	tx.Status = models.StatusAuthorized
	tx.AuthorizedAt = &authorizedAt
	tx.PaymentIntentID = auth.PaymentIntentID
	tx.CardLast4 = auth.CardLast4
	tx.BankLast4 = auth.BankLast4
	tx.UpdatedAt = authorizedAt

	if err := m.store.Save(ctx, tx); err != nil {
		return nil, err
	}

	if err := m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     models.EventInitiated,
		FromStatus:    models.StatusPending,
		ToStatus:      models.StatusAuthorized,
		Actor:         ActorSystem,
		Metadata: map[string]string{
			"amount":         params.Amount.StringFixed(2),
			"currency":       params.Currency,
			"payment_method": string(params.Method),
		},
	}); err != nil {
		return nil, err
	}

	telemetry.Logger.Info("Escrow payment initiated",
		zap.String("transaction_id", tx.ID),
		zap.String("amount", params.Amount.StringFixed(2)),
		zap.String("currency", params.Currency),
		zap.Int("risk_score", tx.RiskScore),
	)
	return tx, nil
}

// CaptureAndHold captures the authorized funds and places them in
// escrow until the hold deadline.
func (m *Manager) CaptureAndHold(ctx context.Context, id, delivererID string) error {
	ctx, span := m.tracer.Start(ctx, "escrow.capture_and_hold")
	defer span.End()

	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusAuthorized {
		return &models.PreconditionError{TransactionID: id, Current: tx.Status, Requested: models.StatusHeld}
	}

	var captureID string
	err = m.withRetry(ctx, func(callCtx context.Context) error {
		var gerr error
		captureID, gerr = m.gateway.Capture(callCtx, tx.PaymentIntentID, tx.Amount, tx.ID)
		return gerr
	})
	if err != nil {
		m.recordFailure(ctx, tx, models.EventGatewayFailure, err)
		return err
	}

	now := m.now()
	heldUntil := now.Add(m.cfg.DefaultHoldPeriod)
	tx.Status = models.StatusHeld
	tx.CapturedAt = &now
	tx.HeldUntil = &heldUntil
	tx.CaptureID = captureID
	if delivererID != "" {
		tx.DelivererID = delivererID
	}
	tx.UpdatedAt = now

	if err := m.commit(ctx, tx, models.StatusAuthorized); err != nil {
		return err
	}

	if err := m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     models.EventCapturedAndHeld,
		FromStatus:    models.StatusAuthorized,
		ToStatus:      models.StatusHeld,
		Actor:         ActorSystem,
		Metadata: map[string]string{
			"capture_id":   captureID,
			"deliverer_id": tx.DelivererID,
			"held_until":   heldUntil.Format(time.RFC3339),
		},
	}); err != nil {
		return err
	}

	m.notifier.Notify(ctx, "escrow.funds_held", []string{tx.ClientID, tx.DelivererID}, tx)
	return nil
}

// Release validates the fulfillment proof against the active rules,
// recomputes the final breakdown and pays out deliverer and platform.
// Any transfer failure leaves the transaction HELD for operator retry.
func (m *Manager) Release(ctx context.Context, id, actorID string, proof models.ReleaseProof) error {
	ctx, span := m.tracer.Start(ctx, "escrow.release")
	defer span.End()

	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	return m.releaseLocked(ctx, tx, actorID, proof, models.EventReleased, false)
}

// releaseLocked performs the HELD -> RELEASED transition. The caller
// must hold the per-id lock. synthetic skips rule evaluation for
// scheduler-triggered releases, whose proof is satisfied by definition.
func (m *Manager) releaseLocked(ctx context.Context, tx *models.EscrowTransaction, actorID string, proof models.ReleaseProof, eventType string, synthetic bool) error {
	if tx.Status != models.StatusHeld {
		return &models.PreconditionError{TransactionID: tx.ID, Current: tx.Status, Requested: models.StatusReleased}
	}

	if !synthetic {
		if err := EvaluateRelease(tx, proof, m.rules, m.now()); err != nil {
			m.recordFailure(ctx, tx, models.EventReleaseRejected, err)
			return err
		}
	}

	final := FinalBreakdown(tx.Breakdown, proof)

	payouts := []struct {
		destination string
		amount      decimal.Decimal
		correlation string
	}{
		{destination: "deliverer:" + tx.DelivererID, amount: final.DelivererFee, correlation: tx.ID + ":payout"},
		{destination: "platform:settlement", amount: final.PlatformFee, correlation: tx.ID + ":settlement"},
	}

	transferIDs := make(map[string]string, len(payouts))
	for _, p := range payouts {
		if p.amount.LessThanOrEqual(decimal.Zero) {
			continue
		}
		payout := p
		err := m.withRetry(ctx, func(callCtx context.Context) error {
			ref, gerr := m.gateway.Transfer(callCtx, payout.destination, payout.amount, tx.Currency, payout.correlation)
			if gerr != nil {
				return gerr
			}
			transferIDs[payout.destination] = ref
			return nil
		})
		if err != nil {
			m.recordFailure(ctx, tx, models.EventGatewayFailure, err)
			return err
		}
	}

	now := m.now()
	tx.Breakdown = final
	tx.Status = models.StatusReleased
	tx.ReleasedAt = &now
	tx.UpdatedAt = now

	if err := m.commit(ctx, tx, models.StatusHeld); err != nil {
		return err
	}

	metadata := map[string]string{
		"deliverer_fee": final.DelivererFee.StringFixed(2),
		"platform_fee":  final.PlatformFee.StringFixed(2),
	}
	for dest, ref := range transferIDs {
		metadata["transfer:"+dest] = ref
	}

	if err := m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     eventType,
		FromStatus:    models.StatusHeld,
		ToStatus:      models.StatusReleased,
		Actor:         actorID,
		Metadata:      metadata,
	}); err != nil {
		return err
	}

	m.notifier.Notify(ctx, "escrow.funds_released", []string{tx.ClientID, tx.DelivererID}, tx)
	telemetry.Logger.Info("Escrow funds released",
		zap.String("transaction_id", tx.ID),
		zap.String("actor", actorID),
	)
	return nil
}

// Refund returns up to the remaining amount to the client. A full
// remaining refund yields REFUNDED, a lesser one PARTIALLY_REFUNDED.
// Requests outside the refund window or above the remaining amount are
// rejected without touching the transaction.
func (m *Manager) Refund(ctx context.Context, id string, amount decimal.Decimal, reason, actorID string) error {
	ctx, span := m.tracer.Start(ctx, "escrow.refund")
	defer span.End()

	if amount.LessThanOrEqual(decimal.Zero) {
		return models.NewValidationError("amount", "must be positive")
	}

	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusHeld && tx.Status != models.StatusReleased {
		return &models.PreconditionError{TransactionID: id, Current: tx.Status, Requested: models.StatusRefunded}
	}

	now := m.now()
	if now.Sub(tx.CreatedAt) > m.cfg.MaxRefundPeriod {
		return models.NewValidationError("refund", "refund window expired")
	}
	if amount.GreaterThan(tx.Remaining()) {
		return models.NewValidationError("amount", "exceeds remaining transaction amount")
	}

	var refundID string
	correlation := tx.ID + ":refund:" + amount.StringFixed(2)
	err = m.withRetry(ctx, func(callCtx context.Context) error {
		var gerr error
		refundID, gerr = m.gateway.Refund(callCtx, tx.PaymentIntentID, amount, reason, correlation)
		return gerr
	})
	if err != nil {
		m.recordFailure(ctx, tx, models.EventGatewayFailure, err)
		return err
	}

	previous := tx.Status
	newStatus := models.StatusPartiallyRefunded
	if amount.Equal(tx.Remaining()) {
		newStatus = models.StatusRefunded
	}

	tx.RefundedAmount = tx.RefundedAmount.Add(amount)
	tx.Status = newStatus
	tx.RefundedAt = &now
	tx.UpdatedAt = now

	if err := m.commit(ctx, tx, previous); err != nil {
		return err
	}

	if err := m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     models.EventRefunded,
		FromStatus:    previous,
		ToStatus:      newStatus,
		Actor:         actorID,
		Reason:        reason,
		Metadata: map[string]string{
			"refund_id":     refundID,
			"refund_amount": amount.StringFixed(2),
		},
	}); err != nil {
		return err
	}

	m.notifier.Notify(ctx, "escrow.refund_processed", []string{tx.ClientID, tx.DelivererID}, tx)
	telemetry.Logger.Info("Escrow refund processed",
		zap.String("transaction_id", tx.ID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("status", string(newStatus)),
	)
	return nil
}

// Dispute freezes a held transaction for manual resolution. The
// auto-release sweep skips anything no longer HELD, so a dispute
// implicitly cancels the pending auto-release.
func (m *Manager) Dispute(ctx context.Context, id string, disputeType models.DisputeType, description, actorID string) error {
	ctx, span := m.tracer.Start(ctx, "escrow.dispute")
	defer span.End()

	if !disputeType.Valid() {
		return models.NewValidationError("dispute_type", "unknown dispute type")
	}

	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusHeld {
		return &models.PreconditionError{TransactionID: id, Current: tx.Status, Requested: models.StatusDisputed}
	}

	now := m.now()
	tx.Status = models.StatusDisputed
	tx.UpdatedAt = now

	if err := m.commit(ctx, tx, models.StatusHeld); err != nil {
		return err
	}

	if err := m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     models.EventDisputed,
		FromStatus:    models.StatusHeld,
		ToStatus:      models.StatusDisputed,
		Actor:         actorID,
		Reason:        description,
		Metadata:      map[string]string{"dispute_type": string(disputeType)},
	}); err != nil {
		return err
	}

	m.notifier.Notify(ctx, "escrow.dispute_opened", []string{tx.ClientID, tx.DelivererID}, tx)
	return nil
}

// Cancel aborts a transaction before capture.
func (m *Manager) Cancel(ctx context.Context, id, reason, actorID string) error {
	ctx, span := m.tracer.Start(ctx, "escrow.cancel")
	defer span.End()

	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !tx.Status.CanTransitionTo(models.StatusCancelled) {
		return &models.PreconditionError{TransactionID: id, Current: tx.Status, Requested: models.StatusCancelled}
	}

	previous := tx.Status
	tx.Status = models.StatusCancelled
	tx.UpdatedAt = m.now()

	if err := m.commit(ctx, tx, previous); err != nil {
		return err
	}

	return m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     models.EventCancelled,
		FromStatus:    previous,
		ToStatus:      models.StatusCancelled,
		Actor:         actorID,
		Reason:        reason,
	})
}

// AutoRelease is the scheduler entry point: it releases a held
// transaction whose deadline has passed, with a synthetic validated
// proof. It no-ops cleanly when the transaction left HELD in the
// meantime. When the gateway keeps failing past the maximum hold
// period, the transaction falls back to EXPIRED for reconciliation.
func (m *Manager) AutoRelease(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "escrow.auto_release")
	defer span.End()

	release, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	tx, err := m.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusHeld {
		return nil
	}
	now := m.now()
	if tx.HeldUntil == nil || now.Before(*tx.HeldUntil) {
		return nil
	}

	proof := models.ReleaseProof{DeliveryValidated: true, ClientConfirmation: true}
	err = m.releaseLocked(ctx, tx, ActorSystem, proof, models.EventAutoReleased, true)
	if err == nil {
		return nil
	}

	// Degenerate fallback: the hold expired long ago and the payout still
	// cannot be executed.
	if models.IsRetryable(err) || !now.After(tx.HeldUntil.Add(m.cfg.MaxHoldPeriod)) {
		return err
	}

	expired, loadErr := m.store.Load(ctx, id)
	if loadErr != nil || expired.Status != models.StatusHeld {
		return err
	}
	expired.Status = models.StatusExpired
	expired.UpdatedAt = now
	if commitErr := m.commit(ctx, expired, models.StatusHeld); commitErr != nil {
		return commitErr
	}
	return m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: expired.ID,
		EventType:     models.EventExpired,
		FromStatus:    models.StatusHeld,
		ToStatus:      models.StatusExpired,
		Actor:         ActorSystem,
		Reason:        "auto-release failed after maximum hold period",
	})
}

// Get returns the current transaction.
func (m *Manager) Get(ctx context.Context, id string) (*models.EscrowTransaction, error) {
	return m.store.Load(ctx, id)
}

// GetHistory returns the ordered audit trail.
func (m *Manager) GetHistory(ctx context.Context, id string) ([]*models.EscrowEvent, error) {
	if _, err := m.store.Load(ctx, id); err != nil {
		return nil, err
	}
	return m.eventLog.History(ctx, id)
}

// commit applies the conditional update; a stale expected status means a
// concurrent transition won the race.
func (m *Manager) commit(ctx context.Context, tx *models.EscrowTransaction, expected models.EscrowStatus) error {
	applied, err := m.store.UpdateIfStatus(ctx, tx, expected)
	if err != nil {
		return err
	}
	if !applied {
		return &models.PreconditionError{TransactionID: tx.ID, Current: expected, Requested: tx.Status}
	}
	return nil
}

// recordFailure appends a non-transition event (from == to) so the audit
// trail shows failed attempts.
func (m *Manager) recordFailure(ctx context.Context, tx *models.EscrowTransaction, eventType string, cause error) {
	if err := m.eventLog.Record(ctx, &models.EscrowEvent{
		TransactionID: tx.ID,
		EventType:     eventType,
		FromStatus:    tx.Status,
		ToStatus:      tx.Status,
		Actor:         ActorSystem,
		Reason:        cause.Error(),
	}); err != nil {
		telemetry.Logger.Error("Failed to record escrow failure event",
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
	}
}

// withRetry retries retryable gateway failures with exponential backoff,
// bounded by the configured attempt count. The op must reuse the same
// correlation id on every attempt.
func (m *Manager) withRetry(ctx context.Context, op func(context.Context) error) error {
	call := func() error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.GatewayTimeout)
		defer cancel()
		err := op(callCtx)
		if err != nil && !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.GatewayRetries))
	return backoff.Retry(call, backoff.WithContext(policy, ctx))
}
