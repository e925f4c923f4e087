package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheRebzu/ecodeli-sub018/internal/events"
	"github.com/TheRebzu/ecodeli-sub018/internal/gateway"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
	"github.com/TheRebzu/ecodeli-sub018/internal/notify"
	"github.com/TheRebzu/ecodeli-sub018/internal/repository"
)

type testEnv struct {
	manager *Manager
	store   *repository.MemoryStore
	gw      *gateway.Fake
	log     *events.Log
	base    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	gw := gateway.NewFake()
	log := events.NewLog(store, nil)
	manager := NewManager(store, log, gw, NewMemoryLocker(), notify.Nop{}, testConfig(), nil)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return base }

	return &testEnv{manager: manager, store: store, gw: gw, log: log, base: base}
}

func (e *testEnv) setNow(now time.Time) {
	e.manager.now = func() time.Time { return now }
}

func (e *testEnv) initiate(t *testing.T) *models.EscrowTransaction {
	t.Helper()
	tx, err := e.manager.Initiate(context.Background(), InitiateParams{
		AnnouncementID: "ann-1",
		ClientID:       "client-1",
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "EUR",
		Method:         models.MethodCard,
		MethodDetails:  map[string]string{"card_number": "4242424242424242"},
		Context: models.RequestContext{
			IPAddress:     "203.0.113.7",
			UserAgent:     "test-agent",
			PaymentSource: models.SourceWeb,
		},
	})
	require.NoError(t, err)
	return tx
}

// initiate + capture, clock advanced past the minimum hold so release
// conditions can be met.
func (e *testEnv) hold(t *testing.T, delivererID string) *models.EscrowTransaction {
	t.Helper()
	tx := e.initiate(t)
	require.NoError(t, e.manager.CaptureAndHold(context.Background(), tx.ID, delivererID))
	e.setNow(e.base.Add(2 * time.Hour))
	held, err := e.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	return held
}

func validProof() models.ReleaseProof {
	return models.ReleaseProof{
		DeliveryValidated: true,
		Photos:            []string{"proof.jpg"},
	}
}

func TestInitiateAuthorizesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	tx := env.initiate(t)

	assert.Equal(t, models.StatusAuthorized, tx.Status)
	assert.True(t, tx.Breakdown.TaxAmount.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, tx.Breakdown.PlatformFee.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, "pi_"+tx.ID, tx.PaymentIntentID)
	assert.Equal(t, "4242", tx.CardLast4)
	assert.Equal(t, 5, tx.RiskScore)
	require.NotNil(t, tx.AuthorizedAt)

	stored, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthorized, stored.Status)

	history, err := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.EventInitiated, history[0].EventType)
	assert.Equal(t, models.StatusPending, history[0].FromStatus)
	assert.Equal(t, models.StatusAuthorized, history[0].ToStatus)
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params InitiateParams
	}{
		{"missing announcement", InitiateParams{ClientID: "c", Amount: decimal.NewFromInt(10), Currency: "EUR", Method: models.MethodCard}},
		{"missing client", InitiateParams{AnnouncementID: "a", Amount: decimal.NewFromInt(10), Currency: "EUR", Method: models.MethodCard}},
		{"bad currency", InitiateParams{AnnouncementID: "a", ClientID: "c", Amount: decimal.NewFromInt(10), Currency: "EURO", Method: models.MethodCard}},
		{"unknown method", InitiateParams{AnnouncementID: "a", ClientID: "c", Amount: decimal.NewFromInt(10), Currency: "EUR", Method: "CRYPTO"}},
		{"zero amount", InitiateParams{AnnouncementID: "a", ClientID: "c", Amount: decimal.Zero, Currency: "EUR", Method: models.MethodCard}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.manager.Initiate(ctx, tc.params)
			var validation *models.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
	assert.Equal(t, 0, env.gw.AuthorizeCalls(), "validation failures must not reach the gateway")
	assert.Equal(t, 0, env.store.Count())
}

func TestInitiateGatewayFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.gw.AuthorizeErr = &models.GatewayError{Op: "authorize", Retryable: false, Err: errors.New("card declined")}

	_, err := env.manager.Initiate(context.Background(), InitiateParams{
		AnnouncementID: "ann-1",
		ClientID:       "client-1",
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "EUR",
		Method:         models.MethodCard,
	})

	var ge *models.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 1, env.gw.AuthorizeCalls(), "permanent failures are not retried")
	assert.Equal(t, 0, env.store.Count(), "no partial transaction persisted")
}

func TestInitiateRetriesRetryableFailures(t *testing.T) {
	env := newTestEnv(t)
	env.gw.AuthorizeErr = &models.GatewayError{Op: "authorize", Retryable: true, Err: errors.New("timeout")}

	_, err := env.manager.Initiate(context.Background(), InitiateParams{
		AnnouncementID: "ann-1",
		ClientID:       "client-1",
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "EUR",
		Method:         models.MethodCard,
	})

	require.Error(t, err)
	assert.Equal(t, testConfig().GatewayRetries+1, env.gw.AuthorizeCalls())
}

func TestCaptureAndHold(t *testing.T) {
	env := newTestEnv(t)
	tx := env.initiate(t)

	require.NoError(t, env.manager.CaptureAndHold(context.Background(), tx.ID, "F1"))

	held, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHeld, held.Status)
	assert.Equal(t, "F1", held.DelivererID)
	assert.Equal(t, "cap_"+tx.ID, held.CaptureID)
	require.NotNil(t, held.CapturedAt)
	require.NotNil(t, held.HeldUntil)
	assert.Equal(t, env.base.Add(testConfig().DefaultHoldPeriod), *held.HeldUntil)
}

func TestCaptureRequiresAuthorized(t *testing.T) {
	env := newTestEnv(t)
	tx := env.initiate(t)

	require.NoError(t, env.manager.CaptureAndHold(context.Background(), tx.ID, "F1"))
	err := env.manager.CaptureAndHold(context.Background(), tx.ID, "F1")

	var precond *models.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, models.StatusHeld, precond.Current)
	assert.Equal(t, 1, env.gw.CaptureCalls())
}

func TestReleasePaysOutAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	proof := validProof()
	proof.ClientRating = 5
	require.NoError(t, env.manager.Release(context.Background(), tx.ID, "client-1", proof))

	released, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, released.Status)
	require.NotNil(t, released.ReleasedAt)
	// 56.00 * 1.05 = 58.80 bonus for an excellent rating.
	assert.True(t, released.Breakdown.DelivererFee.Equal(decimal.RequireFromString("58.80")))
	assert.True(t, released.Breakdown.PlatformFee.Equal(decimal.RequireFromString("10.00")))

	transfers := env.gw.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, "deliverer:F1", transfers[0].Destination)
	assert.True(t, transfers[0].Amount.Equal(decimal.RequireFromString("58.80")))
	assert.Equal(t, "platform:settlement", transfers[1].Destination)
	assert.True(t, transfers[1].Amount.Equal(decimal.RequireFromString("10.00")))
}

func TestReleaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	require.NoError(t, env.manager.Release(context.Background(), tx.ID, "client-1", validProof()))
	transferCount := env.gw.TransferCalls()

	err := env.manager.Release(context.Background(), tx.ID, "client-1", validProof())
	var precond *models.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, models.StatusReleased, precond.Current)
	assert.Equal(t, transferCount, env.gw.TransferCalls(), "no additional transfers on repeated release")
}

func TestReleaseRejectedWithoutPhotoProof(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	proof := models.ReleaseProof{DeliveryValidated: true}
	err := env.manager.Release(context.Background(), tx.ID, "client-1", proof)

	var violation *models.RuleViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "photo proof required", violation.Reason)

	held, getErr := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusHeld, held.Status)
	assert.Equal(t, 0, env.gw.TransferCalls())

	history, histErr := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, histErr)
	last := history[len(history)-1]
	assert.Equal(t, models.EventReleaseRejected, last.EventType)
	assert.Equal(t, last.FromStatus, last.ToStatus)
	assert.Contains(t, last.Reason, "photo proof required")
}

func TestReleaseTransferFailureStaysHeld(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	env.gw.TransferErr = &models.GatewayError{Op: "transfer", Retryable: false, Err: errors.New("destination account closed")}

	err := env.manager.Release(context.Background(), tx.ID, "client-1", validProof())
	var ge *models.GatewayError
	require.ErrorAs(t, err, &ge)

	held, getErr := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusHeld, held.Status, "no partial release")
	assert.Nil(t, held.ReleasedAt)

	history, histErr := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, histErr)
	last := history[len(history)-1]
	assert.Equal(t, models.EventGatewayFailure, last.EventType)
	assert.NotEmpty(t, last.Reason)
}

func TestRefundFullAmount(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	require.NoError(t, env.manager.Refund(context.Background(), tx.ID, decimal.RequireFromString("100.00"), "order cancelled", "client-1"))

	refunded, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundedAt)
	assert.True(t, refunded.Remaining().IsZero())

	refunds := env.gw.Refunds()
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(decimal.RequireFromString("100.00")))
}

func TestRefundPartialAmount(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	require.NoError(t, env.manager.Refund(context.Background(), tx.ID, decimal.RequireFromString("40.00"), "damaged item", "client-1"))

	refunded, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallyRefunded, refunded.Status)
	assert.True(t, refunded.Remaining().Equal(decimal.RequireFromString("60.00")))
}

func TestRefundRejectsExcessAmount(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	err := env.manager.Refund(context.Background(), tx.ID, decimal.RequireFromString("100.01"), "too much", "client-1")
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)

	unchanged, getErr := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusHeld, unchanged.Status)
	assert.Equal(t, 0, env.gw.RefundCalls())
}

func TestRefundRejectsOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	env.setNow(env.base.Add(31 * 24 * time.Hour))

	err := env.manager.Refund(context.Background(), tx.ID, decimal.RequireFromString("10.00"), "late", "client-1")
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, 0, env.gw.RefundCalls())
}

func TestRefundAfterRelease(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	require.NoError(t, env.manager.Release(context.Background(), tx.ID, "client-1", validProof()))

	require.NoError(t, env.manager.Refund(context.Background(), tx.ID, decimal.RequireFromString("100.00"), "chargeback settled", "admin-1"))

	refunded, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, refunded.Status)
}

func TestDisputeFreezesTransaction(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	require.NoError(t, env.manager.Dispute(context.Background(), tx.ID, models.DisputeProductNotReceived, "never arrived", "client-1"))

	disputed, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, disputed.Status)

	// The pending auto-release must no-op once the transaction left HELD.
	env.setNow(env.base.Add(200 * time.Hour))
	require.NoError(t, env.manager.AutoRelease(context.Background(), tx.ID))
	still, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, still.Status)
	assert.Equal(t, 0, env.gw.TransferCalls())
}

func TestCancelBeforeCapture(t *testing.T) {
	env := newTestEnv(t)
	tx := env.initiate(t)

	require.NoError(t, env.manager.Cancel(context.Background(), tx.ID, "client changed mind", "client-1"))

	cancelled, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	err = env.manager.CaptureAndHold(context.Background(), tx.ID, "F1")
	var precond *models.PreconditionError
	require.ErrorAs(t, err, &precond)
}

func TestCancelRejectedAfterCapture(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	err := env.manager.Cancel(context.Background(), tx.ID, "too late", "client-1")
	var precond *models.PreconditionError
	require.ErrorAs(t, err, &precond)
	assert.Equal(t, models.StatusHeld, precond.Current)
}

func TestInvalidEdgeLeavesTransactionUntouched(t *testing.T) {
	env := newTestEnv(t)
	tx := env.initiate(t)

	before, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)

	releaseErr := env.manager.Release(context.Background(), tx.ID, "client-1", validProof())
	var precond *models.PreconditionError
	require.ErrorAs(t, releaseErr, &precond)

	after, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Nil(t, after.ReleasedAt)
}

func TestAutoReleaseBeforeDeadlineIsNoop(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	require.NoError(t, env.manager.AutoRelease(context.Background(), tx.ID))

	held, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHeld, held.Status)
	assert.Equal(t, 0, env.gw.TransferCalls())
}

func TestAutoReleaseAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	env.setNow(env.base.Add(testConfig().DefaultHoldPeriod + time.Hour))

	require.NoError(t, env.manager.AutoRelease(context.Background(), tx.ID))

	released, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, released.Status)

	history, err := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, models.EventAutoReleased, last.EventType)
	assert.Equal(t, ActorSystem, last.Actor)
}

func TestAutoReleaseExpiresAfterPersistentGatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	env.gw.TransferErr = &models.GatewayError{Op: "transfer", Retryable: false, Err: errors.New("account frozen")}
	env.setNow(env.base.Add(testConfig().DefaultHoldPeriod + testConfig().MaxHoldPeriod + 2*time.Hour))

	require.NoError(t, env.manager.AutoRelease(context.Background(), tx.ID))

	expired, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)

	history, err := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, models.EventExpired, last.EventType)
}

func TestConcurrentReleaseExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- env.manager.Release(context.Background(), tx.ID, "client-1", validProof())
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		if err == nil {
			successes++
		} else {
			failures++
		}
	}
	assert.Equal(t, 1, successes, "exactly one release wins")
	assert.Equal(t, 1, failures, "the loser observes a failure")
	assert.Equal(t, 2, env.gw.TransferCalls(), "only the winner executes transfers")

	released, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, released.Status)
}

func TestManualAndAutoReleaseRace(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	env.setNow(env.base.Add(testConfig().DefaultHoldPeriod + time.Hour))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	start := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		results <- env.manager.Release(context.Background(), tx.ID, "client-1", validProof())
	}()
	go func() {
		defer wg.Done()
		<-start
		results <- env.manager.AutoRelease(context.Background(), tx.ID)
	}()
	close(start)
	wg.Wait()
	close(results)

	// AutoRelease no-ops cleanly when the manual release wins, so at most
	// one error surfaces and exactly one RELEASED transition happened.
	released, err := env.manager.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, released.Status)
	assert.Equal(t, 2, env.gw.TransferCalls(), "transfers executed exactly once")

	history, err := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, err)
	releaseEvents := 0
	for _, ev := range history {
		if ev.ToStatus == models.StatusReleased && ev.FromStatus == models.StatusHeld {
			releaseEvents++
		}
	}
	assert.Equal(t, 1, releaseEvents)
}

func TestGetHistoryOrdersEvents(t *testing.T) {
	env := newTestEnv(t)
	tx := env.hold(t, "F1")
	require.NoError(t, env.manager.Release(context.Background(), tx.ID, "client-1", validProof()))

	history, err := env.manager.GetHistory(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.EventInitiated, history[0].EventType)
	assert.Equal(t, models.EventCapturedAndHeld, history[1].EventType)
	assert.Equal(t, models.EventReleased, history[2].EventType)

	// Replay of the trail must agree with the stored status.
	replayed, err := env.log.Replay(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, replayed)
}

func TestGetHistoryUnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.GetHistory(context.Background(), "esc_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
