package checkout_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/checkout"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/idempotency"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/models"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/settlement"
)

type fakeDriver struct {
	mu          sync.Mutex
	creates     []interfaces.ChargeRequest
	cardCharges int
	createErrs  []error
	cardResult  interfaces.ChargeResult
	cardErrs    []error
	charges     map[string]interfaces.ChargeReference

	// delay stalls CreateCharge; a cancelled context ends the stall with an error.
	delay time.Duration
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{charges: map[string]interfaces.ChargeReference{}}
}

func (d *fakeDriver) Name() string { return "asaas" }

func (d *fakeDriver) CreateCharge(ctx context.Context, req interfaces.ChargeRequest) (interfaces.ChargeReference, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return interfaces.ChargeReference{}, apperr.UnavailableErr("asaas", context.Cause(ctx))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.creates = append(d.creates, req)
	if len(d.createErrs) > 0 {
		err := d.createErrs[0]
		d.createErrs = d.createErrs[1:]
		if err != nil {
			return interfaces.ChargeReference{}, err
		}
	}
	if ref, ok := d.charges[req.ExternalReference]; ok {
		return ref, nil
	}
	ref := interfaces.ChargeReference{
		Reference:  fmt.Sprintf("pay_%d", len(d.charges)+1),
		Status:     "PENDING",
		PixPayload: "00020126580014br.gov.bcb.pix",
		Payload:    map[string]any{"create_charge": map[string]any{"value": req.AmountCents}},
		Response:   map[string]any{"create_charge": map[string]any{"status": "PENDING"}},
	}
	d.charges[req.ExternalReference] = ref
	return ref, nil
}

func (d *fakeDriver) ChargeStoredCard(context.Context, string, interfaces.Card, interfaces.CardHolder) (interfaces.ChargeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cardCharges++
	if len(d.cardErrs) > 0 {
		err := d.cardErrs[0]
		d.cardErrs = d.cardErrs[1:]
		if err != nil {
			return interfaces.ChargeResult{}, err
		}
	}
	return d.cardResult, nil
}

// settle marks the provider side of a charge as paid, as if the card went through.
func (d *fakeDriver) settle(externalReference string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.charges[externalReference]
	c.Status = "CONFIRMED"
	c.Paid = true
	d.charges[externalReference] = c
}

func (d *fakeDriver) counts() (creates, cards int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creates), d.cardCharges
}

func (d *fakeDriver) Refund(context.Context, string, *int64) (interfaces.RefundResult, error) {
	return interfaces.RefundResult{}, nil
}

func (d *fakeDriver) FindCharge(_ context.Context, ref string) (*interfaces.ChargeReference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.charges[ref]; ok {
		return &c, nil
	}
	return nil, nil
}

type countingSettler struct {
	*settlement.Service
	mu    sync.Mutex
	paid  int
	fails int
}

func (s *countingSettler) MarkPaid(ctx context.Context, r *models.PaymentRecord, sc models.SettlementContext) (*models.PaymentRecord, error) {
	s.mu.Lock()
	s.paid++
	s.mu.Unlock()
	return s.Service.MarkPaid(ctx, r, sc)
}

func (s *countingSettler) MarkFailed(ctx context.Context, r *models.PaymentRecord, sc models.SettlementContext) (*models.PaymentRecord, error) {
	s.mu.Lock()
	s.fails++
	s.mu.Unlock()
	return s.Service.MarkFailed(ctx, r, sc)
}

type captured struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (c *captured) Publish(_ context.Context, e models.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captured) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.Name)
	}
	return out
}

type env struct {
	store   *memory.PaymentRepository
	ledger  *ledger.MemoryLedger
	driver  *fakeDriver
	settler *countingSettler
	events  *captured
	locker  *idempotency.MemoryLocker
	orch    *checkout.Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  memory.NewPaymentRepository(),
		ledger: ledger.NewMemoryLedger(),
		driver: newFakeDriver(),
		events: &captured{},
		locker: idempotency.NewMemoryLocker(),
	}
	reg := gateway.NewRegistry("asaas")
	reg.Register(gateway.Provider{Driver: e.driver}, true)

	e.settler = &countingSettler{Service: settlement.NewService(e.store, e.ledger, e.events, nil)}
	e.orch = checkout.NewOrchestrator(e.store, e.ledger, reg, e.settler, e.events, nil,
		checkout.Config{DefaultCurrency: "BRL"}, checkout.WithLocker(e.locker))
	return e
}

func (e *env) fund(t *testing.T, payer string, cents int64) {
	t.Helper()
	require.NoError(t, e.ledger.Deposit(context.Background(), payer, cents, "seed-"+payer))
}

func (e *env) base() checkout.Builder {
	return e.orch.New().
		WithPayer(models.Payer{ID: "user-1", GatewayCustomerID: "cus_1"}).
		WithBillable("course", "c-42").
		WithAmount(10000)
}

func TestCreate_WalletOnly(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "user-1", 10000)

	res, err := e.base().Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, checkout.OutcomePaid, res.Outcome)
	assert.Equal(t, checkout.ReasonWalletOnly, res.Reason)
	assert.Equal(t, int64(10000), res.Record.WalletAppliedCents)
	assert.Zero(t, res.Record.GatewayAmountCents)
	assert.Empty(t, res.Record.Gateway)
	assert.Empty(t, e.driver.creates, "no gateway call for a wallet-only checkout")
	assert.NotNil(t, res.Record.HoldCapturedAt)

	bal, _ := e.ledger.Balance(context.Background(), "user-1")
	assert.Zero(t, bal)
	assert.Equal(t, []string{models.EventPaymentSettled, models.EventPaymentCreated}, e.events.names())
}

func TestCreate_WalletPlusPix(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "user-1", 3000)

	res, err := e.base().WithMethod(models.MethodPix).Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, checkout.OutcomePending, res.Outcome)
	assert.Equal(t, int64(3000), res.Record.WalletAppliedCents)
	assert.Equal(t, int64(7000), res.Record.GatewayAmountCents)
	assert.NotEmpty(t, res.PixPayload)

	require.Len(t, e.driver.creates, 1)
	assert.Equal(t, int64(7000), e.driver.creates[0].AmountCents)
	assert.Equal(t, res.Record.UUID, e.driver.creates[0].ExternalReference)
	assert.Equal(t, "cus_1", e.driver.creates[0].CustomerID)

	assert.Equal(t, "HELD", e.ledger.HoldStatus(res.Record.HoldTransactionID))
	assert.Equal(t, "pay_1", res.Record.GatewayReference)
	assert.Contains(t, res.Record.GatewayPayload, "create_charge")
}

func TestCreate_CardApproved(t *testing.T) {
	e := newEnv(t)
	e.driver.cardResult = interfaces.ChargeResult{Status: "CONFIRMED", Approved: true, Final: true, Raw: map[string]any{"status": "CONFIRMED"}}

	res, err := e.base().
		UseWallet(false).
		WithMethod(models.MethodCreditCard).
		WithCard(interfaces.Card{HolderName: "Ana", Number: "4111 1111 1111 1234", ExpiryMonth: "12", ExpiryYear: "2030", CVV: "123"}).
		WithCardHolder(interfaces.CardHolder{Name: "Ana", Email: "ana@example.com", Document: "24971563792"}).
		Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, checkout.OutcomePaid, res.Outcome)
	assert.Equal(t, checkout.ReasonCardApproved, res.Reason)
	assert.Equal(t, int64(10000), res.Record.GatewayAmountCents)
	assert.Empty(t, res.Record.HoldTransactionID)
	assert.Equal(t, 1, e.settler.paid)
	assert.Equal(t, 1, e.driver.cardCharges)

	audit, ok := res.Record.GatewayPayload["charge_stored_card"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "****1234", audit["number"])
	assert.NotContains(t, fmt.Sprint(res.Record.GatewayPayload), "4111")
	_, hasCVV := audit["cvv"]
	assert.False(t, hasCVV)
}

func TestCreate_CardDeclinedIsFailedResult(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "user-1", 2000)
	e.driver.cardResult = interfaces.ChargeResult{Status: "DECLINED", Final: true, ErrorCode: "card_declined", ErrorMessage: "Transação não autorizada"}

	res, err := e.base().
		WithMethod(models.MethodCreditCard).
		WithCard(interfaces.Card{Token: "tok_1"}).
		WithCardHolder(interfaces.CardHolder{Name: "Ana"}).
		Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, checkout.OutcomeFailed, res.Outcome)
	assert.Equal(t, "Transação não autorizada", res.Message)
	assert.Equal(t, "card_declined", res.Code)
	assert.Equal(t, "RELEASED", e.ledger.HoldStatus(res.Record.HoldTransactionID))

	bal, _ := e.ledger.Balance(context.Background(), "user-1")
	assert.Equal(t, int64(2000), bal)
}

func TestCreate_GatewayUnavailableThenRetry(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "user-1", 3000)
	e.driver.createErrs = []error{apperr.UnavailableErr("asaas", context.DeadlineExceeded)}

	b := e.base().WithIdempotencyKey("order-77")

	_, err := b.Create(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.GatewayUnavailable))

	rec, err := e.store.GetByIdempotencyKey(context.Background(), "order-77")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.NotEmpty(t, rec.HoldTransactionID)
	assert.Empty(t, rec.GatewayReference)

	res, err := b.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomePending, res.Outcome)
	assert.Equal(t, rec.UUID, res.Record.UUID)
	assert.Equal(t, rec.HoldTransactionID, res.Record.HoldTransactionID, "no second hold")
	assert.NotEmpty(t, res.Record.GatewayReference)

	bal, _ := e.ledger.Balance(context.Background(), "user-1")
	assert.Zero(t, bal, "3000 held once")
	assert.Len(t, e.store.Records(), 1)

	// a third call reuses the charge
	res, err = b.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomePending, res.Outcome)
	assert.Len(t, e.driver.creates, 2)
}

func TestCreate_GatewayErrorFailsPayment(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "user-1", 3000)
	e.driver.createErrs = []error{apperr.GatewayErr("asaas", 400, "invalid_cpfCnpj", "CPF inválido", nil)}

	_, err := e.base().WithIdempotencyKey("order-1").Create(context.Background())
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Gateway, ae.Kind)
	assert.Equal(t, "CPF inválido", ae.Message)

	rec, err := e.store.GetByIdempotencyKey(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, "RELEASED", e.ledger.HoldStatus(rec.HoldTransactionID))

	res, err := e.base().WithIdempotencyKey("order-1").Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeFailed, res.Outcome)
	assert.Equal(t, "CPF inválido", res.Message)
}

type refusingLedger struct{ *ledger.MemoryLedger }

func (refusingLedger) Hold(context.Context, string, int64, string) (string, error) {
	return "", apperr.InsufficientFundsErr(3000, 0)
}

func TestCreate_HoldRefusedDiscardsRecord(t *testing.T) {
	store := memory.NewPaymentRepository()
	l := refusingLedger{ledger.NewMemoryLedger()}
	require.NoError(t, l.Deposit(context.Background(), "user-1", 3000, "seed"))
	driver := newFakeDriver()
	reg := gateway.NewRegistry("asaas")
	reg.Register(gateway.Provider{Driver: driver}, true)
	orch := checkout.NewOrchestrator(store, l, reg, settlement.NewService(store, l, nil, nil), nil, nil, checkout.Config{})

	_, err := orch.New().
		WithPayer(models.Payer{ID: "user-1"}).
		WithBillable("course", "c-1").
		WithAmount(10000).
		Create(context.Background())

	assert.True(t, apperr.Is(err, apperr.InsufficientFunds))
	assert.Empty(t, store.Records())
	assert.Empty(t, driver.creates)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)

	cases := map[string]struct {
		build func() checkout.Builder
		field string
	}{
		"missing payer": {func() checkout.Builder {
			return e.orch.New().WithBillable("course", "1").WithAmount(100)
		}, "payer"},
		"missing billable": {func() checkout.Builder {
			return e.orch.New().WithPayer(models.Payer{ID: "u"}).WithAmount(100)
		}, "billable"},
		"zero amount": {func() checkout.Builder {
			return e.base().WithAmount(0)
		}, "amount"},
		"card without holder": {func() checkout.Builder {
			return e.base().WithMethod(models.MethodCreditCard).WithCard(interfaces.Card{Token: "t"})
		}, "card"},
		"holder without card": {func() checkout.Builder {
			return e.base().WithCardHolder(interfaces.CardHolder{Name: "x"})
		}, "card"},
		"unknown gateway": {func() checkout.Builder {
			return e.base().WithGateway("paypal")
		}, "gateway"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.build().Create(context.Background())
			ae, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.Validation, ae.Kind)
			assert.Contains(t, ae.Fields, tc.field)
		})
	}
	assert.Empty(t, e.store.Records(), "validation has no side effects")
}

func TestBuilder_IsImmutable(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "user-1", 100000)

	template := e.orch.New().WithPayer(models.Payer{ID: "user-1"}).WithBillable("course", "c-1")
	small := template.WithAmount(500)
	large := small.WithAmount(2500)

	_, err := template.Create(context.Background())
	assert.True(t, apperr.Is(err, apperr.Validation), "template still has no amount")

	r1, err := small.Create(context.Background())
	require.NoError(t, err)
	r2, err := large.Create(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(500), r1.Record.AmountCents)
	assert.Equal(t, int64(2500), r2.Record.AmountCents)
	assert.NotEqual(t, r1.Record.IdempotencyKey, r2.Record.IdempotencyKey)
}

func TestCreate_ConcurrentSameKeyIsConflict(t *testing.T) {
	e := newEnv(t)
	_, ok, err := e.locker.Lock(context.Background(), "order-9")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.base().WithIdempotencyKey("order-9").Create(context.Background())
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Empty(t, e.store.Records())
}

func TestCreate_SplitAlwaysBalances(t *testing.T) {
	e := newEnv(t)
	rnd := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		payer := fmt.Sprintf("payer-%d", i)
		e.fund(t, payer, rnd.Int63n(20000))
		amount := rnd.Int63n(15000) + 1
		balance, _ := e.ledger.Balance(context.Background(), payer)

		res, err := e.orch.New().
			WithPayer(models.Payer{ID: payer}).
			WithBillable("course", "c").
			WithAmount(amount).
			UseWallet(i%3 != 0).
			Create(context.Background())
		require.NoError(t, err)

		r := res.Record
		assert.True(t, r.SplitBalanced(), "payer %s", payer)
		assert.LessOrEqual(t, r.WalletAppliedCents, balance)
		if i%3 == 0 {
			assert.Zero(t, r.WalletAppliedCents)
		}
	}
}

func (e *env) card() checkout.Builder {
	return e.base().
		WithMethod(models.MethodCreditCard).
		WithCard(interfaces.Card{Token: "tok_1"}).
		WithCardHolder(interfaces.CardHolder{Name: "Ana"})
}

func TestCreate_CardRetryAfterLostAnswerSettlesFromGateway(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "user-1", 2000)
	e.driver.cardErrs = []error{apperr.UnavailableErr("asaas", context.DeadlineExceeded)}
	b := e.card().WithIdempotencyKey("order-5")

	_, err := b.Create(ctx)
	require.True(t, apperr.Is(err, apperr.GatewayUnavailable))

	rec, err := e.store.GetByIdempotencyKey(ctx, "order-5")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status)
	assert.Contains(t, rec.GatewayPayload, "charge_stored_card", "attempt audited before the call")
	failed, _ := rec.GatewayResponse["charge_stored_card"].(map[string]any)
	assert.Contains(t, failed, "error")

	// the provider captured the card even though the answer never arrived
	e.driver.settle(rec.UUID)

	res, err := b.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomePaid, res.Outcome)
	assert.Equal(t, checkout.ReasonCardApproved, res.Reason)
	assert.Equal(t, "CAPTURED", e.ledger.HoldStatus(res.Record.HoldTransactionID))

	_, cards := e.driver.counts()
	assert.Equal(t, 1, cards, "card not submitted twice")
	assert.Zero(t, e.settler.fails)
}

func TestCreate_CardRetryKeepsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver.cardErrs = []error{apperr.UnavailableErr("asaas", context.DeadlineExceeded)}
	e.driver.cardResult = interfaces.ChargeResult{Status: "CONFIRMED", Approved: true, Final: true, Raw: map[string]any{"status": "CONFIRMED"}}
	b := e.card().UseWallet(false).WithIdempotencyKey("order-6")

	_, err := b.Create(ctx)
	require.Error(t, err)

	res, err := b.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomePaid, res.Outcome)

	_, cards := e.driver.counts()
	assert.Equal(t, 2, cards)
	assert.Contains(t, res.Record.GatewayPayload, "charge_stored_card")
	assert.Contains(t, res.Record.GatewayPayload, "charge_stored_card_2")
	assert.Contains(t, res.Record.GatewayResponse["charge_stored_card"], "error")
	assert.Equal(t, map[string]any{"status": "CONFIRMED"}, res.Record.GatewayResponse["charge_stored_card_2"])
}

func TestCreate_CardAwaitingConfirmationIsNotResubmitted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.driver.cardResult = interfaces.ChargeResult{Status: "AWAITING_RISK_ANALYSIS", Raw: map[string]any{"status": "AWAITING_RISK_ANALYSIS"}}
	b := e.card().UseWallet(false).WithIdempotencyKey("order-7")

	res, err := b.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.OutcomePending, res.Outcome)

	res, err = b.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomePending, res.Outcome)

	_, cards := e.driver.counts()
	assert.Equal(t, 1, cards)
	assert.NotContains(t, res.Record.GatewayPayload, "charge_stored_card_2")
}

func TestCreate_SlowGatewayKeepsLock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "user-1", 3000)
	e.driver.delay = 200 * time.Millisecond

	reg := gateway.NewRegistry("asaas")
	reg.Register(gateway.Provider{Driver: e.driver}, true)
	locker := idempotency.NewExpiringMemoryLocker(60 * time.Millisecond)
	orch := checkout.NewOrchestrator(e.store, e.ledger, reg, e.settler, e.events, nil,
		checkout.Config{}, checkout.WithLocker(locker), checkout.WithLockRefresh(15*time.Millisecond))
	b := orch.New().
		WithPayer(models.Payer{ID: "user-1"}).
		WithBillable("course", "c-42").
		WithAmount(10000).
		WithIdempotencyKey("order-8")

	first := make(chan error, 1)
	go func() {
		_, err := b.Create(ctx)
		first <- err
	}()

	time.Sleep(120 * time.Millisecond)
	_, err := b.Create(ctx)
	assert.True(t, apperr.Is(err, apperr.Conflict), "lock outlives its TTL while the checkout runs")

	require.NoError(t, <-first)
	creates, _ := e.driver.counts()
	assert.Equal(t, 1, creates)

	_, ok, err := locker.Lock(ctx, "order-8")
	require.NoError(t, err)
	assert.True(t, ok, "lock released when the checkout ends")
}

func TestCreate_LostLockCancelsCheckout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fund(t, "user-1", 3000)
	e.driver.delay = time.Second

	reg := gateway.NewRegistry("asaas")
	reg.Register(gateway.Provider{Driver: e.driver}, true)
	locker := idempotency.NewExpiringMemoryLocker(20 * time.Millisecond)
	orch := checkout.NewOrchestrator(e.store, e.ledger, reg, e.settler, e.events, nil,
		checkout.Config{}, checkout.WithLocker(locker), checkout.WithLockRefresh(60*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := orch.New().
			WithPayer(models.Payer{ID: "user-1"}).
			WithBillable("course", "c-42").
			WithAmount(10000).
			WithIdempotencyKey("order-10").
			Create(ctx)
		done <- err
	}()

	// the lease has expired before the first refresh, so someone else takes the key
	time.Sleep(40 * time.Millisecond)
	_, ok, err := locker.Lock(ctx, "order-10")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.GatewayUnavailable))
		assert.Contains(t, err.Error(), "checkout lock lost")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("checkout kept running after losing its lock")
	}
}

type mapCache struct {
	mu      sync.Mutex
	records map[string]*models.PaymentRecord
}

func (c *mapCache) Get(_ context.Context, key string) (*models.PaymentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[key]
	return r, ok
}

func (c *mapCache) Set(_ context.Context, r *models.PaymentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[r.IdempotencyKey] = r.Clone()
}

func TestCreate_ReplayAfterRefundIsNotStale(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPaymentRepository()
	wallet := ledger.NewMemoryLedger()
	require.NoError(t, wallet.Deposit(ctx, "user-1", 10000, "seed"))
	cache := &mapCache{records: map[string]*models.PaymentRecord{}}

	reg := gateway.NewRegistry("asaas")
	reg.Register(gateway.Provider{Driver: newFakeDriver()}, true)
	settler := settlement.NewService(store, wallet, nil, nil, settlement.WithCache(cache))
	orch := checkout.NewOrchestrator(store, wallet, reg, settler, nil, nil, checkout.Config{}, checkout.WithCache(cache))
	b := orch.New().
		WithPayer(models.Payer{ID: "user-1"}).
		WithBillable("course", "c-42").
		WithAmount(10000).
		WithIdempotencyKey("order-11")

	res, err := b.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, checkout.OutcomePaid, res.Outcome)

	_, err = settler.MarkRefunded(ctx, res.Record, 0, models.SettlementContext{Trigger: models.TriggerRefund, Reason: "requested_by_customer"})
	require.NoError(t, err)

	again, err := b.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeRefunded, again.Outcome)
}
