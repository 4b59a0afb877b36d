package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

type fakeOrders struct {
	mu                sync.Mutex
	orders            map[string]contractx.Order
	transientFailures int
}

func (f *fakeOrders) GetOrder(ctx context.Context, orderID string) (contractx.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transientFailures > 0 {
		f.transientFailures--
		return contractx.Order{}, fmt.Errorf("%w: store timeout", contractx.ErrTransient)
	}
	order, ok := f.orders[orderID]
	if !ok {
		return contractx.Order{}, fmt.Errorf("%w: order %s", contractx.ErrNotFound, orderID)
	}
	return order, nil
}

func (f *fakeOrders) ListOrders(ctx context.Context, userID string, limit int) ([]contractx.Order, error) {
	return nil, nil
}

type fakeRefunds struct {
	mu      sync.Mutex
	byOrder map[string]contractx.Refund
}

func newFakeRefunds() *fakeRefunds {
	return &fakeRefunds{byOrder: make(map[string]contractx.Refund)}
}

func (f *fakeRefunds) RefundForOrder(ctx context.Context, orderID string) (contractx.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refund, ok := f.byOrder[orderID]
	if !ok {
		return contractx.Refund{}, fmt.Errorf("%w: no refund for order %s", contractx.ErrNotFound, orderID)
	}
	return refund, nil
}

func (f *fakeRefunds) RecordRefund(ctx context.Context, refund contractx.Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byOrder[refund.OrderID] = refund
	return nil
}

type fakeBilling struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBilling) ProcessRefund(ctx context.Context, order contractx.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("ref-%s-%d", order.ID, f.calls), nil
}

func (f *fakeBilling) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func eligibleOrder(id string, now time.Time) contractx.Order {
	return contractx.Order{
		ID:       id,
		UserID:   "user-1",
		Status:   contractx.OrderDelivered,
		Amount:   129.90,
		Currency: "USD",
		PlacedAt: now.Add(-48 * time.Hour),
	}
}

func fastRetry() retryx.Options {
	return retryx.Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestEngine(t *testing.T, orders *fakeOrders, refunds *fakeRefunds, billing *fakeBilling) *Engine {
	t.Helper()
	engine, err := NewEngine(orders, refunds, billing, WithRetryOptions(fastRetry()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func assertPassedPrefix(t *testing.T, run *Run) {
	t.Helper()
	order := []string{StepValidateOrder, StepCheckEligibility, StepProcessRefund}
	passed := run.PassedSteps()
	if len(passed) > len(order) {
		t.Fatalf("too many passed steps: %v", passed)
	}
	for i, name := range passed {
		if name != order[i] {
			t.Fatalf("passed steps %v are not a prefix of %v", passed, order)
		}
	}
}

func TestRunRefundCompletes(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	orders := &fakeOrders{orders: map[string]contractx.Order{
		"ORD-12345": eligibleOrder("ORD-12345", now),
	}}
	refunds := newFakeRefunds()
	billing := &fakeBilling{}
	engine := newTestEngine(t, orders, refunds, billing)

	run, err := engine.RunRefund(context.Background(), "ORD-12345")
	if err != nil {
		t.Fatalf("RunRefund() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
	if len(run.Log) != 3 {
		t.Fatalf("expected 3 log entries, got %d: %#v", len(run.Log), run.Log)
	}
	for i, want := range []string{StepValidateOrder, StepCheckEligibility, StepProcessRefund} {
		if run.Log[i].Step != want || run.Log[i].Outcome != OutcomePass {
			t.Fatalf("log[%d] = %+v, want pass %s", i, run.Log[i], want)
		}
	}
	assertPassedPrefix(t, run)
	if billing.callCount() != 1 {
		t.Fatalf("ProcessRefund calls = %d, want 1", billing.callCount())
	}
	if _, err := refunds.RefundForOrder(context.Background(), "ORD-12345"); err != nil {
		t.Fatalf("refund was not recorded: %v", err)
	}
}

func TestRunRefundNonexistentOrderFailsFirstStep(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{orders: map[string]contractx.Order{}}
	billing := &fakeBilling{}
	engine := newTestEngine(t, orders, newFakeRefunds(), billing)

	run, err := engine.RunRefund(context.Background(), "ORD-404")
	if err != nil {
		t.Fatalf("RunRefund() error = %v (business failures must not be errors)", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", run.Status)
	}
	step, reason, ok := run.FailedStep()
	if !ok || step != StepValidateOrder {
		t.Fatalf("failed step = %s, want %s", step, StepValidateOrder)
	}
	if reason != ReasonOrderNotFound {
		t.Fatalf("reason = %s, want %s", reason, ReasonOrderNotFound)
	}
	if billing.callCount() != 0 {
		t.Fatal("process-refund must never be invoked for a nonexistent order")
	}
	assertPassedPrefix(t, run)
}

func TestRunRefundIneligibleStatus(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	order := eligibleOrder("ORD-77", now)
	order.Status = contractx.OrderPending
	orders := &fakeOrders{orders: map[string]contractx.Order{"ORD-77": order}}
	billing := &fakeBilling{}
	engine := newTestEngine(t, orders, newFakeRefunds(), billing)

	run, err := engine.RunRefund(context.Background(), "ORD-77")
	if err != nil {
		t.Fatalf("RunRefund() error = %v", err)
	}
	step, reason, _ := run.FailedStep()
	if step != StepCheckEligibility || reason != ReasonStatusNotRefundable {
		t.Fatalf("failed step=%s reason=%s", step, reason)
	}
	if billing.callCount() != 0 {
		t.Fatal("billing must not be called for ineligible orders")
	}
}

func TestRunRefundWindowExpired(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	order := eligibleOrder("ORD-88", now)
	order.PlacedAt = now.Add(-31 * 24 * time.Hour)
	orders := &fakeOrders{orders: map[string]contractx.Order{"ORD-88": order}}
	engine := newTestEngine(t, orders, newFakeRefunds(), &fakeBilling{})

	run, err := engine.RunRefund(context.Background(), "ORD-88")
	if err != nil {
		t.Fatalf("RunRefund() error = %v", err)
	}
	_, reason, _ := run.FailedStep()
	if reason != ReasonRefundWindowExpired {
		t.Fatalf("reason = %s, want %s", reason, ReasonRefundWindowExpired)
	}
}

func TestRunRefundAlreadyRecorded(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	orders := &fakeOrders{orders: map[string]contractx.Order{
		"ORD-99": eligibleOrder("ORD-99", now),
	}}
	refunds := newFakeRefunds()
	refunds.byOrder["ORD-99"] = contractx.Refund{ID: "r1", OrderID: "ORD-99"}
	billing := &fakeBilling{}
	engine := newTestEngine(t, orders, refunds, billing)

	run, err := engine.RunRefund(context.Background(), "ORD-99")
	if err != nil {
		t.Fatalf("RunRefund() error = %v", err)
	}
	_, reason, _ := run.FailedStep()
	if reason != ReasonAlreadyRefunded {
		t.Fatalf("reason = %s, want %s", reason, ReasonAlreadyRefunded)
	}
	if billing.callCount() != 0 {
		t.Fatal("no second refund may be processed")
	}
}

func TestRunRefundRetriesTransientStoreFailure(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	orders := &fakeOrders{
		orders:           map[string]contractx.Order{"ORD-55": eligibleOrder("ORD-55", now)},
		transientFailures: 2,
	}
	engine := newTestEngine(t, orders, newFakeRefunds(), &fakeBilling{})

	run, err := engine.RunRefund(context.Background(), "ORD-55")
	if err != nil {
		t.Fatalf("RunRefund() error = %v", err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
}

func TestRunRefundConcurrentSameOrderProcessesOnce(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	orders := &fakeOrders{orders: map[string]contractx.Order{
		"ORD-42": eligibleOrder("ORD-42", now),
	}}
	refunds := newFakeRefunds()
	billing := &fakeBilling{}
	engine := newTestEngine(t, orders, refunds, billing)

	const workers = 4
	runs := make([]*Run, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := engine.RunRefund(context.Background(), "ORD-42")
			if err != nil {
				t.Errorf("RunRefund() error = %v", err)
				return
			}
			runs[i] = run
		}(i)
	}
	wg.Wait()

	if billing.callCount() != 1 {
		t.Fatalf("ProcessRefund calls = %d, want exactly 1", billing.callCount())
	}
	completed := 0
	for _, run := range runs {
		if run == nil {
			continue
		}
		assertPassedPrefix(t, run)
		if run.Status == StatusCompleted {
			completed++
			continue
		}
		_, reason, _ := run.FailedStep()
		if reason != ReasonAlreadyRefunded {
			t.Fatalf("losing run failed with reason %s, want %s", reason, ReasonAlreadyRefunded)
		}
	}
	if completed != 1 {
		t.Fatalf("completed runs = %d, want 1", completed)
	}
}

func TestRunRefundCancelledContext(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	orders := &fakeOrders{orders: map[string]contractx.Order{
		"ORD-66": eligibleOrder("ORD-66", now),
	}}
	billing := &fakeBilling{}
	engine := newTestEngine(t, orders, newFakeRefunds(), billing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := engine.RunRefund(ctx, "ORD-66")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunRefund() error = %v, want context.Canceled", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", run.Status)
	}
	if len(run.PassedSteps()) != 0 {
		t.Fatalf("cancelled run must not record passed steps: %v", run.PassedSteps())
	}
	if billing.callCount() != 0 {
		t.Fatal("billing must not be called after cancellation")
	}
}

func TestRunRefundEmptyOrderID(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &fakeOrders{orders: map[string]contractx.Order{}}, newFakeRefunds(), &fakeBilling{})
	_, err := engine.RunRefund(context.Background(), "   ")
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("RunRefund() error = %v, want ErrValidation", err)
	}
}
