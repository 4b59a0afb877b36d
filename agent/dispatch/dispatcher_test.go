package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	capabilityx "github.com/pakin-t/deskflow/agent/capability"
	contractx "github.com/pakin-t/deskflow/agent/contract"
	memoryx "github.com/pakin-t/deskflow/agent/memory"
	statex "github.com/pakin-t/deskflow/agent/state"
	workflowx "github.com/pakin-t/deskflow/agent/workflow"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

type fakeToolModel struct {
	responses []*schema.Message
	loop      *schema.Message
	err       error
	calls     int
	received  [][]*schema.Message
}

func (f *fakeToolModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.received = append(f.received, append([]*schema.Message(nil), input...))
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.loop != nil {
		return f.loop, nil
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		return nil, fmt.Errorf("no fake response left at call=%d", f.calls)
	}
	return f.responses[idx], nil
}

func (f *fakeToolModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func (f *fakeToolModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return f, nil
}

type fakeConvStore struct {
	mu    sync.Mutex
	convs map[string]*statex.Conversation
	saves int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: make(map[string]*statex.Conversation)}
}

func (f *fakeConvStore) Load(ctx context.Context, conversationID string) (*statex.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return nil, statex.ErrConversationNotFound
	}
	clone := *conv
	clone.Turns = append([]statex.Turn(nil), conv.Turns...)
	return &clone, nil
}

func (f *fakeConvStore) Save(ctx context.Context, conv *statex.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *conv
	clone.Turns = append([]statex.Turn(nil), conv.Turns...)
	f.convs[conv.ID] = &clone
	f.saves++
	return nil
}

func (f *fakeConvStore) Delete(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, conversationID)
	return nil
}

// fakeBackend implements the order store, refund ledger, and billing
// processor behind both the capability handlers and the workflow engine.
type fakeBackend struct {
	mu           sync.Mutex
	orders       map[string]contractx.Order
	refunds      map[string]contractx.Refund
	billingCalls int
	billingErr   error
}

func newFakeBackend(orders ...contractx.Order) *fakeBackend {
	b := &fakeBackend{
		orders:  make(map[string]contractx.Order),
		refunds: make(map[string]contractx.Refund),
	}
	for _, o := range orders {
		b.orders[o.ID] = o
	}
	return b
}

func (f *fakeBackend) GetOrder(ctx context.Context, orderID string) (contractx.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return contractx.Order{}, fmt.Errorf("%w: order=%s", contractx.ErrNotFound, orderID)
	}
	return o, nil
}

func (f *fakeBackend) ListOrders(ctx context.Context, userID string, limit int) ([]contractx.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []contractx.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeBackend) RefundForOrder(ctx context.Context, orderID string) (contractx.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refunds[orderID]
	if !ok {
		return contractx.Refund{}, fmt.Errorf("%w: refund for order=%s", contractx.ErrNotFound, orderID)
	}
	return r, nil
}

func (f *fakeBackend) RecordRefund(ctx context.Context, refund contractx.Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds[refund.OrderID] = refund
	return nil
}

func (f *fakeBackend) ProcessRefund(ctx context.Context, order contractx.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.billingErr != nil {
		return "", f.billingErr
	}
	f.billingCalls++
	return "proc-ref-1", nil
}

func fastRetry() retryx.Options {
	return retryx.Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestDispatcher(t *testing.T, model *fakeToolModel, store *fakeConvStore, backend *fakeBackend, cfg Config) *Dispatcher {
	t.Helper()

	registry, err := capabilityx.NewRegistry(
		capabilityx.NewOrderHandler(backend),
		capabilityx.NewBillingHandler(backend, backend),
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	engine, err := workflowx.NewEngine(backend, backend, backend, workflowx.WithRetryOptions(fastRetry()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	memStore, err := memoryx.NewStore(memoryx.NewInMemoryBackend())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	cfg.Retry = fastRetry()
	d, err := New(store, registry, engine, model, memStore, nil, "test system prompt", cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func eligibleOrder(id string) contractx.Order {
	return contractx.Order{
		ID:       id,
		UserID:   "u1",
		Status:   contractx.OrderDelivered,
		Amount:   100,
		Currency: "THB",
		PlacedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
}

func toolCallMessage(id, name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}},
		},
	}
}

func TestHandleTurnDirectAnswer(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		{Role: schema.Assistant, Content: "Hello! How can I help?"},
	}}
	store := newFakeConvStore()
	d := newTestDispatcher(t, model, store, newFakeBackend(), Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Reply != "Hello! How can I help?" {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}

	saved, err := store.Load(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(saved.Turns) != 2 {
		t.Fatalf("saved turns = %d, want 2", len(saved.Turns))
	}
	if saved.Turns[0].Role != statex.RoleUser || saved.Turns[1].Role != statex.RoleAssistant {
		t.Fatalf("unexpected turn roles: %#v", saved.Turns)
	}
}

func TestHandleTurnExecutesToolCall(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		toolCallMessage("call-1", "order.status", `{"order_id":"ORD-1"}`),
		{Role: schema.Assistant, Content: "Your order has shipped."},
	}}
	backend := newFakeBackend(contractx.Order{
		ID: "ORD-1", UserID: "u1", Status: contractx.OrderShipped,
		Amount: 100, Currency: "THB", PlacedAt: time.Now().UTC(),
	})
	d := newTestDispatcher(t, model, newFakeConvStore(), backend, Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "where is my order?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Reply != "Your order has shipped." {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if model.calls != 2 {
		t.Fatalf("model calls = %d, want 2", model.calls)
	}

	if len(resp.Trace.ToolCalls) != 1 || resp.Trace.ToolCalls[0].Tool != "order.status" {
		t.Fatalf("tool calls trace = %#v", resp.Trace.ToolCalls)
	}
	if resp.Trace.ToolCalls[0].Error != "" {
		t.Fatalf("unexpected tool error: %s", resp.Trace.ToolCalls[0].Error)
	}
	found := false
	for _, p := range resp.Trace.Path {
		if p == "capability.order" {
			found = true
		}
	}
	if !found {
		t.Fatalf("path missing capability.order: %v", resp.Trace.Path)
	}

	// The second inference call must carry the tool result back.
	second := model.received[1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || !strings.Contains(last.Content, "shipped") {
		t.Fatalf("tool result message = %#v", last)
	}
}

func TestHandleTurnRefundIntent(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		toolCallMessage("call-1", capabilityx.RefundToolName, `{"order_id":"ORD-12345"}`),
		{Role: schema.Assistant, Content: "Your refund has been issued."},
	}}
	backend := newFakeBackend(eligibleOrder("ORD-12345"))
	d := newTestDispatcher(t, model, newFakeConvStore(), backend, Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "I want a refund for ORD-12345")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Reply != "Your refund has been issued." {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if resp.Trace.WorkflowStatus != workflowx.StatusCompleted {
		t.Fatalf("workflow status = %s, want completed", resp.Trace.WorkflowStatus)
	}
	if len(resp.Trace.WorkflowLog) != 3 {
		t.Fatalf("workflow log entries = %d, want 3", len(resp.Trace.WorkflowLog))
	}
	if backend.billingCalls != 1 {
		t.Fatalf("billing calls = %d, want 1", backend.billingCalls)
	}
	found := false
	for _, p := range resp.Trace.Path {
		if p == "workflow.refund" {
			found = true
		}
	}
	if !found {
		t.Fatalf("path missing workflow.refund: %v", resp.Trace.Path)
	}
}

func TestHandleTurnRefundRejectedForUnknownOrder(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		toolCallMessage("call-1", capabilityx.RefundToolName, `{"order_id":"ORD-404"}`),
		{Role: schema.Assistant, Content: "I could not find that order, so no refund was issued."},
	}}
	backend := newFakeBackend()
	d := newTestDispatcher(t, model, newFakeConvStore(), backend, Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "refund ORD-404 please")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Trace.WorkflowStatus != workflowx.StatusFailed {
		t.Fatalf("workflow status = %s, want failed", resp.Trace.WorkflowStatus)
	}
	if backend.billingCalls != 0 {
		t.Fatalf("billing calls = %d, want 0", backend.billingCalls)
	}
	failedStep := resp.Trace.WorkflowLog[len(resp.Trace.WorkflowLog)-1]
	if failedStep.Reason != workflowx.ReasonOrderNotFound {
		t.Fatalf("failure reason = %s, want %s", failedStep.Reason, workflowx.ReasonOrderNotFound)
	}
}

func TestHandleTurnIterationCeiling(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{
		loop: toolCallMessage("call-n", "order.status", `{"order_id":"ORD-1"}`),
	}
	backend := newFakeBackend(eligibleOrder("ORD-1"))
	d := newTestDispatcher(t, model, newFakeConvStore(), backend, Config{
		UserID:            "u1",
		MaxToolIterations: 3,
	})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "keep checking")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Reply != ceilingReply {
		t.Fatalf("reply = %q, want ceiling fallback", resp.Reply)
	}
	if model.calls != 3 {
		t.Fatalf("model calls = %d, want 3", model.calls)
	}
	if resp.Trace.Cause == "" {
		t.Fatal("expected ceiling cause in trace")
	}
}

func TestHandleTurnUnknownToolIsReportedNotFatal(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		toolCallMessage("call-1", "inventory.query", `{"query":"laptops"}`),
		{Role: schema.Assistant, Content: "Sorry, I cannot check inventory."},
	}}
	d := newTestDispatcher(t, model, newFakeConvStore(), newFakeBackend(), Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "check stock")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if resp.Reply != "Sorry, I cannot check inventory." {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if len(resp.Trace.ToolCalls) != 1 || resp.Trace.ToolCalls[0].Error == "" {
		t.Fatalf("expected tool error in trace, got %#v", resp.Trace.ToolCalls)
	}
}

func TestHandleTurnRejectsInvalidToolArguments(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		toolCallMessage("call-1", "order.status", `{"order":"ORD-1"}`),
		{Role: schema.Assistant, Content: "I could not look that up."},
	}}
	d := newTestDispatcher(t, model, newFakeConvStore(), newFakeBackend(), Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "where is my order")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if len(resp.Trace.ToolCalls) != 1 {
		t.Fatalf("tool calls trace = %#v", resp.Trace.ToolCalls)
	}
	if !strings.Contains(resp.Trace.ToolCalls[0].Error, "parameter") {
		t.Fatalf("expected parameter validation error, got %q", resp.Trace.ToolCalls[0].Error)
	}
}

func TestHandleTurnModelFailureFallsBack(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{err: errors.New("provider is down")}
	d := newTestDispatcher(t, model, newFakeConvStore(), newFakeBackend(), Config{UserID: "u1"})
	defer d.Close()

	resp, err := d.HandleTurn(context.Background(), "conv-1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v, want graceful fallback", err)
	}
	if resp.Reply != errorReply {
		t.Fatalf("reply = %q, want fallback", resp.Reply)
	}
	if resp.Trace.Cause == "" {
		t.Fatal("expected failure cause in trace")
	}
}

func TestHandleTurnRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{}
	d := newTestDispatcher(t, model, newFakeConvStore(), newFakeBackend(), Config{UserID: "u1"})
	defer d.Close()

	if _, err := d.HandleTurn(context.Background(), "conv-1", "   "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("HandleTurn() error = %v, want ErrInvalidMessage", err)
	}
	if _, err := d.HandleTurn(context.Background(), "", "hi"); !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("HandleTurn() error = %v, want ErrInvalidConversation", err)
	}
}

func TestHandleTurnCarriesRecalledFacts(t *testing.T) {
	t.Parallel()

	model := &fakeToolModel{responses: []*schema.Message{
		{Role: schema.Assistant, Content: "Noted, express shipping as usual."},
	}}
	backend := newFakeBackend()
	store := newFakeConvStore()

	registry, err := capabilityx.NewRegistry(capabilityx.NewOrderHandler(backend))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	engine, err := workflowx.NewEngine(backend, backend, backend)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	memBackend := memoryx.NewInMemoryBackend()
	if err := memBackend.Append(context.Background(), []memoryx.Fact{
		{ID: "f1", UserID: "u1", Statement: "prefers express shipping", ExtractedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	memStore, err := memoryx.NewStore(memBackend)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	d, err := New(store, registry, engine, model, memStore, nil, "test system prompt", Config{UserID: "u1", Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	if _, err := d.HandleTurn(context.Background(), "conv-1", "ship my usual way"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	first := model.received[0]
	if len(first) != 2 {
		t.Fatalf("initial messages = %d, want system+user", len(first))
	}
	if !strings.Contains(first[1].Content, "prefers express shipping") {
		t.Fatalf("payload missing recalled fact: %s", first[1].Content)
	}
}

func TestRunRefundWorkflowDirect(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(eligibleOrder("ORD-9"))
	d := newTestDispatcher(t, &fakeToolModel{}, newFakeConvStore(), backend, Config{UserID: "u1"})
	defer d.Close()

	run, err := d.RunRefundWorkflow(context.Background(), "ORD-9")
	if err != nil {
		t.Fatalf("RunRefundWorkflow() error = %v", err)
	}
	if run.Status != workflowx.StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if backend.billingCalls != 1 {
		t.Fatalf("billing calls = %d, want 1", backend.billingCalls)
	}
}
