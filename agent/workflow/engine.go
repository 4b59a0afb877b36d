// Package workflow executes the ordered refund validation pipeline. Step i+1
// never runs unless step i passed, and runs for the same order id are
// serialized, so a refund can never be issued twice.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

const defaultRefundWindow = 30 * 24 * time.Hour

// runState carries data committed by passed steps to later steps.
type runState struct {
	order    contractx.Order
	eligible bool
}

type step struct {
	name string
	// precondition is pure: it inspects committed state only and must not
	// touch external collaborators.
	precondition func(st *runState) error
	// action returns a business failure reason ("" means pass) or an
	// infrastructure error.
	action func(ctx context.Context, st *runState) (string, string, error)
}

type Engine struct {
	orders  contractx.OrderStore
	refunds contractx.RefundStore
	billing contractx.BillingProcessor

	retry  retryx.Options
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type EngineOption func(*Engine)

func WithRefundWindow(window time.Duration) EngineOption {
	return func(e *Engine) {
		if window > 0 {
			e.window = window
		}
	}
}

func WithRetryOptions(opts retryx.Options) EngineOption {
	return func(e *Engine) {
		e.retry = opts
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(
	orders contractx.OrderStore,
	refunds contractx.RefundStore,
	billing contractx.BillingProcessor,
	opts ...EngineOption,
) (*Engine, error) {
	if orders == nil {
		return nil, errors.New("order store is required")
	}
	if refunds == nil {
		return nil, errors.New("refund store is required")
	}
	if billing == nil {
		return nil, errors.New("billing processor is required")
	}

	e := &Engine{
		orders:  orders,
		refunds: refunds,
		billing: billing,
		window:  defaultRefundWindow,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// RunRefund executes the three-step refund pipeline for orderID. Business
// failures end the run with status failed and a nil error; the full step log
// is returned either way.
func (e *Engine) RunRefund(ctx context.Context, orderID string) (*Run, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is empty", contractx.ErrValidation)
	}

	lock := e.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	run := &Run{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Status:    StatusPending,
		StartedAt: e.now().UTC(),
	}
	st := &runState{}

	run.Status = StatusRunning
	for i, s := range e.steps(orderID) {
		run.StepIndex = i

		if err := ctx.Err(); err != nil {
			e.fail(run, s.name, ReasonCancelled, err.Error())
			return run, err
		}

		if err := s.precondition(st); err != nil {
			e.fail(run, s.name, ReasonPreconditionNotMet, err.Error())
			return run, nil
		}

		reason, detail, err := s.action(ctx, st)
		if err != nil {
			e.fail(run, s.name, ReasonInternalError, err.Error())
			return run, err
		}
		if reason != "" {
			e.fail(run, s.name, reason, detail)
			return run, nil
		}

		run.appendRecord(StepRecord{
			Step:    s.name,
			Outcome: OutcomePass,
			Detail:  detail,
			At:      e.now().UTC(),
		})
		log.Debug().Str("run_id", run.ID).Str("step", s.name).Msg("refund step passed")
	}

	run.Status = StatusCompleted
	run.FinishedAt = e.now().UTC()
	return run, nil
}

func (e *Engine) fail(run *Run, stepName, reason, detail string) {
	run.appendRecord(StepRecord{
		Step:    stepName,
		Outcome: OutcomeFail,
		Reason:  reason,
		Detail:  detail,
		At:      e.now().UTC(),
	})
	run.Status = StatusFailed
	run.FinishedAt = e.now().UTC()
	log.Info().
		Str("run_id", run.ID).
		Str("order_id", run.OrderID).
		Str("step", stepName).
		Str("reason", reason).
		Msg("refund run failed")
}

func (e *Engine) steps(orderID string) []step {
	return []step{
		{
			name: StepValidateOrder,
			precondition: func(st *runState) error {
				return nil
			},
			action: func(ctx context.Context, st *runState) (string, string, error) {
				order, err := retryx.DoWithData(ctx, "orders.get", func(ctx context.Context) (contractx.Order, error) {
					return e.orders.GetOrder(ctx, orderID)
				}, e.retry)
				if err != nil {
					if errors.Is(err, contractx.ErrNotFound) {
						return ReasonOrderNotFound, fmt.Sprintf("order %s does not exist", orderID), nil
					}
					return "", "", err
				}
				st.order = order
				return "", "", nil
			},
		},
		{
			name: StepCheckEligibility,
			precondition: func(st *runState) error {
				if st.order.ID == "" {
					return errors.New("order has not been loaded")
				}
				return nil
			},
			action: func(ctx context.Context, st *runState) (string, string, error) {
				switch st.order.Status {
				case contractx.OrderPaid, contractx.OrderDelivered:
				case contractx.OrderRefunded:
					return ReasonAlreadyRefunded, "order status is refunded", nil
				default:
					return ReasonStatusNotRefundable, fmt.Sprintf("order status is %s", st.order.Status), nil
				}

				_, err := retryx.DoWithData(ctx, "refunds.lookup", func(ctx context.Context) (contractx.Refund, error) {
					return e.refunds.RefundForOrder(ctx, orderID)
				}, e.retry)
				if err == nil {
					return ReasonAlreadyRefunded, "a refund is already recorded for this order", nil
				}
				if !errors.Is(err, contractx.ErrNotFound) {
					return "", "", err
				}

				if e.now().UTC().Sub(st.order.PlacedAt.UTC()) > e.window {
					return ReasonRefundWindowExpired, fmt.Sprintf("order placed at %s", st.order.PlacedAt.UTC().Format(time.RFC3339)), nil
				}

				st.eligible = true
				return "", "", nil
			},
		},
		{
			name: StepProcessRefund,
			precondition: func(st *runState) error {
				if !st.eligible {
					return errors.New("eligibility has not been verified")
				}
				return nil
			},
			action: func(ctx context.Context, st *runState) (string, string, error) {
				reference, err := retryx.DoWithData(ctx, "billing.process_refund", func(ctx context.Context) (string, error) {
					return e.billing.ProcessRefund(ctx, st.order)
				}, e.retry)
				if err != nil {
					return "", "", err
				}

				refund := contractx.Refund{
					ID:          uuid.NewString(),
					OrderID:     orderID,
					Amount:      st.order.Amount,
					Reference:   reference,
					ProcessedAt: e.now().UTC(),
				}
				if err := retryx.Do(ctx, "refunds.record", func(ctx context.Context) error {
					return e.refunds.RecordRefund(ctx, refund)
				}, e.retry); err != nil {
					return "", "", err
				}
				return "", reference, nil
			},
		},
	}
}

func (e *Engine) orderLock(orderID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[orderID] = lock
	}
	return lock
}
