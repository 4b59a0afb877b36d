package capability

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

type invoiceView struct {
	OrderID  string  `json:"order_id"`
	Status   string  `json:"status"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Refunded bool    `json:"refunded"`
}

// NewBillingHandler exposes read-only billing lookups. It deliberately
// carries no refund-issuing tool; refunds go through the workflow engine
// and nowhere else.
func NewBillingHandler(orders contractx.OrderStore, refunds contractx.RefundStore) Handler {
	return Handler{
		Kind: KindBilling,
		Tools: []Tool{
			{
				Name: "billing.invoice",
				Desc: "Fetch the invoice summary for an order.",
				Params: map[string]*schema.ParameterInfo{
					"order_id": {Type: schema.String, Desc: "Order id", Required: true},
				},
				Idempotent: true,
				Invoke: func(ctx context.Context, args map[string]any) (any, error) {
					orderID := stringArg(args, "order_id")
					order, err := orders.GetOrder(ctx, orderID)
					if err != nil {
						return nil, err
					}
					view := invoiceView{
						OrderID:  order.ID,
						Status:   string(order.Status),
						Amount:   order.Amount,
						Currency: order.Currency,
					}
					if _, err := refunds.RefundForOrder(ctx, orderID); err == nil {
						view.Refunded = true
					} else if !errors.Is(err, contractx.ErrNotFound) {
						return nil, err
					}
					return view, nil
				},
			},
			{
				Name: "billing.refund_status",
				Desc: "Check whether a refund has been processed for an order.",
				Params: map[string]*schema.ParameterInfo{
					"order_id": {Type: schema.String, Desc: "Order id", Required: true},
				},
				Idempotent: true,
				Invoke: func(ctx context.Context, args map[string]any) (any, error) {
					refund, err := refunds.RefundForOrder(ctx, stringArg(args, "order_id"))
					if err != nil {
						if errors.Is(err, contractx.ErrNotFound) {
							return map[string]any{"refunded": false}, nil
						}
						return nil, err
					}
					return map[string]any{
						"refunded":     true,
						"reference":    refund.Reference,
						"amount":       refund.Amount,
						"processed_at": refund.ProcessedAt,
					}, nil
				},
			},
		},
	}
}
