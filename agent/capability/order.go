package capability

import (
	"context"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

// NewOrderHandler exposes order status and history lookups.
func NewOrderHandler(orders contractx.OrderStore) Handler {
	return Handler{
		Kind: KindOrder,
		Tools: []Tool{
			{
				Name: "order.status",
				Desc: "Look up the current status of an order.",
				Params: map[string]*schema.ParameterInfo{
					"order_id": {Type: schema.String, Desc: "Order id, e.g. ORD-12345", Required: true},
				},
				Idempotent: true,
				Invoke: func(ctx context.Context, args map[string]any) (any, error) {
					return orders.GetOrder(ctx, stringArg(args, "order_id"))
				},
			},
			{
				Name: "order.list",
				Desc: "List the most recent orders for a user.",
				Params: map[string]*schema.ParameterInfo{
					"user_id": {Type: schema.String, Desc: "User id", Required: true},
					"limit":   {Type: schema.Integer, Desc: "Maximum orders to return"},
				},
				Idempotent: true,
				Invoke: func(ctx context.Context, args map[string]any) (any, error) {
					limit := intArg(args, "limit")
					if limit <= 0 {
						limit = 10
					}
					return orders.ListOrders(ctx, stringArg(args, "user_id"), limit)
				},
			},
		},
	}
}
