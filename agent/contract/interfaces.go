package contract

import "context"

// OrderStore reads order records. Implementations must return ErrNotFound
// (wrapped) for unknown order ids so callers can distinguish business
// outcomes from infrastructure failures.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
}

type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// RefundStore is the refund ledger. RefundForOrder returns ErrNotFound when
// no refund has been recorded for the order.
type RefundStore interface {
	RefundForOrder(ctx context.Context, orderID string) (Refund, error)
	RecordRefund(ctx context.Context, refund Refund) error
}

// BillingProcessor issues the actual money movement and returns a processor
// reference on success.
type BillingProcessor interface {
	ProcessRefund(ctx context.Context, order Order) (string, error)
}

// Embedder turns text into a fixed-dimension vector. Transient failures are
// retried by callers; ErrSystemic means the whole embedding subsystem is
// down and callers should fall back.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
