package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	memoryx "github.com/pakin-t/deskflow/agent/memory"
)

const defaultListLimit = 50

// OrderStore reads orders from Postgres.
type OrderStore struct {
	db *bun.DB
}

var _ contractx.OrderStore = (*OrderStore)(nil)

func NewOrderStore(db *bun.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) GetOrder(ctx context.Context, orderID string) (contractx.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return contractx.Order{}, fmt.Errorf("%w: order id is empty", contractx.ErrValidation)
	}

	var row orderRow
	err := s.db.NewSelect().Model(&row).Where("o.id = ?", orderID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contractx.Order{}, fmt.Errorf("%w: order=%s", contractx.ErrNotFound, orderID)
		}
		return contractx.Order{}, classifyDBError("get order", err)
	}
	return row.toContract(), nil
}

func (s *OrderStore) ListOrders(ctx context.Context, userID string, limit int) ([]contractx.Order, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	var rows []orderRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("o.user_id = ?", userID).
		Order("placed_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, classifyDBError("list orders", err)
	}

	out := make([]contractx.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toContract())
	}
	return out, nil
}

// ProductStore reads the product catalog, embeddings included.
type ProductStore struct {
	db *bun.DB
}

var _ contractx.ProductStore = (*ProductStore)(nil)

func NewProductStore(db *bun.DB) *ProductStore {
	return &ProductStore{db: db}
}

func (s *ProductStore) GetProduct(ctx context.Context, productID string) (contractx.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return contractx.Product{}, fmt.Errorf("%w: product id is empty", contractx.ErrValidation)
	}

	var row productRow
	err := s.db.NewSelect().Model(&row).Where("p.id = ?", productID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contractx.Product{}, fmt.Errorf("%w: product=%s", contractx.ErrNotFound, productID)
		}
		return contractx.Product{}, classifyDBError("get product", err)
	}
	return row.toContract(), nil
}

func (s *ProductStore) ListProducts(ctx context.Context) ([]contractx.Product, error) {
	var rows []productRow
	if err := s.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, classifyDBError("list products", err)
	}

	out := make([]contractx.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toContract())
	}
	return out, nil
}

// RefundStore is the refund ledger. The unique constraint on order_id backs
// up the workflow's single-refund guarantee at the storage layer.
type RefundStore struct {
	db *bun.DB
}

var _ contractx.RefundStore = (*RefundStore)(nil)

func NewRefundStore(db *bun.DB) *RefundStore {
	return &RefundStore{db: db}
}

func (s *RefundStore) RefundForOrder(ctx context.Context, orderID string) (contractx.Refund, error) {
	var row refundRow
	err := s.db.NewSelect().Model(&row).Where("r.order_id = ?", orderID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contractx.Refund{}, fmt.Errorf("%w: refund for order=%s", contractx.ErrNotFound, orderID)
		}
		return contractx.Refund{}, classifyDBError("get refund", err)
	}
	return row.toContract(), nil
}

func (s *RefundStore) RecordRefund(ctx context.Context, refund contractx.Refund) error {
	row := refundRow{
		ID:          refund.ID,
		OrderID:     refund.OrderID,
		Amount:      refund.Amount,
		Reference:   refund.Reference,
		ProcessedAt: refund.ProcessedAt,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return classifyDBError("record refund", err)
	}
	return nil
}

// MemoryBackend persists extracted facts, satisfying the memory store's
// backend contract.
type MemoryBackend struct {
	db *bun.DB
}

var _ memoryx.Backend = (*MemoryBackend)(nil)

func NewMemoryBackend(db *bun.DB) *MemoryBackend {
	return &MemoryBackend{db: db}
}

func (b *MemoryBackend) Append(ctx context.Context, facts []memoryx.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	rows := make([]memoryFactRow, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, memoryFactRow{
			ID:          f.ID,
			UserID:      f.UserID,
			Statement:   f.Statement,
			ExtractedAt: f.ExtractedAt,
			SessionID:   f.SessionID,
		})
	}
	if _, err := b.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return classifyDBError("append facts", err)
	}
	return nil
}

func (b *MemoryBackend) FactsForUser(ctx context.Context, userID string) ([]memoryx.Fact, error) {
	var rows []memoryFactRow
	err := b.db.NewSelect().
		Model(&rows).
		Where("mf.user_id = ?", userID).
		Order("extracted_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, classifyDBError("facts for user", err)
	}

	out := make([]memoryx.Fact, 0, len(rows))
	for _, r := range rows {
		out = append(out, memoryx.Fact{
			ID:          r.ID,
			UserID:      r.UserID,
			Statement:   r.Statement,
			ExtractedAt: r.ExtractedAt,
			SessionID:   r.SessionID,
		})
	}
	return out, nil
}

// classifyDBError marks connection-level failures as transient so callers
// retry them; everything else is surfaced as-is.
func classifyDBError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", contractx.ErrTransient, op, err)
}
