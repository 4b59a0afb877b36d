package datastore

import (
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

type orderRow struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID       string    `bun:"id,pk"`
	UserID   string    `bun:"user_id,notnull"`
	Status   string    `bun:"status,notnull"`
	Amount   float64   `bun:"amount,notnull"`
	Currency string    `bun:"currency,notnull"`
	PlacedAt time.Time `bun:"placed_at,notnull"`
}

func (r orderRow) toContract() contractx.Order {
	return contractx.Order{
		ID:       r.ID,
		UserID:   r.UserID,
		Status:   contractx.OrderStatus(r.Status),
		Amount:   r.Amount,
		Currency: r.Currency,
		PlacedAt: r.PlacedAt,
	}
}

type productRow struct {
	bun.BaseModel `bun:"table:products,alias:p"`

	ID          string    `bun:"id,pk"`
	Title       string    `bun:"title,notnull"`
	Description string    `bun:"description"`
	Category    string    `bun:"category"`
	Price       float64   `bun:"price,notnull"`
	Embedding   []float64 `bun:"embedding,type:jsonb"`
}

func (r productRow) toContract() contractx.Product {
	return contractx.Product{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Price:       r.Price,
		Embedding:   r.Embedding,
	}
}

type refundRow struct {
	bun.BaseModel `bun:"table:refunds,alias:r"`

	ID          string    `bun:"id,pk"`
	OrderID     string    `bun:"order_id,notnull,unique"`
	Amount      float64   `bun:"amount,notnull"`
	Reference   string    `bun:"reference,notnull"`
	ProcessedAt time.Time `bun:"processed_at,notnull"`
}

func (r refundRow) toContract() contractx.Refund {
	return contractx.Refund{
		ID:          r.ID,
		OrderID:     r.OrderID,
		Amount:      r.Amount,
		Reference:   r.Reference,
		ProcessedAt: r.ProcessedAt,
	}
}

type memoryFactRow struct {
	bun.BaseModel `bun:"table:memory_facts,alias:mf"`

	ID          string    `bun:"id,pk"`
	UserID      string    `bun:"user_id,notnull"`
	Statement   string    `bun:"statement,notnull"`
	ExtractedAt time.Time `bun:"extracted_at,notnull"`
	SessionID   string    `bun:"session_id"`
}
