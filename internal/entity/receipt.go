package entity

import (
	"time"

	"github.com/google/uuid"
)

// Receipt represents a stored receipt for data transfer between layers.
// A receipt starts life as a placeholder: all extracted fields nil and no
// items, enriched exactly once by the worker unless later hand-edited.
type Receipt struct {
	ID           uuid.UUID  `json:"id"`
	StoreName    *string    `json:"store_name,omitempty"`
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
	TotalAmount  *float64   `json:"total_amount,omitempty"`
	ImageRef     string     `json:"image_ref"`
	Items        []LineItem `json:"items"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LineItem is a single purchased item on a receipt.
type LineItem struct {
	Name     string   `json:"name"`
	Quantity *int     `json:"quantity,omitempty"`
	Price    *float64 `json:"price,omitempty"`
}
