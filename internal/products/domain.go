package products

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var pricePrinter = message.NewPrinter(language.English)

// Product is an item of the catalogue.
type Product struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PriceLabel formats the price with thousands separators.
func (p Product) PriceLabel() string {
	return formatCents(p.PriceCents)
}

// Input carries the editable fields of a product.
type Input struct {
	Code       string `validate:"required,max=32,alphanum"`
	Name       string `validate:"required,max=128"`
	PriceCents int64  `validate:"min=0"`
	IsActive   bool
}

// Report summarises the catalogue.
type Report struct {
	Total            int   `json:"total"`
	Active           int   `json:"active"`
	Inactive         int   `json:"inactive"`
	ActiveValueCents int64 `json:"active_value_cents"`
}

// ActiveValueLabel formats the summed price of active products.
func (r Report) ActiveValueLabel() string {
	return formatCents(r.ActiveValueCents)
}

func formatCents(cents int64) string {
	return pricePrinter.Sprintf("%.2f", float64(cents)/100)
}
