package checkout

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// Pricing — правила расчёта итогов. Одна функция используется и для
// предпросмотра, и для оформления, поэтому суммы совпадают.
type Pricing struct {
	TaxRate         decimal.Decimal
	DefaultShipping decimal.Decimal
	Currency        string
}

// DefaultPricing: налог 10%, доставка 15.00, валюта IDR.
func DefaultPricing() Pricing {
	return Pricing{
		TaxRate:         decimal.RequireFromString("0.10"),
		DefaultShipping: decimal.RequireFromString("15.00"),
		Currency:        "IDR",
	}
}

// QuoteLine — рассчитанная строка корзины.
type QuoteLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// Quote — итог корзины.
type Quote struct {
	Lines    []QuoteLine     `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
	TaxRate  decimal.Decimal `json:"tax_rate"`
	Tax      decimal.Decimal `json:"tax_amount"`
	Shipping decimal.Decimal `json:"shipping_amount"`
	Total    decimal.Decimal `json:"total_amount"`
	Currency string          `json:"currency"`
}

// Quote считает итоги по ценам из снимка товаров.
// Строки остаются в порядке запроса; повторы товара не склеиваются.
func (p Pricing) Quote(items []Item, products map[string]domain.Product, shippingOverride *decimal.Decimal) Quote {
	q := Quote{
		Lines:    make([]QuoteLine, 0, len(items)),
		Subtotal: decimal.Zero,
		TaxRate:  p.TaxRate,
		Currency: p.Currency,
	}

	for _, item := range items {
		product := products[item.ProductID]
		total := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		q.Lines = append(q.Lines, QuoteLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
			TotalPrice:  total,
		})
		q.Subtotal = q.Subtotal.Add(total)
	}

	q.Tax = q.Subtotal.Mul(p.TaxRate).Round(2)
	q.Shipping = p.DefaultShipping
	if shippingOverride != nil {
		q.Shipping = *shippingOverride
	}
	q.Total = q.Subtotal.Add(q.Tax).Add(q.Shipping)
	return q
}
