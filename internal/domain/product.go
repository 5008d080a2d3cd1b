package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductStatus — статус товара в каталоге.
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

// MaxItemQuantity ограничивает количество одного товара в заказе,
// в том числе сумму повторяющихся позиций.
const MaxItemQuantity = 10000

// Product — товар каталога. Каталогом владеет внешняя система,
// здесь изменяется только остаток через складской реестр.
type Product struct {
	ID        string
	Name      string
	Category  string
	Price     decimal.Decimal
	Stock     int
	Status    ProductStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive сообщает, можно ли продавать товар.
func (p Product) IsActive() bool {
	return p.Status == ProductStatusActive
}

// IsAvailable: товар активен и есть на складе.
func (p Product) IsAvailable() bool {
	return p.IsActive() && p.Stock > 0
}

// HasStock проверяет, хватает ли остатка под количество.
func (p Product) HasStock(qty int) bool {
	return qty > 0 && p.Stock >= qty
}
