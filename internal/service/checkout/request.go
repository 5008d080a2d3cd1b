package checkout

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/service/inventory"
)

// Способы оплаты, которые покупатель может указать при оформлении.
const (
	MethodCashOnDelivery = "cash_on_delivery"
	MethodBankTransfer   = "bank_transfer"
	MethodCreditCard     = "credit_card"
	MethodEWallet        = "e_wallet"

	// methodUnset сохраняется, если способ оплаты не указан.
	methodUnset = "pending"
)

const maxNotesLength = 1000

// Item — строка корзины.
type Item struct {
	ProductID string
	Quantity  int
}

// Request — запрос на оформление заказа.
type Request struct {
	UserID          string
	Items           []Item
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
	ShippingAmount  *decimal.Decimal
	Notes           string
}

// CalculateRequest — запрос предпросмотра итогов.
type CalculateRequest struct {
	Items          []Item
	ShippingAmount *decimal.Decimal
}

// Validate проверяет запрос и возвращает ошибку валидации с полями.
func (r Request) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(r.UserID) == "" {
		return domain.ErrUnauthenticated
	}
	validateItems(r.Items, fields)
	validateShipping(r.ShippingAmount, fields)
	validateAddress(r.ShippingAddress, fields)

	if r.PaymentMethod != "" {
		switch r.PaymentMethod {
		case MethodCashOnDelivery, MethodBankTransfer, MethodCreditCard, MethodEWallet:
		default:
			fields["payment_method"] = "Invalid payment method selected"
		}
	}
	if utf8.RuneCountInString(r.Notes) > maxNotesLength {
		fields["notes"] = "Notes cannot exceed 1000 characters"
	}

	if len(fields) > 0 {
		return domain.ValidationFailed(fields)
	}
	return nil
}

// Validate проверяет запрос предпросмотра.
func (r CalculateRequest) Validate() error {
	fields := make(map[string]string)
	validateItems(r.Items, fields)
	validateShipping(r.ShippingAmount, fields)
	if len(fields) > 0 {
		return domain.ValidationFailed(fields)
	}
	return nil
}

func validateItems(items []Item, fields map[string]string) {
	if len(items) == 0 {
		fields["items"] = "At least one item is required for checkout"
		return
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			fields[fmt.Sprintf("items.%d.product_id", i)] = "Product ID is required for each item"
		}
		switch {
		case item.Quantity < 1:
			fields[fmt.Sprintf("items.%d.quantity", i)] = "Quantity must be at least 1"
		case item.Quantity > domain.MaxItemQuantity:
			fields[fmt.Sprintf("items.%d.quantity", i)] = fmt.Sprintf("Quantity may not be greater than %d", domain.MaxItemQuantity)
		}
	}
}

func validateShipping(amount *decimal.Decimal, fields map[string]string) {
	if amount != nil && amount.IsNegative() {
		fields["shipping_amount"] = "Shipping amount cannot be negative"
	}
}

func validateAddress(a domain.ShippingAddress, fields map[string]string) {
	check := func(field, value, label string, maxLen int) {
		value = strings.TrimSpace(value)
		switch {
		case value == "":
			fields["shipping_address."+field] = label + " is required"
		case maxLen > 0 && utf8.RuneCountInString(value) > maxLen:
			fields["shipping_address."+field] = fmt.Sprintf("%s may not be greater than %d characters", label, maxLen)
		}
	}
	check("name", a.Name, "Recipient name", 255)
	check("phone", a.Phone, "Phone number", 20)
	check("address", a.Address, "Street address", 0)
	check("city", a.City, "City", 255)
	check("postal_code", a.PostalCode, "Postal code", 10)
	check("province", a.Province, "Province", 255)
	check("country", a.Country, "Country", 255)
}

func ledgerLines(items []Item) []inventory.Line {
	lines := make([]inventory.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
