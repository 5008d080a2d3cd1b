package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
)

// Граница max совпадает с domain.MaxItemQuantity.
type itemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity" binding:"max=10000"`
}

type checkoutRequest struct {
	Items           []itemRequest          `json:"items" binding:"dive"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method"`
	ShippingAmount  *decimal.Decimal       `json:"shipping_amount"`
	Notes           string                 `json:"notes"`
}

type calculateRequest struct {
	Items          []itemRequest    `json:"items" binding:"dive"`
	ShippingAmount *decimal.Decimal `json:"shipping_amount"`
}

type customerRequest struct {
	Name  string `json:"name" binding:"omitempty,max=255"`
	Email string `json:"email" binding:"omitempty,email"`
}

type createPaymentRequest struct {
	PaymentMethod  string          `json:"payment_method" binding:"required"`
	PaymentChannel string          `json:"payment_channel" binding:"omitempty,max=50"`
	Customer       customerRequest `json:"customer"`
}

type fulfillmentRequest struct {
	Status string `json:"status" binding:"required,oneof=processing shipped delivered"`
}

type orderListQuery struct {
	Status        string `form:"status" binding:"omitempty,oneof=pending processing shipped delivered cancelled"`
	PaymentStatus string `form:"payment_status" binding:"omitempty,oneof=pending paid failed refunded"`
	StartDate     string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate       string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
	Search        string `form:"search" binding:"omitempty,max=100"`
	MinAmount     string `form:"min_amount" binding:"omitempty,numeric"`
	MaxAmount     string `form:"max_amount" binding:"omitempty,numeric"`
	SortBy        string `form:"sort_by" binding:"omitempty,oneof=created_at total_amount order_number status"`
	SortOrder     string `form:"sort_order" binding:"omitempty,oneof=asc desc"`
	Page          int    `form:"page" binding:"omitempty,min=1"`
	PerPage       int    `form:"per_page" binding:"omitempty,min=1"`
}

type paymentListQuery struct {
	Status        string `form:"status" binding:"omitempty,oneof=pending paid failed expired cancelled"`
	PaymentMethod string `form:"payment_method" binding:"omitempty,max=50"`
	SortBy        string `form:"sort_by" binding:"omitempty,oneof=created_at amount status"`
	SortOrder     string `form:"sort_order" binding:"omitempty,oneof=asc desc"`
	Page          int    `form:"page" binding:"omitempty,min=1"`
	PerPage       int    `form:"per_page" binding:"omitempty,min=1"`
}

type pagination struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}

func newPagination(page domain.Page, total int) pagination {
	page = page.Normalize()
	return pagination{
		CurrentPage: page.Number,
		PerPage:     page.PerPage,
		Total:       total,
		LastPage:    page.LastPage(total),
	}
}

type listResponse struct {
	Items      any        `json:"items"`
	Pagination pagination `json:"pagination"`
}

type orderItemResponse struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type orderResponse struct {
	ID              string                    `json:"id"`
	OrderNumber     string                    `json:"order_number"`
	UserID          string                    `json:"user_id"`
	Status          domain.OrderStatus        `json:"status"`
	PaymentStatus   domain.OrderPaymentStatus `json:"payment_status"`
	PaymentMethod   string                    `json:"payment_method"`
	Subtotal        decimal.Decimal           `json:"subtotal"`
	TaxAmount       decimal.Decimal           `json:"tax_amount"`
	ShippingAmount  decimal.Decimal           `json:"shipping_amount"`
	TotalAmount     decimal.Decimal           `json:"total_amount"`
	ShippingAddress domain.ShippingAddress    `json:"shipping_address"`
	Notes           string                    `json:"notes,omitempty"`
	Items           []orderItemResponse       `json:"items"`
	CanBeCancelled  bool                      `json:"can_be_cancelled"`
	ShippedAt       *time.Time                `json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time                `json:"delivered_at,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

func newOrderResponse(o domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		})
	}
	return orderResponse{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		UserID:          o.UserID,
		Status:          o.Status(),
		PaymentStatus:   o.PaymentStatus(),
		PaymentMethod:   o.PaymentMethod,
		Subtotal:        o.Subtotal,
		TaxAmount:       o.TaxAmount,
		ShippingAmount:  o.ShippingAmount,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		Notes:           o.Notes,
		Items:           items,
		CanBeCancelled:  o.CanBeCancelled(),
		ShippedAt:       o.ShippedAt(),
		DeliveredAt:     o.DeliveredAt(),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt(),
	}
}

func newOrderResponses(orders []domain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	return out
}

type paymentResponse struct {
	ID               string               `json:"id"`
	OrderID          string               `json:"order_id"`
	ExternalID       string               `json:"external_id"`
	Gateway          string               `json:"gateway"`
	GatewayReference string               `json:"gateway_reference"`
	PaymentURL       string               `json:"payment_url"`
	Amount           decimal.Decimal      `json:"amount"`
	Currency         string               `json:"currency"`
	Status           domain.PaymentStatus `json:"status"`
	GatewayStatus    string               `json:"gateway_status"`
	PaymentMethod    string               `json:"payment_method"`
	PaymentChannel   string               `json:"payment_channel,omitempty"`
	PaidAmount       *decimal.Decimal     `json:"paid_amount,omitempty"`
	PaidAt           *time.Time           `json:"paid_at,omitempty"`
	Fee              decimal.Decimal      `json:"fee"`
	FailureReason    string               `json:"failure_reason,omitempty"`
	ExpiresAt        time.Time            `json:"expires_at"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func newPaymentResponse(p domain.Payment) paymentResponse {
	return paymentResponse{
		ID:               p.ID,
		OrderID:          p.OrderID,
		ExternalID:       p.ExternalID,
		Gateway:          p.Gateway,
		GatewayReference: p.GatewayReference,
		PaymentURL:       p.PaymentURL,
		Amount:           p.Amount,
		Currency:         p.Currency,
		Status:           p.Status(),
		GatewayStatus:    p.GatewayStatus(),
		PaymentMethod:    p.Method(),
		PaymentChannel:   p.Channel(),
		PaidAmount:       p.PaidAmount(),
		PaidAt:           p.PaidAt(),
		Fee:              p.Fee(),
		FailureReason:    p.FailureReason(),
		ExpiresAt:        p.ExpiresAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt(),
	}
}

func newPaymentResponses(payments []domain.Payment) []paymentResponse {
	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, newPaymentResponse(p))
	}
	return out
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type trackingResponse struct {
	Order                orderResponse           `json:"order"`
	Steps                []checkout.TrackingStep `json:"tracking_steps"`
	Events               []timelineEventResponse `json:"events"`
	EstimatedDelivery    *time.Time              `json:"estimated_delivery"`
	CanBeCancelled       bool                    `json:"can_be_cancelled"`
	HasSuccessfulPayment bool                    `json:"has_successful_payment"`
}

func newTrackingResponse(t checkout.Tracking) trackingResponse {
	events := make([]timelineEventResponse, 0, len(t.Events))
	for _, e := range t.Events {
		events = append(events, timelineEventResponse{Type: e.Type, Reason: e.Reason, Occurred: e.Occurred})
	}
	return trackingResponse{
		Order:                newOrderResponse(t.Order),
		Steps:                t.Steps,
		Events:               events,
		EstimatedDelivery:    t.EstimatedDelivery,
		CanBeCancelled:       t.CanBeCancelled,
		HasSuccessfulPayment: t.HasSuccessfulPayment,
	}
}

func toItems(in []itemRequest) []checkout.Item {
	items := make([]checkout.Item, 0, len(in))
	for _, it := range in {
		items = append(items, checkout.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return items
}

func (r checkoutRequest) toService(userID string) checkout.Request {
	return checkout.Request{
		UserID:          userID,
		Items:           toItems(r.Items),
		ShippingAddress: r.ShippingAddress,
		PaymentMethod:   r.PaymentMethod,
		ShippingAmount:  r.ShippingAmount,
		Notes:           r.Notes,
	}
}
