package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/service/payment"
)

func (h *Handler) createPayment(c *gin.Context) {
	var req createPaymentRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	p, err := h.payments.Create(c.Request.Context(), payment.CreateRequest{
		UserID:  currentUser(c),
		OrderID: c.Param("id"),
		Method:  domain.PaymentMethod(req.PaymentMethod),
		Channel: req.PaymentChannel,
		Customer: domain.IntentCustomer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
		},
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "Payment created successfully", newPaymentResponse(p))
}

func (h *Handler) listPayments(c *gin.Context) {
	var q paymentListQuery
	if err := bindQuery(c, &q); err != nil {
		h.fail(c, err)
		return
	}
	if q.PerPage > domain.MaxPerPage {
		h.fail(c, domain.ValidationFailed(map[string]string{"per_page": "must be at most 100"}))
		return
	}

	filter := domain.PaymentFilter{
		UserID:    currentUser(c),
		Status:    domain.PaymentStatus(q.Status),
		Method:    q.PaymentMethod,
		SortBy:    q.SortBy,
		SortOrder: domain.SortOrder(q.SortOrder),
		Page:      domain.Page{Number: q.Page, PerPage: q.PerPage},
	}
	if filter.SortBy == "" {
		filter.SortBy = domain.PaymentSortCreatedAt
	}
	if filter.SortOrder == "" {
		filter.SortOrder = domain.SortDesc
	}

	payments, total, err := h.payments.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Payments retrieved successfully", listResponse{
		Items:      newPaymentResponses(payments),
		Pagination: newPagination(filter.Page, total),
	})
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.payments.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Payment retrieved successfully", newPaymentResponse(p))
}

func (h *Handler) cancelPayment(c *gin.Context) {
	p, err := h.payments.Cancel(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Payment cancelled successfully", newPaymentResponse(p))
}
