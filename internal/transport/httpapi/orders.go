package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
)

const dateLayout = "2006-01-02"

func (h *Handler) calculate(c *gin.Context) {
	var req calculateRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	quote, err := h.checkout.Calculate(c.Request.Context(), checkout.CalculateRequest{
		Items:          toItems(req.Items),
		ShippingAmount: req.ShippingAmount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order totals calculated", quote)
}

func (h *Handler) placeOrder(c *gin.Context) {
	var req checkoutRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	order, err := h.checkout.Checkout(c.Request.Context(), req.toService(currentUser(c)))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "Order created successfully", newOrderResponse(order))
}

func (h *Handler) listOrders(c *gin.Context) {
	var q orderListQuery
	if err := bindQuery(c, &q); err != nil {
		h.fail(c, err)
		return
	}
	filter, err := q.toFilter(currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	orders, total, err := h.checkout.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Orders retrieved successfully", listResponse{
		Items:      newOrderResponses(orders),
		Pagination: newPagination(filter.Page, total),
	})
}

func (h *Handler) orderSummary(c *gin.Context) {
	summary, err := h.checkout.Summary(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order summary retrieved successfully", summary)
}

func (h *Handler) recentOrders(c *gin.Context) {
	orders, _, err := h.checkout.Recent(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Recent orders retrieved successfully", newOrderResponses(orders))
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.checkout.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order retrieved successfully", newOrderResponse(order))
}

func (h *Handler) trackOrder(c *gin.Context) {
	tracking, err := h.checkout.Track(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order tracking retrieved successfully", newTrackingResponse(tracking))
}

func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.checkout.Cancel(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order cancelled successfully", newOrderResponse(order))
}

func (h *Handler) updateFulfillment(c *gin.Context) {
	var req fulfillmentRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	order, err := h.checkout.UpdateFulfillment(c.Request.Context(), c.Param("id"), domain.OrderStatus(req.Status))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order status updated successfully", newOrderResponse(order))
}

// toFilter переводит query-параметры в фильтр; даты включают весь день по UTC.
func (q orderListQuery) toFilter(userID string) (domain.OrderFilter, error) {
	filter := domain.OrderFilter{
		UserID:        userID,
		Status:        domain.OrderStatus(q.Status),
		PaymentStatus: domain.OrderPaymentStatus(q.PaymentStatus),
		Search:        q.Search,
		SortBy:        q.SortBy,
		SortOrder:     domain.SortOrder(q.SortOrder),
		Page:          domain.Page{Number: q.Page, PerPage: q.PerPage},
	}
	if filter.SortBy == "" {
		filter.SortBy = domain.OrderSortCreatedAt
	}
	if filter.SortOrder == "" {
		filter.SortOrder = domain.SortDesc
	}

	fields := make(map[string]string)
	if q.StartDate != "" {
		if from, err := time.Parse(dateLayout, q.StartDate); err == nil {
			filter.CreatedFrom = &from
		}
	}
	if q.EndDate != "" {
		if to, err := time.Parse(dateLayout, q.EndDate); err == nil {
			to = to.Add(24*time.Hour - time.Nanosecond)
			if filter.CreatedFrom != nil && to.Before(*filter.CreatedFrom) {
				fields["end_date"] = "must be a date after or equal to start_date"
			}
			filter.CreatedTo = &to
		}
	}
	if q.MinAmount != "" {
		if v, err := decimal.NewFromString(q.MinAmount); err == nil {
			filter.MinAmount = &v
		}
	}
	if q.MaxAmount != "" {
		if v, err := decimal.NewFromString(q.MaxAmount); err == nil {
			if filter.MinAmount != nil && v.LessThan(*filter.MinAmount) {
				fields["max_amount"] = "must be greater than or equal to min_amount"
			}
			filter.MaxAmount = &v
		}
	}
	if q.PerPage > domain.MaxPerPage {
		fields["per_page"] = "must be at most 100"
	}

	if len(fields) > 0 {
		return domain.OrderFilter{}, domain.ValidationFailed(fields)
	}
	return filter, nil
}
