package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type OrderService interface {
	Submit(ctx context.Context, items []string, idempotencyKey string) (string, bool, error)
	Get(ctx context.Context, id string) (orders.Order, error)
	RetryFailed(ctx context.Context) (int, error)
}

type OrdersHandler struct {
	Service OrderService
}

type CreateOrderReq struct {
	Items []string `json:"items"`
}

type CreateOrderResp struct {
	OrderID    string `json:"orderId"`
	Idempotent bool   `json:"idempotent"`
}

type OrderResp struct {
	OrderID   string    `json:"orderId"`
	Items     []string  `json:"items"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/admin/orders/retry-failed", h.retryFailed)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, existed, err := h.Service.Submit(ctx, req.Items, r.Header.Get(HeaderIdempotencyKey))
	switch {
	case errors.Is(err, orders.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logrus.WithError(err).Error("create order failed")
		writeError(w, http.StatusInternalServerError, "could not create order")
		return
	}

	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{OrderID: id, Idempotent: existed})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.Get(ctx, id)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		logrus.WithError(err).WithField("order_id", id).Error("get order failed")
		writeError(w, http.StatusInternalServerError, "could not load order")
		return
	}
	writeJSON(w, http.StatusOK, OrderResp{
		OrderID:   o.ID,
		Items:     o.Items,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	})
}

func (h *OrdersHandler) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.RetryFailed(r.Context())
	if err != nil {
		logrus.WithError(err).Error("retry failed orders")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "requeued": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}
