package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-choreography/internal/inventory"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type StockService interface {
	Restock(item string, qty int) (int, error)
	Snapshot() map[string]int
	RequeueFailed(ctx context.Context) (int, error)
}

type StockHandler struct {
	Service StockService
}

type RestockReq struct {
	Quantity int `json:"quantity"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Get("/stock", h.list)
	r.Post("/stock/{item}", h.restock)
	r.Post("/admin/outbox/retry-failed", h.retryFailed)
}

func (h *StockHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Snapshot())
}

func (h *StockHandler) restock(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	var req RestockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	level, err := h.Service.Restock(item, req.Quantity)
	if errors.Is(err, inventory.ErrInvalidQuantity) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "available": level})
}

func (h *StockHandler) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.RequeueFailed(r.Context())
	if err != nil {
		logrus.WithError(err).Error("requeue failed inventory results")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "requeued": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}
