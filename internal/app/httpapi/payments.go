package httpapi

import (
	"net/http"
	"strings"

	"github.com/labcv/labcv/internal/app/services/payments"
	"github.com/labcv/labcv/internal/errors"
	"github.com/labcv/labcv/internal/middleware"
)

type startPaymentRequest struct {
	Phone string `json:"phone" validate:"required,min=8,max=20"`
}

func (h *handler) startPayment(w http.ResponseWriter, r *http.Request) {
	var req startPaymentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	started, err := h.app.Payments.Start(r.Context(), userID(r), pathParam(r, "id"), req.Phone)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if started.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, started)
}

// paymentStatus answers the client's poll, reconciling with the provider
// while the payment is pending.
func (h *handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Payments.Status(r.Context(), userID(r), pathParam(r, "id"), isAdmin(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// yappyIPN receives Yappy's notification:
// GET ?orderId=&status=&domain=&hash=
func (h *handler) yappyIPN(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := payments.IPN{
		OrderID: strings.TrimSpace(q.Get("orderId")),
		Status:  strings.TrimSpace(q.Get("status")),
		Domain:  strings.TrimSpace(q.Get("domain")),
		Hash:    strings.TrimSpace(q.Get("hash")),
	}
	if n.OrderID == "" || n.Status == "" || n.Hash == "" {
		h.writeError(w, r, errors.BadRequest("Parámetros de notificación incompletos"))
		return
	}

	p, err := h.app.Payments.HandleIPN(r.Context(), n)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"order_id": n.OrderID,
			"ip":       middleware.ClientIP(r),
		}).Warn("yappy ipn rejected")
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  p.Status,
	})
}
