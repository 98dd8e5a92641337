package payment

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/donasi-payments/internal/common"
)

// Handler exposes the JSON endpoints of the payment pipeline.
type Handler struct {
	Svc      *Service
	Resubmit *Resubmitter
	Validate *validator.Validate
}

type checkoutReq struct {
	OrderID string `json:"orderId" validate:"required,uuid"`
	CallbackURLs
}

type resubmitReq struct {
	CallbackURLs
}

type markPaidResp struct {
	OrderID   string `json:"orderId"`
	TradeNo   string `json:"tradeNo"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Checkout returns the signed auto-post form for an order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if details := h.validate(req); details != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", details)
		return
	}
	form, err := h.Svc.Checkout(r.Context(), uuid.MustParse(req.OrderID), req.CallbackURLs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, form)
}

// Status reports the consolidated payment status for a trade number.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	tradeNo := strings.TrimSpace(chi.URLParam(r, "tradeNo"))
	if tradeNo == "" || len(tradeNo) > 20 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid tradeNo", nil)
		return
	}
	view, err := h.Svc.Status(r.Context(), tradeNo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, view)
}

// Resubmission rotates the trade number of an unpaid order and returns a new form.
func (h *Handler) Resubmission(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Resubmit == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req resubmitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if details := h.validate(req); details != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", details)
		return
	}
	res, err := h.Resubmit.Resubmit(r.Context(), orderID, req.CallbackURLs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, res)
}

// MarkPaid settles an order on behalf of an administrator.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.MarkPaid(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, markPaidResp{
		OrderID:   out.OrderID.String(),
		TradeNo:   out.TradeNo,
		Status:    string(out.Status),
		Duplicate: out.Duplicate,
	})
}

func (h *Handler) validate(v any) map[string]string {
	validate := h.Validate
	if validate == nil {
		validate = validator.New()
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[lowerFirst(fe.Field())] = fe.Tag()
	}
	return details
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "orderId")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid orderId", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	common.WriteError(w, r, asAppError(err))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
