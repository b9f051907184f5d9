package handler

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sinparty/esf-settlement/internal/api/middleware"
	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/models"
	"github.com/sinparty/esf-settlement/internal/settlement"
	"go.uber.org/zap"
)

// The partner sends form-encoded requests and expects gzip-compressed JSON
// back regardless of Accept-Encoding. Response field names, including the
// space-separated ones, are part of the integration contract.

var externalIDPattern = regexp.MustCompile(`^[_a-zA-Z0-9\s-]+$`)

// PartnerHandler is the inbound adapter for the billing partner's
// verify/preauthorize/remove-preauthorize/collect calls.
type PartnerHandler struct {
	engine *settlement.Engine
	env    string
}

func NewPartnerHandler(engine *settlement.Engine, env string) *PartnerHandler {
	return &PartnerHandler{engine: engine, env: env}
}

func (h *PartnerHandler) Verify(w http.ResponseWriter, r *http.Request) {
	h.logRequest(r, "verify")
	memberID, err := parseMemberID(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	amount, err := parseAmount(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	res, err := h.engine.Verify(r.Context(), settlement.VerifyRequest{
		MemberID:     memberID,
		AmountMicros: amount,
	})
	if err != nil {
		h.writeError(w, r, err, map[string]any{"userId": memberID})
		return
	}

	h.writeResponse(w, http.StatusOK, map[string]any{
		"eligible":        res.Eligible,
		"required_amount": money(amount),
		"status":          "success",
		"balance":         money(res.BalanceMicros),
	})
}

func (h *PartnerHandler) Preauthorize(w http.ResponseWriter, r *http.Request) {
	h.logRequest(r, "preauthorize")
	memberID, err := parseMemberID(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	amount, err := parseAmount(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	holdID, err := parseExternalID(r, "merchant_hold_id", true)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	ttl, err := parseExpires(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	res, err := h.engine.Preauthorize(r.Context(), settlement.PreauthorizeRequest{
		MemberID:          memberID,
		AmountMicros:      amount,
		HoldID:            holdID,
		TTL:               ttl,
		PerformerNickname: r.FormValue("performer_nickname"),
		SpendType:         r.FormValue("spend_type"),
	})
	if err != nil {
		h.writeError(w, r, err, map[string]any{"userId": memberID, "merchant_hold_id": holdID})
		return
	}

	if !res.Eligible {
		h.writeResponse(w, http.StatusOK, map[string]any{
			"eligible": false,
			"balance":  money(res.BalanceBeforeMicros),
		})
		return
	}

	h.writeResponse(w, http.StatusOK, map[string]any{
		"eligible":         true,
		"status":           "success",
		"transactionId":    res.TransactionID,
		"model":            res.ModelTitle,
		"type":             res.SpendType,
		"Balance before":   money(res.BalanceBeforeMicros),
		"Amount remaining": money(res.BalanceAfterMicros),
	})
}

func (h *PartnerHandler) RemovePreauthorize(w http.ResponseWriter, r *http.Request) {
	h.logRequest(r, "remove_preauthorize")
	memberID, err := parseMemberID(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	holdID, err := parseExternalID(r, "merchant_hold_id", true)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	res, err := h.engine.ReleasePreauthorize(r.Context(), settlement.ReleaseRequest{
		MemberID: memberID,
		HoldID:   holdID,
	})
	if err != nil {
		h.writeError(w, r, err, map[string]any{"userId": memberID, "merchant_hold_id": holdID})
		return
	}

	h.writeResponse(w, http.StatusOK, map[string]any{
		"status":           "success",
		"Balance before":   money(res.BalanceBeforeMicros),
		"Amount remaining": money(res.BalanceAfterMicros),
	})
}

func (h *PartnerHandler) Collect(w http.ResponseWriter, r *http.Request) {
	h.logRequest(r, "collect")
	memberID, err := parseMemberID(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	amount, err := parseAmount(r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	transID, err := parseExternalID(r, "merchant_trans_id", true)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	holdID, err := parseExternalID(r, "merchant_hold_id", false)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	res, err := h.engine.Collect(r.Context(), settlement.CollectRequest{
		MemberID:          memberID,
		AmountMicros:      amount,
		HoldID:            holdID,
		TransID:           transID,
		PerformerNickname: r.FormValue("performer_nickname"),
		SpendType:         r.FormValue("spend_type"),
	})
	if err != nil {
		extra := map[string]any{"userId": memberID}
		if holdID != "" {
			extra["merchant_hold_id"] = holdID
		}
		var ife *models.InsufficientFundsError
		if errors.As(err, &ife) {
			extra["requiredAmount"] = money(amount)
			extra["balance"] = money(ife.BalanceMicros)
		}
		h.writeError(w, r, err, extra)
		return
	}

	payload := map[string]any{
		"model":            res.ModelTitle,
		"type":             res.SpendType,
		"status":           "success",
		"transaction_id":   res.TransactionID,
		"Balance before":   money(res.BalanceBeforeMicros),
		"Amount remaining": money(res.BalanceAfterMicros),
	}
	if holdID != "" {
		payload["merchant_hold_id"] = holdID
	}
	h.writeResponse(w, http.StatusOK, payload)
}

// logRequest records the inbound partner payload under the request's trace
// id, so every wire exchange is reconstructible from the service log.
func (h *PartnerHandler) logRequest(r *http.Request, op string) {
	_ = r.ParseForm()
	zap.L().Info("partner request",
		zap.String("op", op),
		zap.String("trace_id", middleware.TraceIDFromContext(r.Context())),
		zap.Any("form", r.Form),
	)
}

func (h *PartnerHandler) writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	payload := map[string]any{"status": "error"}
	for k, v := range extra {
		payload[k] = v
	}

	status := http.StatusUnprocessableEntity
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		payload["reason"] = "Invalid data format"
		payload["data"] = map[string]string{ve.Field: ve.Msg}
	case errors.Is(err, models.ErrUserNotFound):
		payload["member_id"] = "Member not found"
		payload["reason"] = "User do not exist"
	case errors.Is(err, models.ErrUserDeleted):
		payload["member_id"] = "Member was deleted"
		payload["reason"] = "User was deleted"
	case errors.Is(err, models.ErrInsufficientFunds):
		payload["reason"] = "Insufficient Funds"
	case errors.Is(err, models.ErrHoldNotFound), errors.Is(err, models.ErrAlreadyTerminal):
		payload["reason"] = "Hold not found"
	case errors.Is(err, models.ErrHoldExpired):
		payload["reason"] = "Hold expired"
	case errors.Is(err, models.ErrDuplicateHold):
		payload["reason"] = "merchant_hold_id already used with a different amount"
	case errors.Is(err, models.ErrDuplicateTransaction):
		payload["reason"] = "merchant_trans_id already used with a different amount"
	case errors.Is(err, models.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		payload["reason"] = "Service temporarily unavailable"
	default:
		status = http.StatusInternalServerError
		payload["reason"] = "Internal error"
		zap.L().Error("unhandled settlement error", zap.Error(err), zap.String("path", r.URL.Path))
	}

	zap.L().Warn("partner request rejected",
		zap.String("trace_id", middleware.TraceIDFromContext(r.Context())),
		zap.Int("status", status),
		zap.Any("reason", payload["reason"]),
	)
	h.writeResponse(w, status, payload)
}

func (h *PartnerHandler) writeResponse(w http.ResponseWriter, status int, payload map[string]any) {
	if h.env != "" && h.env != "production" {
		payload["TEST"] = h.env
	}

	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(status)

	gz, _ := gzip.NewWriterLevel(w, gzip.BestCompression)
	if _, err := gz.Write(body); err != nil {
		zap.L().Error("write gzip response", zap.Error(err))
	}
	if err := gz.Close(); err != nil {
		zap.L().Error("flush gzip response", zap.Error(err))
	}
}

// money renders micros as an unquoted two-decimal JSON number.
func money(micros int64) json.Number {
	return json.Number(domain.FormatMicros(micros))
}

func parseMemberID(r *http.Request) (int64, error) {
	raw := r.FormValue("member_id")
	if raw == "" {
		return 0, models.Invalid("member_id", "required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, models.Invalid("member_id", "must be a positive integer")
	}
	return id, nil
}

func parseAmount(r *http.Request) (int64, error) {
	raw := r.FormValue("amount")
	if raw == "" {
		return 0, models.Invalid("amount", "required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, models.Invalid("amount", "must be numeric")
	}
	micros, err := domain.ParseAmount(d)
	if err != nil {
		return 0, models.Invalid("amount", err.Error())
	}
	return micros, nil
}

func parseExternalID(r *http.Request, field string, required bool) (string, error) {
	raw := r.FormValue(field)
	if raw == "" {
		if required {
			return "", models.Invalid(field, "required")
		}
		return "", nil
	}
	if !externalIDPattern.MatchString(raw) {
		return "", models.Invalid(field, field+" format is invalid")
	}
	return raw, nil
}

func parseExpires(r *http.Request) (time.Duration, error) {
	raw := r.FormValue("expires")
	if raw == "" {
		return 0, models.Invalid("expires", "required")
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return 0, models.Invalid("expires", "must be a positive number of minutes")
	}
	return time.Duration(minutes) * time.Minute, nil
}
