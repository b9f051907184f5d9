package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/identity"
	"github.com/sinparty/esf-settlement/internal/ledger"
	"github.com/sinparty/esf-settlement/internal/models"
	"go.uber.org/zap"
)

// OpsHandler serves internal support endpoints: balance, movement log and
// hold inspection for a member. Admin-only; the partner never sees these.
type OpsHandler struct {
	users  identity.Resolver
	ledger ledger.Ledger
	holds  holds.Store
}

func NewOpsHandler(users identity.Resolver, led ledger.Ledger, holdStore holds.Store) *OpsHandler {
	return &OpsHandler{users: users, ledger: led, holds: holdStore}
}

func (h *OpsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := h.resolveParam(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), user.ID)
	if err != nil {
		zap.L().Error("ops balance read failed", zap.Error(err), zap.Int64("user_id", user.ID))
		RespondError(w, r, http.StatusInternalServerError, "ledger/balance-read-failed", "Failed to read balance")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":        user.ID,
		"username":       user.Username,
		"balance":        domain.FormatMicros(balance),
		"balance_micros": balance,
	})
}

func (h *OpsHandler) GetMovements(w http.ResponseWriter, r *http.Request) {
	user, ok := h.resolveParam(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	movements, err := h.ledger.Movements(r.Context(), user.ID, limit, offset)
	if err != nil {
		zap.L().Error("ops movements read failed", zap.Error(err), zap.Int64("user_id", user.ID))
		RespondError(w, r, http.StatusInternalServerError, "ledger/movements-read-failed", "Failed to read movements")
		return
	}
	if movements == nil {
		movements = []models.Movement{}
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"user_id":   user.ID,
		"movements": movements,
	})
}

func (h *OpsHandler) GetHolds(w http.ResponseWriter, r *http.Request) {
	user, ok := h.resolveParam(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	userHolds, err := h.holds.ListByUser(r.Context(), user.ID, limit)
	if err != nil {
		zap.L().Error("ops holds read failed", zap.Error(err), zap.Int64("user_id", user.ID))
		RespondError(w, r, http.StatusInternalServerError, "holds/read-failed", "Failed to read holds")
		return
	}
	if userHolds == nil {
		userHolds = []models.Hold{}
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"holds":   userHolds,
	})
}

func (h *OpsHandler) resolveParam(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || memberID <= 0 {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-member-id", "Invalid member ID")
		return models.User{}, false
	}

	user, err := h.users.Resolve(r.Context(), memberID)
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		RespondError(w, r, http.StatusNotFound, "user/not-found", "Member not found")
		return models.User{}, false
	case errors.Is(err, models.ErrUserDeleted):
		RespondError(w, r, http.StatusGone, "user/deleted", "Member was deleted")
		return models.User{}, false
	case err != nil:
		zap.L().Error("ops user resolve failed", zap.Error(err), zap.Int64("member_id", memberID))
		RespondError(w, r, http.StatusInternalServerError, "user/resolve-failed", "Failed to resolve member")
		return models.User{}, false
	}
	return user, true
}
