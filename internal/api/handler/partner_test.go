package handler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/idempotency"
	"github.com/sinparty/esf-settlement/internal/identity"
	"github.com/sinparty/esf-settlement/internal/intent"
	"github.com/sinparty/esf-settlement/internal/ledger"
	"github.com/sinparty/esf-settlement/internal/models"
	"github.com/sinparty/esf-settlement/internal/notify"
	"github.com/sinparty/esf-settlement/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPartnerHandler(t *testing.T) (*PartnerHandler, *ledger.MemoryLedger, *identity.MemoryResolver) {
	t.Helper()
	users := identity.NewMemoryResolver()
	led := ledger.NewMemoryLedger()
	engine := settlement.New(
		users,
		led,
		holds.NewMemoryStore(),
		idempotency.NewMemoryGuard(),
		intent.NewMemorySource(),
		notify.NewDispatcher(notify.NewLogSink(zap.NewNop()), zap.NewNop()),
		zap.NewNop(),
	)
	return NewPartnerHandler(engine, "production"), led, users
}

func postForm(t *testing.T, fn http.HandlerFunc, form url.Values) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	fn(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))

	gz, err := gzip.NewReader(res.Body)
	require.NoError(t, err)
	defer gz.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(gz).Decode(&payload))
	return res.StatusCode, payload
}

func TestVerifyEndpoint(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 50_000_000)

	status, payload := postForm(t, h.Verify, url.Values{
		"member_id": {"77"},
		"amount":    {"20.00"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["eligible"])
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, 50.0, payload["balance"])
	assert.Equal(t, 20.0, payload["required_amount"])
}

func TestVerifyEndpointUnknownMember(t *testing.T) {
	h, _, _ := newPartnerHandler(t)

	status, payload := postForm(t, h.Verify, url.Values{
		"member_id": {"404"},
		"amount":    {"5"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "User do not exist", payload["reason"])
	assert.Equal(t, "Member not found", payload["member_id"])
}

func TestVerifyEndpointValidation(t *testing.T) {
	h, _, _ := newPartnerHandler(t)

	status, payload := postForm(t, h.Verify, url.Values{
		"member_id": {"77"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Invalid data format", payload["reason"])
}

func TestPreauthorizeEndpoint(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 100_000_000)

	form := url.Values{
		"member_id":          {"77"},
		"amount":             {"30.00"},
		"merchant_hold_id":   {"SM_HOLD_1"},
		"expires":            {"10"},
		"performer_nickname": {"Starlet"},
		"spend_type":         {"tip"},
	}
	status, payload := postForm(t, h.Preauthorize, form)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, payload["eligible"])
	assert.Equal(t, "success", payload["status"])
	assert.NotEmpty(t, payload["transactionId"])
	assert.Equal(t, "Starlet", payload["model"])
	assert.Equal(t, "tip", payload["type"])
	// Soft hold: nothing debited yet.
	assert.Equal(t, 100.0, payload["Balance before"])
	assert.Equal(t, 100.0, payload["Amount remaining"])

	// Replay returns the same transaction id.
	status, replay := postForm(t, h.Preauthorize, form)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, payload["transactionId"], replay["transactionId"])
}

func TestPreauthorizeEndpointIneligible(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 10_000_000)

	status, payload := postForm(t, h.Preauthorize, url.Values{
		"member_id":        {"77"},
		"amount":           {"30.00"},
		"merchant_hold_id": {"SM_HOLD_1"},
		"expires":          {"10"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, payload["eligible"])
	assert.Equal(t, 10.0, payload["balance"])
}

func TestPreauthorizeEndpointRejectsBadHoldID(t *testing.T) {
	h, _, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77})

	status, payload := postForm(t, h.Preauthorize, url.Values{
		"member_id":        {"77"},
		"amount":           {"30.00"},
		"merchant_hold_id": {"bad!hold#id"},
		"expires":          {"10"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Invalid data format", payload["reason"])
}

func TestRemovePreauthorizeEndpoint(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 100_000_000)

	_, _ = postForm(t, h.Preauthorize, url.Values{
		"member_id":        {"77"},
		"amount":           {"30.00"},
		"merchant_hold_id": {"SM_HOLD_1"},
		"expires":          {"10"},
	})

	status, payload := postForm(t, h.RemovePreauthorize, url.Values{
		"member_id":        {"77"},
		"merchant_hold_id": {"SM_HOLD_1"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, 100.0, payload["Amount remaining"])
}

func TestRemovePreauthorizeEndpointHoldNotFound(t *testing.T) {
	h, _, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})

	status, payload := postForm(t, h.RemovePreauthorize, url.Values{
		"member_id":        {"77"},
		"merchant_hold_id": {"NOPE"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "Hold not found", payload["reason"])
	assert.Equal(t, "NOPE", payload["merchant_hold_id"])
}

func TestCollectEndpoint(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 100_000_000)

	form := url.Values{
		"member_id":          {"77"},
		"amount":             {"25.00"},
		"merchant_trans_id":  {"SM_TX_1"},
		"performer_nickname": {"Starlet"},
		"spend_type":         {"tip"},
	}
	status, payload := postForm(t, h.Collect, form)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", payload["status"])
	assert.NotEmpty(t, payload["transaction_id"])
	assert.Equal(t, "Starlet", payload["model"])
	assert.Equal(t, "tip", payload["type"])
	assert.Equal(t, 100.0, payload["Balance before"])
	assert.Equal(t, 75.0, payload["Amount remaining"])

	// Duplicate delivery answers from the recorded result without a second
	// debit.
	status, replay := postForm(t, h.Collect, form)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, payload["transaction_id"], replay["transaction_id"])

	balance, err := led.Balance(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, int64(75_000_000), balance)
}

func TestCollectEndpointInsufficientFunds(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 50_000_000)

	status, payload := postForm(t, h.Collect, url.Values{
		"member_id":         {"77"},
		"amount":            {"80.00"},
		"merchant_trans_id": {"SM_TX_1"},
		"spend_type":        {"tip"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "Insufficient Funds", payload["reason"])
	assert.Equal(t, 80.0, payload["requiredAmount"])
	assert.Equal(t, 50.0, payload["balance"])
}

func TestCollectEndpointWithHold(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 100_000_000)

	_, _ = postForm(t, h.Preauthorize, url.Values{
		"member_id":        {"77"},
		"amount":           {"30.00"},
		"merchant_hold_id": {"SM_HOLD_1"},
		"expires":          {"10"},
	})

	status, payload := postForm(t, h.Collect, url.Values{
		"member_id":         {"77"},
		"amount":            {"30.00"},
		"merchant_hold_id":  {"SM_HOLD_1"},
		"merchant_trans_id": {"SM_TX_1"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", payload["status"])
	assert.Equal(t, "SM_HOLD_1", payload["merchant_hold_id"])
	assert.Equal(t, 70.0, payload["Amount remaining"])
}

func TestCollectEndpointHoldNotFound(t *testing.T) {
	h, led, users := newPartnerHandler(t)
	users.Add(models.User{ID: 77, Username: "payer"})
	led.Seed(77, 100_000_000)

	status, payload := postForm(t, h.Collect, url.Values{
		"member_id":         {"77"},
		"amount":            {"30.00"},
		"merchant_hold_id":  {"MISSING"},
		"merchant_trans_id": {"SM_TX_1"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Hold not found", payload["reason"])
}

func TestNonProductionResponsesAreMarked(t *testing.T) {
	users := identity.NewMemoryResolver()
	led := ledger.NewMemoryLedger()
	engine := settlement.New(
		users, led, holds.NewMemoryStore(), idempotency.NewMemoryGuard(),
		intent.NewMemorySource(),
		notify.NewDispatcher(notify.NewLogSink(zap.NewNop()), zap.NewNop()),
		zap.NewNop(),
	)
	h := NewPartnerHandler(engine, "staging")
	users.Add(models.User{ID: 77})

	_, payload := postForm(t, h.Verify, url.Values{
		"member_id": {"77"},
		"amount":    {"1"},
	})
	assert.Equal(t, "staging", payload["TEST"])
}
