package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"reward-cap-engine/internal/database"
	"reward-cap-engine/internal/models"
	"reward-cap-engine/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func setupTestHandler(t *testing.T) (*Handler, func()) {
	dbPath := "./test_handler_" + time.Now().Format("20060102150405.000000000") + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	svc := service.NewService(db, service.Options{})
	h := NewHandler(svc)

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return h, cleanup
}

func setupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

// seedCard stores the capped online rule and one credit card using it.
func seedCard(t *testing.T, r http.Handler) string {
	t.Helper()

	rule := map[string]interface{}{
		"id":           "ppv-online",
		"card_type_id": "uob-ppv",
		"name":         "10x on online spend",
		"predicates":   []map[string]interface{}{{"kind": "channel", "channels": []string{"online"}}},
		"earn":         map[string]string{"rounding_unit": "5", "base_rate": "2", "bonus_rate": "10"},
		"cap":          map[string]interface{}{"amount": 4000, "period": "calendar_month"},
	}
	if rr := doJSON(t, r, "POST", "/rules", rule); rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 for rule, got %d: %s", rr.Code, rr.Body.String())
	}

	instrumentID := uuid.New().String()
	instrument := models.PaymentInstrument{
		ID:           instrumentID,
		UserID:       uuid.New().String(),
		Kind:         models.InstrumentCreditCard,
		CardTypeID:   "uob-ppv",
		StatementDay: 15,
	}
	if rr := doJSON(t, r, "POST", "/instruments", instrument); rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 for instrument, got %d: %s", rr.Code, rr.Body.String())
	}

	return instrumentID
}

func onlineTxn(instrumentID, amount string, date time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":            uuid.New().String(),
		"instrument_id": instrumentID,
		"amount":        amount,
		"currency":      "SGD",
		"date":          date.Format(time.RFC3339),
		"is_online":     true,
	}
}

func TestHealthCheck(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	if rr.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rr.Body.String())
	}
}

func TestCreateRule_Success(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	seedCard(t, r)

	rr := doJSON(t, r, "GET", "/card-types/uob-ppv/rules", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response models.RulesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(response.Rules))
	}
	if response.Rules[0].Cap == nil || response.Rules[0].Cap.Amount != 4000 {
		t.Errorf("Expected cap of 4000, got %+v", response.Rules[0].Cap)
	}
}

func TestCreateRule_InvalidRequests(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{name: "empty body", body: "", status: http.StatusBadRequest, message: "request body is required"},
		{name: "malformed json", body: "{invalid json}", status: http.StatusBadRequest, message: "invalid JSON in request body"},
		{
			name:   "catch-all with predicates",
			body:   `{"id":"x","card_type_id":"uob-ppv","catch_all":true,"predicates":[{"kind":"currency","currency":"SGD"}],"earn":{"rounding_unit":"5","base_rate":"2","bonus_rate":"0"}}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown cap period",
			body:   `{"id":"x","card_type_id":"uob-ppv","earn":{"rounding_unit":"5","base_rate":"2","bonus_rate":"10"},"cap":{"amount":100,"period":"fortnight"}}`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/rules", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}

			var errResp models.ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if tt.message != "" && errResp.Error != tt.message {
				t.Errorf("Expected error %q, got %q", tt.message, errResp.Error)
			}
		})
	}
}

func TestGetInstrument(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	instrumentID := seedCard(t, r)

	rr := doJSON(t, r, "GET", "/instruments/"+instrumentID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var instrument models.PaymentInstrument
	if err := json.Unmarshal(rr.Body.Bytes(), &instrument); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if instrument.CardTypeID != "uob-ppv" || instrument.StatementDay != 15 {
		t.Errorf("Unexpected instrument %+v", instrument)
	}

	if rr := doJSON(t, r, "GET", "/instruments/"+uuid.New().String(), nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown instrument, got %d", rr.Code)
	}
	if rr := doJSON(t, r, "GET", "/instruments/not-a-uuid", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid id, got %d", rr.Code)
	}
}

func TestTransactions_CapLifecycle(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	instrumentID := seedCard(t, r)
	june := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)

	first := onlineTxn(instrumentID, "1850.00", june)
	second := onlineTxn(instrumentID, "250.00", june.Add(24*time.Hour))

	// submitted out of order; the older purchase must draw on the cap first
	rr := doJSON(t, r, "POST", "/transactions", models.CreateTransactionsRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty batch, got %d", rr.Code)
	}

	rr = doJSON(t, r, "POST", "/transactions", map[string]interface{}{
		"transactions": []interface{}{second, first},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var created models.CreateTransactionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Inserted != 2 {
		t.Fatalf("Expected 2 inserted, got %d", created.Inserted)
	}
	if got := created.Transactions[0]; got.BasePoints != 740 || got.BonusPoints != 3700 {
		t.Errorf("Expected 740/3700 for first purchase, got %d/%d", got.BasePoints, got.BonusPoints)
	}
	if got := created.Transactions[1]; got.BasePoints != 100 || got.BonusPoints != 300 {
		t.Errorf("Expected 100/300 for second purchase, got %d/%d", got.BasePoints, got.BonusPoints)
	}

	usagePath := "/instruments/" + instrumentID + "/cap-usage?rule_id=ppv-online&at=2025-06-20T00:00:00Z"
	rr = doJSON(t, r, "GET", usagePath, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var usage models.CapUsage
	if err := json.Unmarshal(rr.Body.Bytes(), &usage); err != nil {
		t.Fatalf("Failed to decode usage: %v", err)
	}
	if usage.Used != 4000 || usage.Remaining.Unlimited || usage.Remaining.Value != 0 {
		t.Errorf("Expected cap exhausted, got used=%d remaining=%+v", usage.Used, usage.Remaining)
	}

	simulate := map[string]interface{}{
		"instrument_id": instrumentID,
		"amount":        "100",
		"currency":      "SGD",
		"date":          "2025-06-20T10:00:00Z",
		"is_online":     true,
	}
	rr = doJSON(t, r, "POST", "/simulate", simulate)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result models.PointsResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.BasePoints != 40 || result.BonusPoints != 0 || result.ReasonCode != models.ReasonCapReached {
		t.Errorf("Expected 40 base, no bonus and cap_reached, got %+v", result)
	}

	// releasing the 300 bonus frees exactly that much quota
	rr = doJSON(t, r, "DELETE", "/transactions/"+second["id"].(string), nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, r, "GET", usagePath, nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &usage); err != nil {
		t.Fatalf("Failed to decode usage: %v", err)
	}
	if usage.Used != 3700 || usage.Remaining.Value != 300 {
		t.Errorf("Expected used=3700 remaining=300, got used=%d remaining=%+v", usage.Used, usage.Remaining)
	}

	if rr := doJSON(t, r, "DELETE", "/transactions/"+second["id"].(string), nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", rr.Code)
	}
}

func TestUpdateTransaction(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	instrumentID := seedCard(t, r)

	txn := onlineTxn(instrumentID, "61", time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC))
	rr := doJSON(t, r, "POST", "/transactions", map[string]interface{}{"transactions": []interface{}{txn}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	// amended to an in-store purchase, which the online rule no longer matches
	txn["is_online"] = false
	txn["bonus_points"] = 9999
	rr = doJSON(t, r, "PUT", "/transactions/"+txn["id"].(string), txn)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var updated models.Transaction
	if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if updated.BonusPoints != 0 || updated.AppliedRuleID != "" {
		t.Errorf("Expected no bonus and no rule, got %+v", updated)
	}

	unknown := onlineTxn(instrumentID, "61", time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC))
	if rr := doJSON(t, r, "PUT", "/transactions/"+unknown["id"].(string), unknown); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown transaction, got %d", rr.Code)
	}
}

func TestGetCapUsage_InvalidRequests(t *testing.T) {
	h, cleanup := setupTestHandler(t)
	defer cleanup()

	r := setupRouter(h)
	instrumentID := seedCard(t, r)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "missing rule id", path: "/instruments/" + instrumentID + "/cap-usage", status: http.StatusBadRequest},
		{name: "bad at", path: "/instruments/" + instrumentID + "/cap-usage?rule_id=ppv-online&at=yesterday", status: http.StatusBadRequest},
		{name: "unknown rule", path: "/instruments/" + instrumentID + "/cap-usage?rule_id=nope", status: http.StatusNotFound},
		{name: "unknown instrument", path: "/instruments/" + uuid.New().String() + "/cap-usage?rule_id=ppv-online", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, r, "GET", tt.path, nil)
			if rr.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}
