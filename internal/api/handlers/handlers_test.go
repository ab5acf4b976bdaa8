package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/store"
)

type mockRates struct {
	rates currency.Rates
	err   error
	calls int
}

func (m *mockRates) Rates(ctx context.Context) (currency.Rates, error) {
	m.calls++
	return m.rates, m.err
}

func (m *mockRates) Refresh(ctx context.Context) (currency.Rates, error) {
	return m.Rates(ctx)
}

func (m *mockRates) Snapshot() currency.Snapshot {
	snap := currency.Snapshot{Rates: m.rates, Source: currency.SourceProvider}
	if m.err != nil {
		snap.Error = m.err.Error()
	}
	return snap
}

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts ...store.Option) (http.Handler, *store.Store, *mockRates) {
	t.Helper()

	n := 0
	base := []store.Option{
		store.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("tx-%d", n)
		}),
		store.WithClock(func() time.Time { return testNow }),
	}
	s := store.New(append(base, opts...)...)
	rates := &mockRates{rates: currency.FallbackRates()}

	mux := NewRouter(RouterConfig{
		Store:     s,
		Rates:     rates,
		Now:       func() time.Time { return testNow },
		EnableDev: true,
	}, zerolog.Nop())
	return mux, s, rates
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

func TestCreateListAndUndo(t *testing.T) {
	h, s, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/transactions",
		`{"date":"2024-06-01","amount":"100.50","description":"  Salary  ","type":"Deposit"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created mutationResponse
	decodeBody(t, rec, &created)
	if created.Transaction == nil || created.Transaction.ID != "tx-1" || created.Transaction.Description != "Salary" {
		t.Errorf("unexpected created transaction: %+v", created.Transaction)
	}
	if created.Warning != "" {
		t.Errorf("unexpected warning %q", created.Warning)
	}

	rec = do(t, h, http.MethodGet, "/api/transactions", "")
	var list struct {
		Transactions []json.RawMessage `json:"transactions"`
		TotalPages   int               `json:"totalPages"`
		Undo         string            `json:"undo"`
	}
	decodeBody(t, rec, &list)
	if len(list.Transactions) != 1 || list.TotalPages != 1 || list.Undo != "added" {
		t.Errorf("unexpected list: %+v", list)
	}

	rec = do(t, h, http.MethodPost, "/api/undo", "")
	var undone map[string]interface{}
	decodeBody(t, rec, &undone)
	if undone["undone"] != "added" {
		t.Errorf("undone = %v, want added", undone["undone"])
	}
	if len(s.Transactions()) != 0 {
		t.Errorf("transactions left after undo: %d", len(s.Transactions()))
	}

	rec = do(t, h, http.MethodPost, "/api/undo", "")
	decodeBody(t, rec, &undone)
	if undone["undone"] != "none" {
		t.Errorf("second undo = %v, want none", undone["undone"])
	}
}

func TestCreateTransaction_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		details []string
	}{
		{
			name:   "malformed body",
			body:   `{"date":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			body:   `{"date":"2024-06-01","amount":"1","description":"x","type":"Deposit","extra":1}`,
			status: http.StatusBadRequest,
		},
		{
			name:    "insufficient balance",
			body:    `{"date":"2024-06-01","amount":"-10","description":"Coffee","type":"Withdrawal"}`,
			status:  http.StatusUnprocessableEntity,
			details: []string{"Insufficient balance"},
		},
		{
			name:    "blank description",
			body:    `{"date":"2024-06-01","amount":"10","description":"   ","type":"Deposit"}`,
			status:  http.StatusUnprocessableEntity,
			details: []string{"Description is required"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, s, _ := newTestServer(t)

			rec := do(t, h, http.MethodPost, "/api/transactions", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}

			var body errorBody
			decodeBody(t, rec, &body)
			if body.Error == "" {
				t.Error("expected an error message")
			}
			for _, want := range tt.details {
				found := false
				for _, got := range body.Details {
					if strings.Contains(got, want) {
						found = true
					}
				}
				if !found {
					t.Errorf("details %v do not mention %q", body.Details, want)
				}
			}
			if len(s.Transactions()) != 0 {
				t.Error("rejected request must not add a transaction")
			}
		})
	}
}

func TestUpdateTransaction(t *testing.T) {
	h, _, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/api/transactions",
		`{"date":"2024-06-01","amount":"100","description":"Salary","type":"Deposit"}`)

	t.Run("not found", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, "/api/transactions/missing", `{"description":"x"}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("empty update", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, "/api/transactions/tx-1", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("sign mismatch", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, "/api/transactions/tx-1", `{"amount":"-5"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("valid", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, "/api/transactions/tx-1", `{"description":" Bonus ","amount":"250"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var resp mutationResponse
		decodeBody(t, rec, &resp)
		if resp.Transaction.Description != "Bonus" || !resp.Transaction.Amount.Equal(decimal.NewFromInt(250)) {
			t.Errorf("unexpected update result: %+v", resp.Transaction)
		}
	})
}

func TestDeleteAndUndo(t *testing.T) {
	h, s, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/api/transactions",
		`{"date":"2024-06-01","amount":"100","description":"Salary","type":"Deposit"}`)

	if rec := do(t, h, http.MethodDelete, "/api/transactions/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown delete status = %d, want 404", rec.Code)
	}

	rec := do(t, h, http.MethodDelete, "/api/transactions/tx-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if len(s.Transactions()) != 0 {
		t.Fatal("transaction was not deleted")
	}

	rec = do(t, h, http.MethodPost, "/api/undo", "")
	var undone map[string]interface{}
	decodeBody(t, rec, &undone)
	if undone["undone"] != "deleted" {
		t.Errorf("undone = %v, want deleted", undone["undone"])
	}
	if _, err := s.Get("tx-1"); err != nil {
		t.Errorf("transaction not restored: %v", err)
	}
}

func TestFiltersAndPaging(t *testing.T) {
	h, s, _ := newTestServer(t)

	rec := do(t, h, http.MethodPut, "/api/filters", `{"dateFrom":"2024-13-01"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad date status = %d, want 422", rec.Code)
	}

	rec = do(t, h, http.MethodPut, "/api/filters", `{"type":"sideways"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", rec.Code)
	}

	rec = do(t, h, http.MethodPut, "/api/filters", `{"dateFrom":"2024-01-01","type":"Deposit"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set filters status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f := s.Filters(); f.DateFrom != "2024-01-01" || f.Type != domain.TypeDeposit {
		t.Errorf("filters = %+v", f)
	}

	rec = do(t, h, http.MethodDelete, "/api/filters", "")
	if rec.Code != http.StatusOK || !s.Filters().IsZero() {
		t.Errorf("clear filters: status %d, filters %+v", rec.Code, s.Filters())
	}

	rec = do(t, h, http.MethodPut, "/api/page", `{"page":5}`)
	var page map[string]int
	decodeBody(t, rec, &page)
	if page["currentPage"] != 1 || s.CurrentPage() != 1 {
		t.Errorf("page = %v, want clamped to 1", page)
	}
}

func TestSummary(t *testing.T) {
	h, s, rates := newTestServer(t)
	do(t, h, http.MethodPost, "/api/transactions",
		`{"date":"2024-06-01","amount":"100","description":"Salary","type":"Deposit"}`)
	do(t, h, http.MethodPost, "/api/transactions",
		`{"date":"2024-06-02","amount":"-25","description":"Dinner","type":"Withdrawal"}`)

	rec := do(t, h, http.MethodPut, "/api/currency", `{"currency":"usd"}`)
	if rec.Code != http.StatusOK || s.SelectedCurrency() != "USD" {
		t.Fatalf("set currency: status %d, currency %s", rec.Code, s.SelectedCurrency())
	}
	if rec := do(t, h, http.MethodPut, "/api/currency", `{"currency":"XYZ"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported currency status = %d, want 400", rec.Code)
	}

	type summaryBody struct {
		Currency      string     `json:"currency"`
		Visible       bool       `json:"visible"`
		Balance       amountView `json:"balance"`
		TotalIncome   amountView `json:"totalIncome"`
		TotalExpenses amountView `json:"totalExpenses"`
		RatesError    string     `json:"ratesError"`
	}

	var body summaryBody
	decodeBody(t, do(t, h, http.MethodGet, "/api/summary", ""), &body)
	if body.Balance.Formatted != "$81.00" || body.TotalIncome.Formatted != "$108.00" || body.TotalExpenses.Formatted != "$27.00" {
		t.Errorf("unexpected formatted totals: %+v", body)
	}
	if rates.calls == 0 {
		t.Error("summary did not consult the rate source")
	}

	rec = do(t, h, http.MethodPost, "/api/visibility", "")
	var vis map[string]bool
	decodeBody(t, rec, &vis)
	if vis["visible"] {
		t.Fatal("visibility toggle should hide the balance")
	}

	rates.err = fmt.Errorf("provider down")
	body = summaryBody{}
	decodeBody(t, do(t, h, http.MethodGet, "/api/summary", ""), &body)
	if body.Balance.Formatted != maskedAmount || body.Balance.Value != nil {
		t.Errorf("hidden balance leaked: %+v", body.Balance)
	}
	if body.RatesError != "provider down" {
		t.Errorf("ratesError = %q", body.RatesError)
	}
}

func TestImportExport(t *testing.T) {
	h, s, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/import",
		"Date,Amount,Description,Type\n15/01/2024,10,Salary,Deposit\n")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid import status = %d", rec.Code)
	}
	var bad errorBody
	decodeBody(t, rec, &bad)
	if len(bad.Details) != 1 || !strings.HasPrefix(bad.Details[0], "Row 2:") {
		t.Errorf("details = %v", bad.Details)
	}

	csvBody := "Date,Amount,Description,Type\n" +
		"2024-01-15,100.50,Salary,Deposit\n" +
		"2024-01-16,-50.25,\"Dinner, drinks\",Withdrawal\n"
	rec = do(t, h, http.MethodPost, "/api/import", csvBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result map[string]int
	decodeBody(t, rec, &result)
	if result["imported"] != 2 || len(s.Transactions()) != 2 {
		t.Errorf("import result = %v", result)
	}

	rec = do(t, h, http.MethodGet, "/api/export", "")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "transactions.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "Date,Amount,Description,Type\n") || !strings.Contains(rec.Body.String(), `"Dinner, drinks"`) {
		t.Errorf("unexpected export:\n%s", rec.Body.String())
	}
}

func TestStorageFailureIsAWarning(t *testing.T) {
	h, s, _ := newTestServer(t, store.WithBlobStore(blobstore.NewMemory(blobstore.WithQuota(10))))

	rec := do(t, h, http.MethodPost, "/api/transactions",
		`{"date":"2024-06-01","amount":"100","description":"Salary","type":"Deposit"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp mutationResponse
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Warning, "quota") {
		t.Errorf("warning = %q, want quota warning", resp.Warning)
	}
	if len(s.Transactions()) != 1 {
		t.Error("mutation must be applied even when persistence fails")
	}
}

func TestSeedAndReset(t *testing.T) {
	h, s, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/dev/seed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("seed status = %d", rec.Code)
	}
	if len(s.Transactions()) == 0 {
		t.Fatal("seed added nothing")
	}

	rec = do(t, h, http.MethodPost, "/api/reset", "")
	if rec.Code != http.StatusOK || len(s.Transactions()) != 0 {
		t.Errorf("reset: status %d, %d transactions left", rec.Code, len(s.Transactions()))
	}
}

func TestRates(t *testing.T) {
	h, _, _ := newTestServer(t)

	for _, path := range []string{"/api/rates", "/api/rates/refresh"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "refresh") {
			method = http.MethodPost
		}
		var snap currency.Snapshot
		decodeBody(t, do(t, h, method, path, ""), &snap)
		if snap.Source != currency.SourceProvider || !snap.Rates["USD"].Equal(decimal.RequireFromString("1.08")) {
			t.Errorf("%s: unexpected snapshot %+v", path, snap)
		}
	}
}

func TestHealthAndMethods(t *testing.T) {
	h, _, _ := newTestServer(t)

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/api/transactions", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /api/transactions status = %d, want 405", rec.Code)
	}
}
