package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/api/middleware"
	"github.com/dvloznov/pocket-ledger/internal/csvcodec"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/logger"
	"github.com/dvloznov/pocket-ledger/internal/seed"
	"github.com/dvloznov/pocket-ledger/internal/store"
	"github.com/dvloznov/pocket-ledger/internal/validation"
)

// maxImportBytes caps the size of an uploaded CSV file.
const maxImportBytes = 5 << 20

// RateSource provides exchange rates for display conversion.
type RateSource interface {
	Rates(ctx context.Context) (currency.Rates, error)
	Refresh(ctx context.Context) (currency.Rates, error)
	Snapshot() currency.Snapshot
}

// writeStoreError maps a store or validation error to a response.
func writeStoreError(w http.ResponseWriter, log zerolog.Logger, err error, action string) {
	var (
		verrs     validation.Errors
		verr      *validation.Error
		importErr *csvcodec.ImportError
	)
	switch {
	case errors.As(err, &verrs):
		middleware.WriteErrors(w, http.StatusUnprocessableEntity, "Validation failed", verrs.Messages())
	case errors.As(err, &verr):
		middleware.WriteErrors(w, http.StatusUnprocessableEntity, "Validation failed", []string{verr.Message})
	case errors.Is(err, store.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
	case errors.As(err, &importErr):
		details := make([]string, 0, len(importErr.Rows))
		for _, row := range importErr.Rows {
			details = append(details, row.String())
		}
		middleware.WriteErrors(w, http.StatusBadRequest, "CSV validation errors", details)
	case errors.Is(err, csvcodec.ErrNoTransactions):
		middleware.WriteError(w, http.StatusBadRequest, "No valid transactions found in CSV file")
	case errors.Is(err, store.ErrInvalidFilter), errors.Is(err, store.ErrInvalidImport),
		errors.Is(err, currency.ErrUnsupportedCurrency):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Failed to " + action)
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

// storageWarning splits a mutation error into a user-facing warning for
// persistence failures and a hard error for everything else.
func storageWarning(log zerolog.Logger, err error) (string, error) {
	var storageErr *store.StorageError
	if err == nil || !errors.As(err, &storageErr) {
		return "", err
	}
	log.Warn().Err(err).Msg("Change applied but not saved")
	switch {
	case storageErr.QuotaExceeded():
		return "Storage quota exceeded. Changes were applied but not saved.", nil
	case storageErr.AccessDenied():
		return "Storage access denied. Changes were applied but not saved.", nil
	default:
		return "Failed to save changes. They will be lost on restart.", nil
	}
}

// requestLogger prefers the request-scoped logger set by middleware.Logger.
func requestLogger(r *http.Request, fallback zerolog.Logger) zerolog.Logger {
	if l, ok := r.Context().Value(logger.LoggerKey).(zerolog.Logger); ok {
		return l
	}
	return fallback
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type listResponse struct {
	store.Page
	Undo            string              `json:"undo"`
	UndoTransaction *domain.Transaction `json:"undoTransaction,omitempty"`
}

type mutationResponse struct {
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Warning     string              `json:"warning,omitempty"`
}

// TransactionsHandler serves the transaction collection, undo, filters and
// paging.
type TransactionsHandler struct {
	store *store.Store
	log   zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(s *store.Store, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		store: s,
		log:   log,
	}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	undo := h.store.Undo()
	resp := listResponse{
		Page: h.store.Page(),
		Undo: undo.Kind().String(),
	}
	if tx, ok := undo.Transaction(); ok {
		resp.UndoTransaction = &tx
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// CreateTransaction handles POST /api/transactions
func (h *TransactionsHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	var draft domain.Draft
	if err := decodeJSON(r, &draft); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	draft.Description = strings.TrimSpace(draft.Description)

	tx, err := h.store.AddValidated(r.Context(), draft)
	warning, err := storageWarning(log, err)
	if err != nil {
		writeStoreError(w, log, err, "add transaction")
		return
	}

	log.Info().Str("id", tx.ID).Str("type", string(tx.Type)).Msg("Transaction added")
	middleware.WriteJSON(w, http.StatusCreated, mutationResponse{Transaction: &tx, Warning: warning})
}

// UpdateTransaction handles PATCH /api/transactions/{id}
func (h *TransactionsHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	id := r.PathValue("id")

	var upd domain.Update
	if err := decodeJSON(r, &upd); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if upd.IsEmpty() {
		middleware.WriteError(w, http.StatusBadRequest, "No fields to update")
		return
	}
	if upd.Description != nil {
		trimmed := strings.TrimSpace(*upd.Description)
		upd.Description = &trimmed
	}

	tx, err := h.store.UpdateValidated(r.Context(), id, upd)
	warning, err := storageWarning(log, err)
	if err != nil {
		writeStoreError(w, log, err, "update transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, mutationResponse{Transaction: &tx, Warning: warning})
}

// DeleteTransaction handles DELETE /api/transactions/{id}
func (h *TransactionsHandler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	id := r.PathValue("id")

	tx, err := h.store.Delete(r.Context(), id)
	warning, err := storageWarning(log, err)
	if err != nil {
		writeStoreError(w, log, err, "delete transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, mutationResponse{Transaction: &tx, Warning: warning})
}

// Undo handles POST /api/undo. It reverts whichever operation the undo slot
// remembers.
func (h *TransactionsHandler) Undo(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	ctx := r.Context()
	kind := h.store.Undo().Kind()

	var (
		tx  domain.Transaction
		ok  bool
		err error
	)
	switch kind {
	case domain.UndoAdded:
		tx, ok, err = h.store.UndoAdd(ctx)
	case domain.UndoDeleted:
		tx, ok, err = h.store.UndoDelete(ctx)
	}

	warning, err := storageWarning(log, err)
	if err != nil {
		writeStoreError(w, log, err, "undo")
		return
	}
	if !ok {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"undone": domain.UndoNone.String()})
		return
	}

	resp := map[string]interface{}{
		"undone":      kind.String(),
		"transaction": tx,
	}
	if warning != "" {
		resp["warning"] = warning
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ClearUndo handles DELETE /api/undo
func (h *TransactionsHandler) ClearUndo(w http.ResponseWriter, r *http.Request) {
	h.store.ClearUndo()
	w.WriteHeader(http.StatusNoContent)
}

// GetFilters handles GET /api/filters
func (h *TransactionsHandler) GetFilters(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.store.Filters())
}

// SetFilters handles PUT /api/filters
func (h *TransactionsHandler) SetFilters(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	var patch domain.FilterPatch
	if err := decodeJSON(r, &patch); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var errs validation.Errors
	for _, bound := range []*string{patch.DateFrom, patch.DateTo} {
		if bound == nil || *bound == "" {
			continue
		}
		if _, err := validation.ParseDate(*bound); err != nil {
			var verr *validation.Error
			if errors.As(err, &verr) {
				errs = append(errs, verr)
			}
		}
	}
	if len(errs) > 0 {
		writeStoreError(w, log, errs, "set filters")
		return
	}

	if err := h.store.SetFilters(patch); err != nil {
		writeStoreError(w, log, err, "set filters")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.store.Filters())
}

// ClearFilters handles DELETE /api/filters
func (h *TransactionsHandler) ClearFilters(w http.ResponseWriter, r *http.Request) {
	h.store.ClearFilters()
	middleware.WriteJSON(w, http.StatusOK, h.store.Filters())
}

// SetPage handles PUT /api/page. The requested page is clamped to the
// available range.
func (h *TransactionsHandler) SetPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Page int `json:"page"`
	}
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	page := max(1, min(req.Page, h.store.TotalPages()))
	h.store.SetCurrentPage(page)
	middleware.WriteJSON(w, http.StatusOK, map[string]int{
		"currentPage": page,
		"totalPages":  h.store.TotalPages(),
	})
}

// Reset handles POST /api/reset
func (h *TransactionsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	warning, err := storageWarning(log, h.store.Reset(r.Context()))
	if err != nil {
		writeStoreError(w, log, err, "reset ledger")
		return
	}

	log.Info().Msg("Ledger reset")
	middleware.WriteJSON(w, http.StatusOK, mutationResponse{Warning: warning})
}

// SummaryHandler serves totals and display preferences.
type SummaryHandler struct {
	store *store.Store
	rates RateSource
	log   zerolog.Logger
}

// NewSummaryHandler creates a new summary handler.
func NewSummaryHandler(s *store.Store, rates RateSource, log zerolog.Logger) *SummaryHandler {
	return &SummaryHandler{
		store: s,
		rates: rates,
		log:   log,
	}
}

type amountView struct {
	Value     *decimal.Decimal `json:"value,omitempty"`
	Formatted string           `json:"formatted"`
}

const maskedAmount = "••••••"

// Summary handles GET /api/summary. Totals are converted to the selected
// currency and masked when the balance is hidden.
func (h *SummaryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	code := h.store.SelectedCurrency()
	visible := h.store.BalanceVisible()
	summary := h.store.Summary()

	rates, rateErr := h.rates.Rates(r.Context())
	if rateErr != nil {
		log.Warn().Err(rateErr).Msg("Serving summary with degraded exchange rates")
	}

	view := func(amount decimal.Decimal) amountView {
		if !visible {
			return amountView{Formatted: maskedAmount}
		}
		converted := currency.Convert(amount, code, rates).Round(2)
		formatted := currency.Format(converted, code)
		if converted.IsNegative() {
			formatted = "-" + formatted
		}
		return amountView{Value: &converted, Formatted: formatted}
	}

	resp := map[string]interface{}{
		"currency":      code,
		"symbol":        currency.Symbol(code),
		"rate":          rates.Rate(code),
		"visible":       visible,
		"balance":       view(summary.Balance),
		"totalIncome":   view(summary.TotalIncome),
		"totalExpenses": view(summary.TotalExpenses),
	}
	if rateErr != nil {
		resp["ratesError"] = rateErr.Error()
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// SetCurrency handles PUT /api/currency
func (h *SummaryHandler) SetCurrency(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	var req struct {
		Currency string `json:"currency"`
	}
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	warning, err := storageWarning(log, h.store.SetSelectedCurrency(r.Context(), req.Currency))
	if err != nil {
		writeStoreError(w, log, err, "set currency")
		return
	}

	resp := map[string]string{"currency": h.store.SelectedCurrency()}
	if warning != "" {
		resp["warning"] = warning
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ToggleVisibility handles POST /api/visibility
func (h *SummaryHandler) ToggleVisibility(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{
		"visible": h.store.ToggleBalanceVisibility(),
	})
}

// RatesHandler exposes the exchange rate service.
type RatesHandler struct {
	rates RateSource
	log   zerolog.Logger
}

// NewRatesHandler creates a new rates handler.
func NewRatesHandler(rates RateSource, log zerolog.Logger) *RatesHandler {
	return &RatesHandler{
		rates: rates,
		log:   log,
	}
}

// GetRates handles GET /api/rates
func (h *RatesHandler) GetRates(w http.ResponseWriter, r *http.Request) {
	// the error is reported through the snapshot
	_, _ = h.rates.Rates(r.Context())
	middleware.WriteJSON(w, http.StatusOK, h.rates.Snapshot())
}

// RefreshRates handles POST /api/rates/refresh
func (h *RatesHandler) RefreshRates(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	if _, err := h.rates.Refresh(r.Context()); err != nil {
		log.Warn().Err(err).Msg("Exchange rate refresh failed")
	}
	middleware.WriteJSON(w, http.StatusOK, h.rates.Snapshot())
}

// CSVHandler imports and exports the CSV format.
type CSVHandler struct {
	store  *store.Store
	parser *csvcodec.Parser
	log    zerolog.Logger
}

// NewCSVHandler creates a new CSV handler.
func NewCSVHandler(s *store.Store, parser *csvcodec.Parser, log zerolog.Logger) *CSVHandler {
	if parser == nil {
		parser = csvcodec.NewParser()
	}
	return &CSVHandler{
		store:  s,
		parser: parser,
		log:    log,
	}
}

// Import handles POST /api/import with a text/csv body.
func (h *CSVHandler) Import(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)

	txs, err := h.parser.Parse(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "CSV file too large")
			return
		}
		if errors.As(err, new(*csvcodec.ImportError)) || errors.Is(err, csvcodec.ErrNoTransactions) {
			writeStoreError(w, log, err, "import transactions")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.store.ImportMany(r.Context(), txs)
	warning, err := storageWarning(log, err)
	if err != nil {
		writeStoreError(w, log, err, "import transactions")
		return
	}

	log.Info().Int("imported", result.Imported).Int("duplicates", result.Duplicates).Msg("CSV imported")
	resp := map[string]interface{}{
		"imported":   result.Imported,
		"duplicates": result.Duplicates,
	}
	if warning != "" {
		resp["warning"] = warning
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// Export handles GET /api/export. The whole unfiltered collection is
// written.
func (h *CSVHandler) Export(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	data, err := csvcodec.Marshal(h.store.Transactions())
	if err != nil {
		log.Error().Err(err).Msg("Failed to export transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to export transactions")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DevHandler exposes development helpers.
type DevHandler struct {
	store *store.Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewDevHandler creates a new dev handler.
func NewDevHandler(s *store.Store, now func() time.Time, log zerolog.Logger) *DevHandler {
	if now == nil {
		now = time.Now
	}
	return &DevHandler{
		store: s,
		now:   now,
		log:   log,
	}
}

// Seed handles POST /api/dev/seed
func (h *DevHandler) Seed(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, h.log)
	n, err := seed.Load(r.Context(), h.store, civil.DateOf(h.now()))
	warning, err := storageWarning(log, err)
	if err != nil {
		writeStoreError(w, log, err, "seed transactions")
		return
	}

	log.Info().Int("count", n).Msg("Seeded sample transactions")
	resp := map[string]interface{}{
		"seeded":  n,
		"message": fmt.Sprintf("Seeded %d sample transactions", n),
	}
	if warning != "" {
		resp["warning"] = warning
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
