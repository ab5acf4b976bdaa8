package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/pocket-ledger/internal/api/middleware"
	"github.com/dvloznov/pocket-ledger/internal/csvcodec"
	"github.com/dvloznov/pocket-ledger/internal/store"
)

// RouterConfig holds the dependencies shared by all handlers.
type RouterConfig struct {
	Store  *store.Store
	Rates  RateSource
	Parser *csvcodec.Parser
	Now    func() time.Time
	// EnableDev mounts the development endpoints.
	EnableDev bool
}

// NewRouter registers every API route on a new mux.
func NewRouter(cfg RouterConfig, log zerolog.Logger) *http.ServeMux {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	transactions := NewTransactionsHandler(cfg.Store, log)
	summary := NewSummaryHandler(cfg.Store, cfg.Rates, log)
	rates := NewRatesHandler(cfg.Rates, log)
	csv := NewCSVHandler(cfg.Store, cfg.Parser, log)

	mux := http.NewServeMux()

	// Transactions
	mux.HandleFunc("GET /api/transactions", transactions.ListTransactions)
	mux.HandleFunc("POST /api/transactions", transactions.CreateTransaction)
	mux.HandleFunc("PATCH /api/transactions/{id}", transactions.UpdateTransaction)
	mux.HandleFunc("DELETE /api/transactions/{id}", transactions.DeleteTransaction)

	// Undo
	mux.HandleFunc("POST /api/undo", transactions.Undo)
	mux.HandleFunc("DELETE /api/undo", transactions.ClearUndo)

	// Filters and paging
	mux.HandleFunc("GET /api/filters", transactions.GetFilters)
	mux.HandleFunc("PUT /api/filters", transactions.SetFilters)
	mux.HandleFunc("DELETE /api/filters", transactions.ClearFilters)
	mux.HandleFunc("PUT /api/page", transactions.SetPage)
	mux.HandleFunc("POST /api/reset", transactions.Reset)

	// Summary and preferences
	mux.HandleFunc("GET /api/summary", summary.Summary)
	mux.HandleFunc("PUT /api/currency", summary.SetCurrency)
	mux.HandleFunc("POST /api/visibility", summary.ToggleVisibility)

	// Exchange rates
	mux.HandleFunc("GET /api/rates", rates.GetRates)
	mux.HandleFunc("POST /api/rates/refresh", rates.RefreshRates)

	// CSV
	mux.HandleFunc("POST /api/import", csv.Import)
	mux.HandleFunc("GET /api/export", csv.Export)

	if cfg.EnableDev {
		dev := NewDevHandler(cfg.Store, cfg.Now, log)
		mux.HandleFunc("POST /api/dev/seed", dev.Seed)
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   cfg.Now().Format(time.RFC3339),
		})
	})

	return mux
}
