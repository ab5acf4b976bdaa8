package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/config"
	"github.com/dvloznov/pocket-ledger/internal/csvcodec"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/logger"
	"github.com/dvloznov/pocket-ledger/internal/seed"
	"github.com/dvloznov/pocket-ledger/internal/store"
	"github.com/dvloznov/pocket-ledger/internal/validation"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	switch os.Args[1] {
	case "add":
		runAdd(cfg, log)
	case "list":
		runList(cfg, log)
	case "balance":
		runBalance(cfg, log)
	case "delete":
		runDelete(cfg, log)
	case "import":
		runImport(cfg, log)
	case "export":
		runExport(cfg, log)
	case "reset":
		runReset(cfg, log)
	case "seed":
		runSeed(cfg, log)
	case "currency":
		runCurrency(cfg, log)
	case "rates":
		runRates(cfg, log)
	case "keys":
		runKeys(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Pocket Ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  add       Record a deposit or withdrawal")
	fmt.Println("  list      List transactions, newest first")
	fmt.Println("  balance   Show balance and totals in a display currency")
	fmt.Println("  delete    Delete a transaction by ID")
	fmt.Println("  import    Import transactions from a CSV file")
	fmt.Println("  export    Export all transactions to a CSV file")
	fmt.Println("  reset     Remove every transaction")
	fmt.Println("  seed      Add sample transactions")
	fmt.Println("  currency  Set the display currency")
	fmt.Println("  rates     Show current exchange rates")
	fmt.Println("  keys      List keys in the configured storage")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nStorage is configured with LEDGER_STORAGE, LEDGER_DATA_DIR and LEDGER_GCS_BUCKET.")
	fmt.Println("Run 'cli <command> -h' for more information on a command.")
}

// ledger bundles the opened storage and store for a single command.
type ledger struct {
	blobs blobstore.Store
	store *store.Store
}

func (l *ledger) Close() {
	if c, ok := l.blobs.(io.Closer); ok {
		c.Close()
	}
}

func openLedger(ctx context.Context, cfg config.Config, log zerolog.Logger) *ledger {
	if cfg.Storage.Backend == blobstore.BackendMemory {
		log.Warn().Msg("Using in-memory storage - changes will not outlive this command. Set LEDGER_STORAGE=file to keep them.")
	}

	blobs, err := blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open storage")
	}

	s, err := store.Open(ctx,
		store.WithBlobStore(blobs),
		store.WithKey(cfg.StateKey),
		store.WithLogger(log),
	)
	if err != nil {
		log.Fatal().Err(err).Str("key", cfg.StateKey).Msg("Failed to load ledger")
	}
	return &ledger{blobs: blobs, store: s}
}

func newRateService(cfg config.Config, blobs blobstore.Store, log zerolog.Logger) *currency.Service {
	return currency.NewService(
		currency.NewHTTPProvider(cfg.RatesURL, cfg.HTTPTimeout),
		currency.WithBlobStore(blobs),
		currency.WithTTL(cfg.RatesTTL),
		currency.WithLogger(log),
	)
}

// check exits on hard errors and reports persistence failures, which leave
// the change unsaved.
func check(log zerolog.Logger, err error, action string) {
	if err == nil {
		return
	}
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		log.Fatal().Err(err).Msg(action + " applied but could not be saved")
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for _, msg := range verrs.Messages() {
			fmt.Fprintln(os.Stderr, "  -", msg)
		}
		log.Fatal().Msg(action + " failed validation")
	}
	log.Fatal().Err(err).Msg(action + " failed")
}

func runAdd(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	date := fs.String("date", civil.DateOf(time.Now()).String(), "Transaction date (YYYY-MM-DD)")
	amount := fs.String("amount", "", "Signed amount, negative for withdrawals")
	description := fs.String("description", "", "Description")
	typ := fs.String("type", "", "Deposit or Withdrawal (defaults from the amount sign)")
	fs.Parse(os.Args[2:])

	if *amount == "" || *description == "" {
		log.Fatal().Msg("Usage: cli add -amount N -description TEXT [-date YYYY-MM-DD] [-type Deposit|Withdrawal]")
	}

	value, err := decimal.NewFromString(*amount)
	if err != nil {
		log.Fatal().Err(err).Str("amount", *amount).Msg("Invalid amount")
	}

	txType := domain.TransactionType(*typ)
	if txType == "" {
		txType = domain.Deposit
		if value.IsNegative() {
			txType = domain.Withdrawal
		}
	}

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	tx, err := l.store.AddValidated(ctx, domain.Draft{
		Date:        *date,
		Amount:      value,
		Description: strings.TrimSpace(*description),
		Type:        txType,
	})
	check(log, err, "Add")

	fmt.Printf("Added %s %s on %s (%s)\n", tx.Type, tx.Amount.StringFixed(2), tx.Date, tx.ID)
}

func runList(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	page := fs.Int("page", 1, "Page number")
	from := fs.String("from", "", "Earliest date (YYYY-MM-DD)")
	to := fs.String("to", "", "Latest date (YYYY-MM-DD)")
	search := fs.String("search", "", "Case-insensitive description filter")
	typ := fs.String("type", string(domain.TypeAll), "All, Deposit or Withdrawal")
	fs.Parse(os.Args[2:])

	for _, bound := range []string{*from, *to} {
		if bound == "" {
			continue
		}
		if _, err := validation.ParseDate(bound); err != nil {
			log.Fatal().Err(err).Msg("Invalid date filter")
		}
	}

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	filterType := domain.TypeFilter(*typ)
	if err := l.store.SetFilters(domain.FilterPatch{
		DateFrom:    from,
		DateTo:      to,
		Description: search,
		Type:        &filterType,
	}); err != nil {
		log.Fatal().Err(err).Msg("Invalid filter")
	}
	l.store.SetCurrentPage(min(*page, l.store.TotalPages()))

	p := l.store.Page()
	if p.FilteredCount == 0 {
		fmt.Println("No transactions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Date", "Type", "Description", "Amount"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
	})
	for _, tx := range p.Transactions {
		table.Append([]string{tx.ID, tx.Date, string(tx.Type), tx.Description, tx.Amount.StringFixed(2)})
	}
	table.Render()

	fmt.Printf("Page %d of %d (%d transactions)\n", p.CurrentPage, p.TotalPages, p.FilteredCount)
}

func runBalance(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	code := fs.String("currency", "", "Display currency (defaults to the saved one)")
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout+5*time.Second)
	defer cancel()

	l := openLedger(ctx, cfg, log)
	defer l.Close()

	display := l.store.SelectedCurrency()
	if *code != "" {
		normalized, err := currency.Normalize(*code)
		if err != nil {
			log.Fatal().Err(err).Msg("Unsupported currency")
		}
		display = normalized
	}

	rates, err := newRateService(cfg, l.blobs, log).Rates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Using fallback exchange rates")
	}

	summary := l.store.Summary()
	format := func(amount decimal.Decimal) string {
		converted := currency.Convert(amount, display, rates)
		s := currency.Format(converted, display)
		if converted.IsNegative() {
			s = "-" + s
		}
		return s
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", display})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.Append([]string{"Balance", format(summary.Balance)})
	table.Append([]string{"Income", format(summary.TotalIncome)})
	table.Append([]string{"Expenses", format(summary.TotalExpenses)})
	table.Render()
}

func runDelete(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "Transaction ID")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: --id is required")
	}

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	tx, err := l.store.Delete(ctx, *id)
	check(log, err, "Delete")

	fmt.Printf("Deleted %s: %s %s\n", tx.ID, tx.Description, tx.Amount.StringFixed(2))
}

func runImport(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	filePath := fs.String("file", "", "Path to a CSV file")
	fs.Parse(os.Args[2:])

	if *filePath == "" {
		log.Fatal().Msg("Usage: cli import -file PATH.csv")
	}
	if !strings.EqualFold(filepath.Ext(*filePath), ".csv") {
		log.Fatal().Str("file", *filePath).Msg("Please select a CSV file")
	}

	f, err := os.Open(*filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file")
	}
	defer f.Close()

	txs, err := csvcodec.Parse(f)
	if err != nil {
		var importErr *csvcodec.ImportError
		if errors.As(err, &importErr) {
			for _, row := range importErr.Rows {
				fmt.Fprintln(os.Stderr, "  -", row)
			}
		}
		log.Fatal().Err(err).Str("file", *filePath).Msg("Import rejected")
	}

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	result, err := l.store.ImportMany(ctx, txs)
	check(log, err, "Import")

	fmt.Printf("Imported %d transactions (%d duplicates skipped)\n", result.Imported, result.Duplicates)
}

func runExport(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	filePath := fs.String("file", "transactions.csv", "Output CSV path, - for stdout")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	txs := l.store.Transactions()
	if len(txs) == 0 {
		log.Fatal().Msg("No transactions to export")
	}

	if *filePath == "-" {
		if err := csvcodec.Write(os.Stdout, txs); err != nil {
			log.Fatal().Err(err).Msg("Export failed")
		}
		return
	}

	data, err := csvcodec.Marshal(txs)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}
	if err := os.WriteFile(*filePath, data, 0o644); err != nil {
		log.Fatal().Err(err).Str("file", *filePath).Msg("Failed to write export")
	}

	fmt.Printf("Exported %d transactions to %s\n", len(txs), *filePath)
}

func runReset(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm removing every transaction")
	fs.Parse(os.Args[2:])

	if !*confirm {
		log.Fatal().Msg("Refusing to reset without -yes")
	}

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	check(log, l.store.Reset(ctx), "Reset")
	fmt.Println("Ledger reset.")
}

func runSeed(cfg config.Config, log zerolog.Logger) {
	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	n, err := seed.Load(ctx, l.store, civil.DateOf(time.Now()))
	check(log, err, "Seed")

	fmt.Printf("Seeded %d sample transactions.\n", n)
}

func runCurrency(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("currency", flag.ExitOnError)
	code := fs.String("code", "", "Currency code: "+strings.Join(currency.Supported(), ", "))
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	l := openLedger(ctx, cfg, log)
	defer l.Close()

	if *code == "" {
		fmt.Println(l.store.SelectedCurrency())
		return
	}

	check(log, l.store.SetSelectedCurrency(ctx, *code), "Set currency")
	fmt.Printf("Display currency set to %s\n", l.store.SelectedCurrency())
}

func runRates(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("rates", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "Ignore cached rates")
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout+5*time.Second)
	defer cancel()

	blobs, err := blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}

	svc := newRateService(cfg, blobs, log)
	if *refresh {
		_, err = svc.Refresh(ctx)
	} else {
		_, err = svc.Rates(ctx)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Exchange rate fetch failed")
	}

	snap := svc.Snapshot()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Currency", "Symbol", "Rate"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	for _, code := range currency.Supported() {
		table.Append([]string{code, currency.Symbol(code), snap.Rates.Rate(code).String()})
	}
	table.Render()

	fmt.Printf("Source: %s, fetched %s\n", snap.Source, snap.FetchedAt.Format(time.RFC3339))
}

func runKeys(cfg config.Config, log zerolog.Logger) {
	ctx := context.Background()
	blobs, err := blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}

	keys, err := blobs.Keys(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list keys")
	}
	for _, k := range keys {
		fmt.Println(k)
	}
}
