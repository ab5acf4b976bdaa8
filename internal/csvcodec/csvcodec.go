// Package csvcodec reads and writes the four-column transaction CSV format:
//
//	Date,Amount,Description,Type
//	2024-01-15,100.50,Salary,Deposit
//	2024-01-16,-50.25,Grocery,Withdrawal
//
// Imports are all-or-nothing: a single bad row rejects the whole file.
package csvcodec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/validation"
)

// Header is the column order used for export and expected on import.
var Header = []string{"Date", "Amount", "Description", "Type"}

// ErrNoTransactions is returned when a file yields no importable rows.
var ErrNoTransactions = errors.New("no valid transactions found in CSV file")

// RowError is a validation failure on one data row. Row counts the header as
// row 1, so the first data row is row 2.
type RowError struct {
	Row     int
	Message string
}

func (e RowError) String() string {
	return fmt.Sprintf("Row %d: %s", e.Row, e.Message)
}

// ImportError aggregates every failing row of a rejected import.
type ImportError struct {
	Rows  []RowError
	Valid int // rows that passed validation but were discarded
}

func (e *ImportError) Error() string {
	lines := make([]string, 0, len(e.Rows)+1)
	lines = append(lines, "CSV validation errors:")
	for _, r := range e.Rows {
		lines = append(lines, r.String())
	}
	return strings.Join(lines, "\n")
}

// Unwrap reports ErrNoTransactions when not a single row was valid.
func (e *ImportError) Unwrap() error {
	if e.Valid == 0 {
		return ErrNoTransactions
	}
	return nil
}

// Parser turns CSV input into fresh transactions.
type Parser struct {
	newID func() string
	now   func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithIDGenerator overrides how ids are minted for imported rows.
func WithIDGenerator(fn func() string) Option {
	return func(p *Parser) { p.newID = fn }
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(fn func() time.Time) Option {
	return func(p *Parser) { p.now = fn }
}

// NewParser creates a parser with uuid ids and the wall clock.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse reads CSV input with the default parser.
func Parse(r io.Reader) ([]domain.Transaction, error) {
	return NewParser().Parse(r)
}

// Parse reads a header row followed by data rows. Columns are matched by
// header name, so their order does not matter. Every row is validated
// independently; if any row fails an *ImportError listing all failures is
// returned and no transactions are produced.
func (p *Parser) Parse(r io.Reader) ([]domain.Transaction, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSV parsing error: %w", err)
	}
	if len(records) < 2 {
		return nil, ErrNoTransactions
	}

	columns := indexColumns(records[0])
	createdAt := p.now().UnixMilli()

	var (
		txs   []domain.Transaction
		errs  []RowError
		valid int
	)
	for i, record := range records[1:] {
		rowNumber := i + 2

		draft, msg := parseRow(record, columns)
		if msg != "" {
			errs = append(errs, RowError{Row: rowNumber, Message: msg})
			continue
		}

		valid++
		txs = append(txs, draft.Transaction(p.newID(), createdAt))
	}

	if len(errs) > 0 {
		return nil, &ImportError{Rows: errs, Valid: valid}
	}
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}
	return txs, nil
}

type columnIndex map[string]int

func indexColumns(header []string) columnIndex {
	idx := make(columnIndex, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, seen := idx[name]; !seen {
			idx[name] = i
		}
	}
	return idx
}

func (c columnIndex) field(record []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(record) {
		return ""
	}
	return record[i]
}

// parseRow returns the draft for a record, or a non-empty message describing
// the first check it fails.
func parseRow(record []string, columns columnIndex) (domain.Draft, string) {
	date := strings.TrimSpace(columns.field(record, "Date"))
	amountStr := strings.TrimSpace(columns.field(record, "Amount"))
	desc := columns.field(record, "Description")
	typ := strings.TrimSpace(columns.field(record, "Type"))

	if date == "" || amountStr == "" || desc == "" || typ == "" {
		return domain.Draft{}, "Missing required fields"
	}

	if _, err := validation.ParseDate(date); err != nil {
		if errors.Is(err, validation.ErrInvalidDateFormat) {
			return domain.Draft{}, fmt.Sprintf("Invalid date format. Expected YYYY-MM-DD, got %s", date)
		}
		return domain.Draft{}, fmt.Sprintf("Invalid date: %s", date)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil || amount.IsZero() {
		return domain.Draft{}, fmt.Sprintf("Invalid amount. Must be a non-zero number, got %s", amountStr)
	}

	txType := domain.TransactionType(typ)
	if !txType.Valid() {
		return domain.Draft{}, fmt.Sprintf("Invalid type. Must be 'Deposit' or 'Withdrawal', got %s", typ)
	}

	if amount.Sign() != txType.Sign() {
		direction := "positive"
		if txType.Sign() < 0 {
			direction = "negative"
		}
		return domain.Draft{}, fmt.Sprintf("Amount sign doesn't match type. %s should be %s, got %s",
			txType, direction, amount.String())
	}

	if err := validation.ValidateDescription(desc); err != nil {
		if errors.Is(err, validation.ErrEmptyDescription) {
			return domain.Draft{}, "Description cannot be empty"
		}
		return domain.Draft{}, err.Error()
	}

	return domain.Draft{
		Date:        date,
		Amount:      amount,
		Description: strings.TrimSpace(desc),
		Type:        txType,
	}, ""
}

// Write serializes transactions in the import format, header first.
// Amounts are written as plain decimals.
func Write(w io.Writer, txs []domain.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("Write: header: %w", err)
	}
	for i, tx := range txs {
		record := []string{tx.Date, tx.Amount.String(), tx.Description, string(tx.Type)}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("Write: transaction %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("Write: flush: %w", err)
	}
	return nil
}

// Marshal returns the CSV encoding of txs.
func Marshal(txs []domain.Transaction) ([]byte, error) {
	var b strings.Builder
	if err := Write(&b, txs); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
