// Package views derives read models from a transaction collection: totals,
// the filtered and sorted listing, and its pages. Every function is pure and
// never modifies its input.
package views

import (
	"cmp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/domain"
)

// PageSize is the fixed number of rows per page.
const PageSize = 20

// Summary groups the collection totals.
type Summary struct {
	Balance       decimal.Decimal `json:"balance"`
	TotalIncome   decimal.Decimal `json:"totalIncome"`
	TotalExpenses decimal.Decimal `json:"totalExpenses"`
}

// Balance returns the sum of all amounts.
func Balance(txs []domain.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	return sum
}

// TotalIncome returns the sum of positive amounts.
func TotalIncome(txs []domain.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		if tx.Amount.IsPositive() {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

// TotalExpenses returns the absolute sum of negative amounts.
func TotalExpenses(txs []domain.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		if tx.Amount.IsNegative() {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum.Abs()
}

// Summarize computes all totals in one pass.
func Summarize(txs []domain.Transaction) Summary {
	income, expenses := decimal.Zero, decimal.Zero
	for _, tx := range txs {
		switch {
		case tx.Amount.IsPositive():
			income = income.Add(tx.Amount)
		case tx.Amount.IsNegative():
			expenses = expenses.Add(tx.Amount)
		}
	}
	return Summary{
		Balance:       income.Add(expenses),
		TotalIncome:   income,
		TotalExpenses: expenses.Abs(),
	}
}

// Matches reports whether tx passes every active filter.
func Matches(tx domain.Transaction, f domain.Filters) bool {
	if f.DateFrom != "" && tx.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && tx.Date > f.DateTo {
		return false
	}
	if needle := strings.ToLower(strings.TrimSpace(f.Description)); needle != "" {
		if !strings.Contains(strings.ToLower(tx.Description), needle) {
			return false
		}
	}
	if f.Type != "" && f.Type != domain.TypeAll && string(tx.Type) != string(f.Type) {
		return false
	}
	return true
}

// Filter returns the transactions matching f, newest first.
func Filter(txs []domain.Transaction, f domain.Filters) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if Matches(tx, f) {
			out = append(out, tx)
		}
	}
	Sort(out)
	return out
}

// Sort orders txs in place by date descending, then CreatedAt descending.
// Equal keys keep their relative order.
func Sort(txs []domain.Transaction) {
	slices.SortStableFunc(txs, func(a, b domain.Transaction) int {
		if c := cmp.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return cmp.Compare(b.CreatedAt, a.CreatedAt)
	})
}

// Paginate returns the 1-based page of txs. Pages outside the range yield an
// empty slice.
func Paginate(txs []domain.Transaction, page, size int) []domain.Transaction {
	if page < 1 || size < 1 {
		return []domain.Transaction{}
	}
	start := (page - 1) * size
	if start >= len(txs) {
		return []domain.Transaction{}
	}
	end := min(start+size, len(txs))
	return slices.Clone(txs[start:end])
}

// TotalPages returns ceil(count/size), never less than 1.
func TotalPages(count, size int) int {
	if size < 1 || count <= 0 {
		return 1
	}
	return (count + size - 1) / size
}
