// Package seed provides sample transactions for demos and local testing.
package seed

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/store"
)

type sample struct {
	daysAgo     int
	amount      string
	description string
}

var samples = []sample{
	{0, "2500.00", "Salary"},
	{2, "500.00", "Freelance Project"},
	{5, "150.00", "Refund - Online Purchase"},
	{7, "1200.00", "Investment Return"},
	{1, "-85.50", "Grocery Shopping"},
	{3, "-45.00", "Restaurant Dinner"},
	{4, "-120.00", "Gas Station"},
	{6, "-299.99", "Online Shopping"},
	{8, "-75.25", "Coffee Shop"},
	{10, "-200.00", "Utility Bill"},
	{12, "-50.00", "Pharmacy"},
	{15, "-350.00", "Monthly Subscription"},
	{18, "-125.50", "Bookstore"},
	{20, "-89.99", "Streaming Service"},
}

// Drafts returns the sample transactions dated relative to today.
func Drafts(today civil.Date) []domain.Draft {
	drafts := make([]domain.Draft, 0, len(samples))
	for _, s := range samples {
		amount := decimal.RequireFromString(s.amount)
		typ := domain.Deposit
		if amount.IsNegative() {
			typ = domain.Withdrawal
		}
		drafts = append(drafts, domain.Draft{
			Date:        today.AddDays(-s.daysAgo).String(),
			Amount:      amount,
			Description: s.description,
			Type:        typ,
		})
	}
	return drafts
}

// Load adds every sample to s and returns how many were added. Persistence
// failures do not stop seeding; the last one is returned.
func Load(ctx context.Context, s *store.Store, today civil.Date) (int, error) {
	var (
		added      int
		storageErr error
	)
	for _, d := range Drafts(today) {
		_, err := s.Add(ctx, d)
		var se *store.StorageError
		switch {
		case err == nil:
		case errors.As(err, &se):
			storageErr = err
		default:
			return added, fmt.Errorf("Load: add %q: %w", d.Description, err)
		}
		added++
	}
	return added, storageErr
}
