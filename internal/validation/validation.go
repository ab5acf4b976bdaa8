// Package validation checks transaction drafts before they reach the store.
// All checks are pure; the current date is passed in by the *At variants so
// callers and tests control "today".
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/domain"
)

// MaxDescriptionLength is the longest description allowed, counted in
// characters after trimming.
const MaxDescriptionLength = 200

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidDateFormat   = errors.New("invalid date format")
	ErrInvalidDate         = errors.New("invalid date")
	ErrFutureDate          = errors.New("future date")
	ErrEmptyDescription    = errors.New("empty description")
	ErrDescriptionTooLong  = errors.New("description too long")
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Error is a single user-correctable validation failure.
type Error struct {
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func newError(field string, sentinel error, format string, args ...interface{}) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// Errors aggregates the failures of a composite check.
type Errors []*Error

func (es Errors) Error() string {
	return strings.Join(es.Messages(), "; ")
}

// Messages returns the human-readable message of every failure.
func (es Errors) Messages() []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.Message)
	}
	return out
}

// Unwrap lets errors.Is match any of the aggregated sentinels.
func (es Errors) Unwrap() []error {
	out := make([]error, 0, len(es))
	for _, e := range es {
		out = append(out, e)
	}
	return out
}

// ValidateAmount fails if amount is zero or its sign does not match typ.
func ValidateAmount(amount decimal.Decimal, typ domain.TransactionType) error {
	if amount.IsZero() {
		return newError("amount", ErrInvalidAmount, "Amount must be a non-zero number")
	}

	expected := typ.Sign()
	if expected == 0 {
		return newError("type", ErrInvalidAmount, "Type must be 'Deposit' or 'Withdrawal', got %q", typ)
	}
	if amount.Sign() != expected {
		direction := "positive"
		if expected < 0 {
			direction = "negative"
		}
		return newError("amount", ErrInvalidAmount, "%s amount must be %s", typ, direction)
	}
	return nil
}

// ValidateWithdrawalBalance fails if applying amount (negative) to
// currentBalance would leave it below zero. When editing, currentBalance must
// already exclude the original amount of the transaction being replaced.
func ValidateWithdrawalBalance(amount, currentBalance decimal.Decimal) error {
	if !amount.IsNegative() {
		return newError("amount", ErrInvalidAmount, "Withdrawal amount must be negative")
	}
	if currentBalance.Add(amount).IsNegative() {
		return newError("amount", ErrInsufficientBalance,
			"Insufficient balance. Available: %s, Attempted: %s",
			currentBalance.StringFixed(2), amount.Abs().StringFixed(2))
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD string as a local calendar date.
func ParseDate(s string) (civil.Date, error) {
	if !datePattern.MatchString(s) {
		return civil.Date{}, newError("date", ErrInvalidDateFormat, "Date must be in YYYY-MM-DD format")
	}
	d, err := civil.ParseDate(s)
	if err != nil || !d.IsValid() {
		return civil.Date{}, newError("date", ErrInvalidDate, "Invalid date")
	}
	return d, nil
}

// Today returns the current local calendar date.
func Today() civil.Date {
	return civil.DateOf(time.Now())
}

// ValidateDate checks format, calendar validity and that the date is not
// after today in the local time zone.
func ValidateDate(s string) error {
	return ValidateDateAt(s, Today())
}

// ValidateDateAt is ValidateDate with an explicit "today".
func ValidateDateAt(s string, today civil.Date) error {
	d, err := ParseDate(s)
	if err != nil {
		return err
	}
	if d.After(today) {
		return newError("date", ErrFutureDate, "Transaction date cannot be in the future")
	}
	return nil
}

// ValidateDescription fails if the trimmed text is empty or longer than
// MaxDescriptionLength characters.
func ValidateDescription(text string) error {
	trimmed := strings.TrimSpace(text)
	n := utf8.RuneCountInString(trimmed)
	if n == 0 {
		return newError("description", ErrEmptyDescription, "Description is required")
	}
	if n > MaxDescriptionLength {
		return newError("description", ErrDescriptionTooLong,
			"Description must be %d characters or less", MaxDescriptionLength)
	}
	return nil
}

// ValidateTransaction runs every check against the draft and returns all
// failures, or nil when the draft can be committed.
func ValidateTransaction(d domain.Draft, currentBalance decimal.Decimal) Errors {
	return ValidateTransactionAt(d, currentBalance, Today())
}

// ValidateTransactionAt is ValidateTransaction with an explicit "today".
func ValidateTransactionAt(d domain.Draft, currentBalance decimal.Decimal, today civil.Date) Errors {
	var errs Errors

	amountErr := ValidateAmount(d.Amount, d.Type)
	errs = appendErr(errs, amountErr)

	// The balance check only makes sense for a well-signed withdrawal.
	if d.Type == domain.Withdrawal && amountErr == nil {
		errs = appendErr(errs, ValidateWithdrawalBalance(d.Amount, currentBalance))
	}

	errs = appendErr(errs, ValidateDateAt(d.Date, today))
	errs = appendErr(errs, ValidateDescription(d.Description))

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func appendErr(errs Errors, err error) Errors {
	if err == nil {
		return errs
	}
	var ve *Error
	if errors.As(err, &ve) {
		return append(errs, ve)
	}
	return append(errs, &Error{Message: err.Error(), Err: err})
}
