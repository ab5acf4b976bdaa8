package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/validation"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

type testClock struct {
	now time.Time
}

// Now advances by one millisecond per call so CreatedAt values are distinct.
func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(opts ...Option) *Store {
	n := 0
	clock := &testClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	base := []Option{
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("tx-%d", n)
		}),
		WithClock(clock.Now),
	}
	return New(append(base, opts...)...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(amount, date string) domain.Draft {
	return domain.Draft{Date: date, Amount: dec(amount), Description: "Deposit " + amount, Type: domain.Deposit}
}

func withdrawal(amount, date string) domain.Draft {
	return domain.Draft{Date: date, Amount: dec(amount), Description: "Withdrawal " + amount, Type: domain.Withdrawal}
}

func mustAdd(t *testing.T, s *Store, d domain.Draft) domain.Transaction {
	t.Helper()
	tx, err := s.Add(context.Background(), d)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	return tx
}

func TestNew_Defaults(t *testing.T) {
	s := New()

	if len(s.Transactions()) != 0 {
		t.Error("new store is not empty")
	}
	if s.CurrentPage() != 1 || s.TotalPages() != 1 {
		t.Errorf("page = %d/%d, want 1/1", s.CurrentPage(), s.TotalPages())
	}
	if s.Filters() != domain.DefaultFilters() {
		t.Errorf("Filters() = %+v, want defaults", s.Filters())
	}
	if s.Undo().Kind() != domain.UndoNone {
		t.Errorf("Undo() = %v, want none", s.Undo().Kind())
	}
	if s.SelectedCurrency() != currency.Base || !s.BalanceVisible() {
		t.Errorf("currency=%s visible=%v", s.SelectedCurrency(), s.BalanceVisible())
	}
}

func TestAdd_ThenUndoAdd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	mustAdd(t, s, deposit("100", "2024-06-01"))
	s.SetCurrentPage(3)

	tx := mustAdd(t, s, deposit("50", "2024-06-02"))
	if tx.ID != "tx-2" || tx.CreatedAt == 0 {
		t.Errorf("Add() = %+v, want generated id and timestamp", tx)
	}
	if s.CurrentPage() != 1 {
		t.Errorf("CurrentPage() = %d, want 1 after add", s.CurrentPage())
	}
	if got, ok := s.Undo().LastAdded(); !ok || got.ID != tx.ID {
		t.Errorf("LastAdded() = %v, %v", got.ID, ok)
	}

	undone, ok, err := s.UndoAdd(ctx)
	if err != nil || !ok || undone.ID != tx.ID {
		t.Fatalf("UndoAdd() = %v, %v, %v", undone.ID, ok, err)
	}
	if got := s.Transactions(); len(got) != 1 || got[0].ID != "tx-1" {
		t.Errorf("Transactions() after undo = %v", got)
	}
	if s.Undo().Kind() != domain.UndoNone {
		t.Error("undo slot not cleared")
	}

	if _, ok, _ := s.UndoAdd(ctx); ok {
		t.Error("second UndoAdd() reported work")
	}
}

func TestAdd_RejectsSignMismatch(t *testing.T) {
	s := newTestStore()
	_, err := s.Add(context.Background(), domain.Draft{Date: "2024-06-01", Amount: dec("-5"), Description: "x", Type: domain.Deposit})
	if !errors.Is(err, validation.ErrInvalidAmount) {
		t.Errorf("Add() error = %v, want ErrInvalidAmount", err)
	}
	if len(s.Transactions()) != 0 {
		t.Error("invalid draft was stored")
	}
}

func TestDelete_ThenUndoDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	mustAdd(t, s, deposit("100", "2024-06-01"))
	target := mustAdd(t, s, withdrawal("-40", "2024-06-02"))

	removed, err := s.Delete(ctx, target.ID)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if diff := cmp.Diff(target, removed, decimalEqual); diff != "" {
		t.Errorf("Delete() returned (-want +got):\n%s", diff)
	}
	if _, ok := s.Undo().LastAdded(); ok {
		t.Error("delete must clear the add slot")
	}
	if _, err := s.Get(target.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}

	restored, ok, err := s.UndoDelete(ctx)
	if err != nil || !ok {
		t.Fatalf("UndoDelete() = %v, %v", ok, err)
	}
	got, err := s.Get(target.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if diff := cmp.Diff(target, got, decimalEqual); diff != "" {
		t.Errorf("restored record mismatch (-want +got):\n%s", diff)
	}
	if restored.ID != target.ID {
		t.Errorf("UndoDelete() returned %s", restored.ID)
	}
	if _, ok, _ := s.UndoDelete(ctx); ok {
		t.Error("second UndoDelete() reported work")
	}
}

func TestDelete_UnknownID(t *testing.T) {
	s := newTestStore()
	mustAdd(t, s, deposit("10", "2024-06-01"))
	before := s.Version()

	if _, err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
	if s.Version() != before {
		t.Error("failed delete changed state")
	}
	if _, ok := s.Undo().LastAdded(); !ok {
		t.Error("failed delete cleared the undo slot")
	}
}

func TestDelete_PageFixup(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		page     int
		wantPage int
	}{
		{name: "sole item on page 2", count: 21, page: 2, wantPage: 1},
		{name: "two items on page 2", count: 22, page: 2, wantPage: 2},
		{name: "first page stays", count: 1, page: 1, wantPage: 1},
		{name: "sole item on page 3", count: 41, page: 3, wantPage: 2},
		{name: "cursor past the end", count: 5, page: 4, wantPage: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			var last domain.Transaction
			for i := 0; i < tt.count; i++ {
				last = mustAdd(t, s, deposit("1", "2024-06-01"))
			}
			s.SetCurrentPage(tt.page)

			if _, err := s.Delete(context.Background(), last.ID); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if got := s.CurrentPage(); got != tt.wantPage {
				t.Errorf("CurrentPage() = %d, want %d", got, tt.wantPage)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	orig := mustAdd(t, s, deposit("100", "2024-06-01"))

	desc := "Salary"
	amount := dec("150.25")
	got, err := s.Update(ctx, orig.ID, domain.Update{Description: &desc, Amount: &amount})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	want := orig
	want.Description = desc
	want.Amount = amount
	if diff := cmp.Diff(want, got, decimalEqual); diff != "" {
		t.Errorf("Update() mismatch (-want +got):\n%s", diff)
	}
	if s.Undo().Kind() != domain.UndoNone {
		t.Error("update must clear the undo slot")
	}
	if !s.Balance().Equal(amount) {
		t.Errorf("Balance() = %s, want %s", s.Balance(), amount)
	}

	if _, err := s.Update(ctx, "missing", domain.Update{Description: &desc}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}

	typ := domain.Withdrawal
	if _, err := s.Update(ctx, orig.ID, domain.Update{Type: &typ}); !errors.Is(err, validation.ErrInvalidAmount) {
		t.Errorf("sign-breaking update error = %v, want ErrInvalidAmount", err)
	}
	if current, _ := s.Get(orig.ID); current.Type != domain.Deposit {
		t.Error("rejected update was applied")
	}
}

func TestUpdateValidated_ExcludesOriginalAmount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	mustAdd(t, s, deposit("1000", "2024-06-01"))
	rent := mustAdd(t, s, withdrawal("-300", "2024-06-02"))

	amount := dec("-900")
	if _, err := s.UpdateValidated(ctx, rent.ID, domain.Update{Amount: &amount}); err != nil {
		t.Fatalf("UpdateValidated(-900) error: %v", err)
	}

	amount = dec("-1100")
	_, err := s.UpdateValidated(ctx, rent.ID, domain.Update{Amount: &amount})
	if !errors.Is(err, validation.ErrInsufficientBalance) {
		t.Errorf("UpdateValidated(-1100) error = %v, want ErrInsufficientBalance", err)
	}
	if !s.Balance().Equal(dec("100")) {
		t.Errorf("Balance() = %s, want 100", s.Balance())
	}
}

func TestAddValidated_BalanceScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if !s.Balance().IsZero() {
		t.Fatalf("initial balance = %s", s.Balance())
	}
	if _, err := s.AddValidated(ctx, deposit("1000", "2024-06-01")); err != nil {
		t.Fatalf("deposit rejected: %v", err)
	}
	if !s.Balance().Equal(dec("1000")) {
		t.Errorf("Balance() = %s, want 1000", s.Balance())
	}
	if _, err := s.AddValidated(ctx, withdrawal("-300", "2024-06-02")); err != nil {
		t.Fatalf("withdrawal rejected: %v", err)
	}
	if !s.Balance().Equal(dec("700")) {
		t.Errorf("Balance() = %s, want 700", s.Balance())
	}

	_, err := s.AddValidated(ctx, withdrawal("-800", "2024-06-03"))
	var errs validation.Errors
	if !errors.As(err, &errs) || !errors.Is(err, validation.ErrInsufficientBalance) {
		t.Fatalf("overdraft error = %v, want validation.Errors with ErrInsufficientBalance", err)
	}
	if !s.Balance().Equal(dec("700")) {
		t.Errorf("Balance() after rejected overdraft = %s, want 700", s.Balance())
	}
	if len(s.Transactions()) != 2 {
		t.Errorf("rejected overdraft was stored")
	}

	if _, err := s.AddValidated(ctx, deposit("5", "2024-06-16")); !errors.Is(err, validation.ErrFutureDate) {
		t.Errorf("future date error = %v, want ErrFutureDate", err)
	}
}

func TestBalanceTracksOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	check := func(step string) {
		t.Helper()
		sum := decimal.Zero
		for _, tx := range s.Transactions() {
			sum = sum.Add(tx.Amount)
		}
		if !s.Balance().Equal(sum) {
			t.Errorf("%s: Balance() = %s, sum = %s", step, s.Balance(), sum)
		}
	}

	a := mustAdd(t, s, deposit("500", "2024-06-01"))
	check("add a")
	b := mustAdd(t, s, withdrawal("-120.5", "2024-06-02"))
	check("add b")
	if _, _, err := s.UndoAdd(ctx); err != nil {
		t.Fatal(err)
	}
	check("undo add b")
	if _, err := s.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	check("delete a")
	if _, _, err := s.UndoDelete(ctx); err != nil {
		t.Fatal(err)
	}
	check("undo delete a")
	mustAdd(t, s, withdrawal("-20", "2024-06-03"))
	check("add c")

	if _, err := s.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("undone add still present")
	}
	if !s.TotalIncome().Equal(dec("500")) || !s.TotalExpenses().Equal(dec("20")) {
		t.Errorf("income=%s expenses=%s", s.TotalIncome(), s.TotalExpenses())
	}
}

func TestImportMany(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	existing := mustAdd(t, s, deposit("10", "2024-06-01"))
	s.SetCurrentPage(2)

	incoming := []domain.Transaction{
		existing,
		deposit("20", "2024-06-02").Transaction("imp-1", 1),
		withdrawal("-5", "2024-06-03").Transaction("imp-2", 2),
		deposit("20", "2024-06-02").Transaction("imp-1", 3),
	}

	res, err := s.ImportMany(ctx, incoming)
	if err != nil {
		t.Fatalf("ImportMany() error: %v", err)
	}
	if diff := cmp.Diff(ImportResult{Imported: 2, Duplicates: 2}, res); diff != "" {
		t.Errorf("ImportMany() result (-want +got):\n%s", diff)
	}
	if got := len(s.Transactions()); got != 3 {
		t.Errorf("len(Transactions()) = %d, want 3", got)
	}
	if s.CurrentPage() != 1 {
		t.Errorf("CurrentPage() = %d, want 1", s.CurrentPage())
	}
	if s.Undo().Kind() != domain.UndoNone {
		t.Error("import must clear the undo slot")
	}

	// re-importing the same batch is a no-op
	res, err = s.ImportMany(ctx, incoming)
	if err != nil || res.Imported != 0 {
		t.Errorf("re-import = %+v, %v", res, err)
	}
}

func TestImportMany_RejectsMalformed(t *testing.T) {
	s := newTestStore()
	bad := []domain.Transaction{
		deposit("20", "2024-06-02").Transaction("ok", 1),
		deposit("20", "2024-06-02").Transaction("", 2),
		{ID: "neg", Date: "2024-06-02", Amount: dec("-3"), Description: "x", Type: domain.Deposit},
	}
	if _, err := s.ImportMany(context.Background(), bad); !errors.Is(err, ErrInvalidImport) {
		t.Errorf("ImportMany() error = %v, want ErrInvalidImport", err)
	}
	if len(s.Transactions()) != 0 {
		t.Error("partial import applied")
	}
}

func TestFiltersAndPaging(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 25; i++ {
		mustAdd(t, s, deposit("1", "2024-06-01"))
	}
	for i := 0; i < 3; i++ {
		mustAdd(t, s, withdrawal("-1", "2024-06-02"))
	}

	if s.TotalPages() != 2 {
		t.Errorf("TotalPages() = %d, want 2", s.TotalPages())
	}
	s.SetCurrentPage(2)
	if got := len(s.PaginatedTransactions()); got != 8 {
		t.Errorf("page 2 has %d rows, want 8", got)
	}

	typ := domain.TypeWithdrawal
	if err := s.SetFilters(domain.FilterPatch{Type: &typ}); err != nil {
		t.Fatalf("SetFilters() error: %v", err)
	}
	page := s.Page()
	if page.CurrentPage != 1 || page.FilteredCount != 3 || page.TotalPages != 1 || len(page.Transactions) != 3 {
		t.Errorf("Page() = %+v", page)
	}
	if page.Transactions[0].Date != "2024-06-02" {
		t.Errorf("listing not sorted newest first")
	}

	s.SetCurrentPage(5)
	if got := s.PaginatedTransactions(); len(got) != 0 {
		t.Errorf("out-of-range page returned %d rows", len(got))
	}

	bogus := domain.TypeFilter("Transfer")
	if err := s.SetFilters(domain.FilterPatch{Type: &bogus}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("SetFilters(bogus) error = %v, want ErrInvalidFilter", err)
	}

	s.ClearFilters()
	if s.Filters() != domain.DefaultFilters() || s.CurrentPage() != 1 {
		t.Errorf("ClearFilters() left %+v page %d", s.Filters(), s.CurrentPage())
	}
	if got := len(s.FilteredTransactions()); got != 28 {
		t.Errorf("FilteredTransactions() = %d, want 28", got)
	}
}

func TestClearUndo(t *testing.T) {
	s := newTestStore()
	mustAdd(t, s, deposit("1", "2024-06-01"))
	s.ClearUndo()
	if s.Undo().Kind() != domain.UndoNone {
		t.Error("ClearUndo() left the slot populated")
	}
	if len(s.Transactions()) != 1 {
		t.Error("ClearUndo() touched the collection")
	}
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	if err := s.SetSelectedCurrency(ctx, "usd"); err != nil {
		t.Fatalf("SetSelectedCurrency() error: %v", err)
	}
	if s.SelectedCurrency() != "USD" {
		t.Errorf("SelectedCurrency() = %s", s.SelectedCurrency())
	}
	if err := s.SetSelectedCurrency(ctx, "XYZ"); !errors.Is(err, currency.ErrUnsupportedCurrency) {
		t.Errorf("SetSelectedCurrency(XYZ) error = %v", err)
	}

	if s.ToggleBalanceVisibility() {
		t.Error("first toggle should hide the balance")
	}
	if !s.ToggleBalanceVisibility() {
		t.Error("second toggle should show the balance")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	mustAdd(t, s, deposit("1", "2024-06-01"))
	desc := "x"
	_ = s.SetFilters(domain.FilterPatch{Description: &desc})
	s.SetCurrentPage(4)
	_ = s.SetSelectedCurrency(ctx, "GBP")
	s.ToggleBalanceVisibility()

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if len(s.Transactions()) != 0 || s.CurrentPage() != 1 || s.Filters() != domain.DefaultFilters() ||
		s.Undo().Kind() != domain.UndoNone || s.SelectedCurrency() != currency.Base || !s.BalanceVisible() {
		t.Errorf("Reset() left state behind")
	}
	if !s.Balance().IsZero() {
		t.Errorf("Balance() after reset = %s", s.Balance())
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	s := newTestStore(WithBlobStore(blobs))

	a := mustAdd(t, s, deposit("250.75", "2024-06-01"))
	mustAdd(t, s, withdrawal("-50", "2024-06-02"))
	if err := s.SetSelectedCurrency(ctx, "KES"); err != nil {
		t.Fatal(err)
	}
	desc := "x"
	_ = s.SetFilters(domain.FilterPatch{Description: &desc})
	s.ToggleBalanceVisibility()

	reopened, err := Open(ctx, WithBlobStore(blobs))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if diff := cmp.Diff(s.Transactions(), reopened.Transactions(), decimalEqual); diff != "" {
		t.Errorf("transactions not restored (-want +got):\n%s", diff)
	}
	if reopened.SelectedCurrency() != "KES" {
		t.Errorf("SelectedCurrency() = %s, want KES", reopened.SelectedCurrency())
	}
	if reopened.Filters() != domain.DefaultFilters() || !reopened.BalanceVisible() || reopened.Undo().Kind() != domain.UndoNone {
		t.Error("transient state survived reload")
	}
	if got, _ := reopened.Get(a.ID); !got.Amount.Equal(dec("250.75")) {
		t.Errorf("amount = %s, want 250.75", got.Amount)
	}
}

func TestOpen_EmptyAndCorrupt(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()

	s, err := Open(ctx, WithBlobStore(blobs))
	if err != nil {
		t.Fatalf("Open() on empty store error: %v", err)
	}
	if len(s.Transactions()) != 0 {
		t.Error("expected empty ledger")
	}

	if err := blobs.Put(ctx, DefaultKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	_, err = Open(ctx, WithBlobStore(blobs))
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.Op != "decode" {
		t.Errorf("Open() on corrupt state error = %v, want decode StorageError", err)
	}
}

func TestStorageFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(WithBlobStore(blobstore.NewMemory(blobstore.WithQuota(10))))

	tx, err := s.Add(ctx, deposit("100", "2024-06-01"))
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("Add() error = %v, want *StorageError", err)
	}
	if !storageErr.QuotaExceeded() || storageErr.AccessDenied() {
		t.Errorf("QuotaExceeded=%v AccessDenied=%v", storageErr.QuotaExceeded(), storageErr.AccessDenied())
	}
	if tx.ID == "" {
		t.Error("Add() should still return the new transaction")
	}
	if _, err := s.Get(tx.ID); err != nil {
		t.Errorf("mutation rolled back: %v", err)
	}
	if !s.Balance().Equal(dec("100")) {
		t.Errorf("Balance() = %s, want 100", s.Balance())
	}
}

func TestVersionInvalidatesViews(t *testing.T) {
	s := newTestStore()
	v0 := s.Version()
	_ = s.Balance()

	mustAdd(t, s, deposit("5", "2024-06-01"))
	if s.Version() <= v0 {
		t.Error("Version() did not advance")
	}
	if !s.Balance().Equal(dec("5")) {
		t.Errorf("stale Balance() = %s", s.Balance())
	}

	v1 := s.Version()
	_ = s.Summary()
	_ = s.FilteredTransactions()
	if s.Version() != v1 {
		t.Error("reads changed the version")
	}
}
