// Package store holds the ledger state: the transaction collection, the
// listing filters and page cursor, the one-slot undo buffer and the display
// preferences. All changes go through the Store methods, which keep these
// consistent and persist the durable part after each mutation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
	"github.com/dvloznov/pocket-ledger/internal/currency"
	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/validation"
	"github.com/dvloznov/pocket-ledger/internal/views"
)

// DefaultKey is the blob store key the ledger state is persisted under.
const DefaultKey = "banking-storage"

// persistedState is the durable subset of the store. Filters, paging, undo
// and visibility always start from their defaults.
type persistedState struct {
	Transactions     []domain.Transaction `json:"transactions"`
	SelectedCurrency string               `json:"selectedCurrency"`
}

// Store is safe for concurrent use. Every mutation runs to completion under
// a single write lock.
type Store struct {
	mu               sync.RWMutex
	transactions     []domain.Transaction
	filters          domain.Filters
	currentPage      int
	undo             domain.Undo
	selectedCurrency string
	balanceVisible   bool
	version          uint64

	memoMu sync.Mutex
	memo   *derived

	persistMu sync.Mutex
	blobs     blobstore.Store
	key       string

	newID  func() string
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBlobStore enables persistence into bs.
func WithBlobStore(bs blobstore.Store) Option {
	return func(s *Store) { s.blobs = bs }
}

// WithKey overrides DefaultKey.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithIDGenerator overrides how transaction ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithClock overrides the clock used for CreatedAt and for "today".
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty store. Without WithBlobStore nothing is persisted.
func New(opts ...Option) *Store {
	s := &Store{
		key:    DefaultKey,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

// Open creates a store and loads any previously persisted state.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	s := New(opts...)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// resetLocked restores every field to its initial value.
func (s *Store) resetLocked() {
	s.transactions = []domain.Transaction{}
	s.filters = domain.DefaultFilters()
	s.currentPage = 1
	s.undo = domain.NoUndo()
	s.selectedCurrency = currency.Base
	s.balanceVisible = true
	s.version++
}

// Load replaces the in-memory state with the persisted one. A missing key
// leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}

	data, err := s.blobs.Get(ctx, s.key)
	if errors.Is(err, blobstore.ErrNotFound) {
		s.logger.Debug().Str("key", s.key).Msg("no persisted ledger state")
		return nil
	}
	if err != nil {
		return &StorageError{Op: "read", Key: s.key, Err: err}
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return &StorageError{Op: "decode", Key: s.key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	for _, tx := range state.Transactions {
		if tx.ID == "" || validation.ValidateAmount(tx.Amount, tx.Type) != nil {
			s.logger.Warn().Str("id", tx.ID).Msg("dropping malformed persisted transaction")
			continue
		}
		s.transactions = append(s.transactions, tx)
	}
	if code, err := currency.Normalize(state.SelectedCurrency); err == nil {
		s.selectedCurrency = code
	}

	s.logger.Info().
		Str("key", s.key).
		Int("transactions", len(s.transactions)).
		Str("currency", s.selectedCurrency).
		Msg("loaded ledger state")
	return nil
}

// persist writes the latest durable state. Writes are serialized and always
// snapshot the newest state, so a slow write never overwrites a newer one.
func (s *Store) persist(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	state := persistedState{
		Transactions:     slices.Clone(s.transactions),
		SelectedCurrency: s.selectedCurrency,
	}
	s.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return &StorageError{Op: "encode", Key: s.key, Err: err}
	}
	if err := s.blobs.Put(ctx, s.key, data); err != nil {
		s.logger.Warn().Err(err).Str("key", s.key).Msg("failed to persist ledger state")
		return &StorageError{Op: "write", Key: s.key, Err: err}
	}
	return nil
}

// mutate runs fn under the write lock, bumps the version when fn reports a
// change and persists when that change touched durable fields.
func (s *Store) mutate(ctx context.Context, fn func() (changed, durable bool, err error)) error {
	s.mu.Lock()
	changed, durable, err := fn()
	if changed {
		s.version++
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if changed && durable {
		return s.persist(ctx)
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.transactions, func(tx domain.Transaction) bool {
		return tx.ID == id
	})
}

func (s *Store) today() civil.Date {
	return civil.DateOf(s.now())
}

// Add records a new transaction built from d, remembers it for UndoAdd and
// moves the cursor to page 1. Only the amount/type sign is checked here;
// balance, date and description checks belong to the caller (see
// AddValidated). A *StorageError means the transaction was added but not
// persisted.
func (s *Store) Add(ctx context.Context, d domain.Draft) (domain.Transaction, error) {
	return s.add(ctx, d, nil)
}

// AddValidated runs the full draft validation against the current balance
// and adds the transaction in the same critical section. Validation failures
// are returned as validation.Errors.
func (s *Store) AddValidated(ctx context.Context, d domain.Draft) (domain.Transaction, error) {
	return s.add(ctx, d, func() error {
		if errs := validation.ValidateTransactionAt(d, views.Balance(s.transactions), s.today()); errs != nil {
			return errs
		}
		return nil
	})
}

func (s *Store) add(ctx context.Context, d domain.Draft, check func() error) (domain.Transaction, error) {
	var tx domain.Transaction
	err := s.mutate(ctx, func() (bool, bool, error) {
		if check == nil {
			check = func() error { return validation.ValidateAmount(d.Amount, d.Type) }
		}
		if err := check(); err != nil {
			return false, false, err
		}

		tx = d.Transaction(s.newID(), s.now().UnixMilli())
		s.transactions = append(s.transactions, tx)
		s.undo = domain.UndoAdd(tx)
		s.currentPage = 1

		s.logger.Debug().Str("id", tx.ID).Str("type", string(tx.Type)).Msg("transaction added")
		return true, true, nil
	})

	var storageErr *StorageError
	if err != nil && !errors.As(err, &storageErr) {
		return domain.Transaction{}, err
	}
	return tx, err
}

// Update merges u into the transaction with the given id. ID and CreatedAt
// are preserved, and both undo slots are cleared. The merged record must
// still satisfy the amount/type sign rule.
func (s *Store) Update(ctx context.Context, id string, u domain.Update) (domain.Transaction, error) {
	return s.update(ctx, id, u, nil)
}

// UpdateValidated validates the merged record against the balance without
// the original transaction, then applies the update atomically.
func (s *Store) UpdateValidated(ctx context.Context, id string, u domain.Update) (domain.Transaction, error) {
	return s.update(ctx, id, u, func(original, merged domain.Transaction) error {
		balance := views.Balance(s.transactions).Sub(original.Amount)
		if errs := validation.ValidateTransactionAt(merged.Draft(), balance, s.today()); errs != nil {
			return errs
		}
		return nil
	})
}

func (s *Store) update(ctx context.Context, id string, u domain.Update, check func(original, merged domain.Transaction) error) (domain.Transaction, error) {
	var merged domain.Transaction
	err := s.mutate(ctx, func() (bool, bool, error) {
		i := s.indexOf(id)
		if i < 0 {
			return false, false, fmt.Errorf("Update: %s: %w", id, ErrNotFound)
		}

		original := s.transactions[i]
		merged = u.Apply(original)
		if check == nil {
			check = func(_, m domain.Transaction) error { return validation.ValidateAmount(m.Amount, m.Type) }
		}
		if err := check(original, merged); err != nil {
			return false, false, err
		}

		s.transactions[i] = merged
		s.undo = domain.NoUndo()

		s.logger.Debug().Str("id", id).Msg("transaction updated")
		return true, true, nil
	})

	var storageErr *StorageError
	if err != nil && !errors.As(err, &storageErr) {
		return domain.Transaction{}, err
	}
	return merged, err
}

// Delete removes the transaction with the given id and remembers it for
// UndoDelete. If it was the only row on the current page, and that page is
// not the first, the cursor moves back one page. An unknown id returns
// ErrNotFound and changes nothing.
func (s *Store) Delete(ctx context.Context, id string) (domain.Transaction, error) {
	var removed domain.Transaction
	err := s.mutate(ctx, func() (bool, bool, error) {
		i := s.indexOf(id)
		if i < 0 {
			return false, false, fmt.Errorf("Delete: %s: %w", id, ErrNotFound)
		}

		before := len(s.transactions)
		removed = s.transactions[i]
		s.transactions = slices.Delete(s.transactions, i, i+1)
		s.undo = domain.UndoDelete(removed)

		if s.currentPage > 1 && before <= (s.currentPage-1)*views.PageSize+1 {
			s.currentPage--
		}

		s.logger.Debug().Str("id", id).Int("page", s.currentPage).Msg("transaction deleted")
		return true, true, nil
	})

	var storageErr *StorageError
	if err != nil && !errors.As(err, &storageErr) {
		return domain.Transaction{}, err
	}
	return removed, err
}

// UndoDelete re-inserts the last deleted transaction unchanged. It reports
// false when there is nothing to restore. The page cursor is not restored.
func (s *Store) UndoDelete(ctx context.Context) (domain.Transaction, bool, error) {
	var (
		restored domain.Transaction
		ok       bool
	)
	err := s.mutate(ctx, func() (bool, bool, error) {
		restored, ok = s.undo.LastDeleted()
		if !ok {
			return false, false, nil
		}
		s.undo = domain.NoUndo()
		// The id may have been re-imported since the delete.
		if s.indexOf(restored.ID) >= 0 {
			return true, false, nil
		}
		s.transactions = append(s.transactions, restored)

		s.logger.Debug().Str("id", restored.ID).Msg("delete undone")
		return true, true, nil
	})
	return restored, ok, err
}

// UndoAdd removes the last added transaction. It reports false when there is
// nothing to undo.
func (s *Store) UndoAdd(ctx context.Context) (domain.Transaction, bool, error) {
	var (
		added domain.Transaction
		ok    bool
	)
	err := s.mutate(ctx, func() (bool, bool, error) {
		added, ok = s.undo.LastAdded()
		if !ok {
			return false, false, nil
		}
		s.undo = domain.NoUndo()
		i := s.indexOf(added.ID)
		if i < 0 {
			return true, false, nil
		}
		s.transactions = slices.Delete(s.transactions, i, i+1)

		s.logger.Debug().Str("id", added.ID).Msg("add undone")
		return true, true, nil
	})
	return added, ok, err
}

// ClearUndo empties the undo slot.
func (s *Store) ClearUndo() {
	_ = s.mutate(context.Background(), func() (bool, bool, error) {
		changed := s.undo.Kind() != domain.UndoNone
		s.undo = domain.NoUndo()
		return changed, false, nil
	})
}

// ImportMany appends records whose id is not yet present. Duplicates within
// the batch are dropped as well. The whole batch is rejected if any record
// lacks an id or breaks the amount/type sign rule. The cursor moves to page 1
// and the undo slot is cleared.
func (s *Store) ImportMany(ctx context.Context, records []domain.Transaction) (ImportResult, error) {
	var errs []string
	for i, tx := range records {
		if tx.ID == "" {
			errs = append(errs, fmt.Sprintf("record %d: missing id", i))
			continue
		}
		if err := validation.ValidateAmount(tx.Amount, tx.Type); err != nil {
			errs = append(errs, fmt.Sprintf("record %d: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return ImportResult{}, fmt.Errorf("ImportMany: %w: %v", ErrInvalidImport, errs)
	}

	var result ImportResult
	err := s.mutate(ctx, func() (bool, bool, error) {
		seen := make(map[string]struct{}, len(s.transactions)+len(records))
		for _, tx := range s.transactions {
			seen[tx.ID] = struct{}{}
		}
		for _, tx := range records {
			if _, dup := seen[tx.ID]; dup {
				result.Duplicates++
				continue
			}
			seen[tx.ID] = struct{}{}
			s.transactions = append(s.transactions, tx)
			result.Imported++
		}

		s.currentPage = 1
		s.undo = domain.NoUndo()

		s.logger.Info().
			Int("imported", result.Imported).
			Int("duplicates", result.Duplicates).
			Msg("transactions imported")
		return true, result.Imported > 0, nil
	})
	return result, err
}

// SetFilters merges p into the current filters and moves to page 1.
func (s *Store) SetFilters(p domain.FilterPatch) error {
	if p.Type != nil && *p.Type != "" && !p.Type.Valid() {
		return fmt.Errorf("SetFilters: type %q: %w", *p.Type, ErrInvalidFilter)
	}
	return s.mutate(context.Background(), func() (bool, bool, error) {
		s.filters = p.Merge(s.filters)
		s.currentPage = 1
		return true, false, nil
	})
}

// ClearFilters restores the default filters and moves to page 1.
func (s *Store) ClearFilters() {
	_ = s.mutate(context.Background(), func() (bool, bool, error) {
		s.filters = domain.DefaultFilters()
		s.currentPage = 1
		return true, false, nil
	})
}

// SetCurrentPage moves the cursor. No clamping is done: a page past the end
// yields an empty listing. Values below 1 are stored as 1.
func (s *Store) SetCurrentPage(n int) {
	if n < 1 {
		n = 1
	}
	_ = s.mutate(context.Background(), func() (bool, bool, error) {
		s.currentPage = n
		return true, false, nil
	})
}

// Reset wipes all state back to its initial values and persists the empty
// ledger.
func (s *Store) Reset(ctx context.Context) error {
	err := s.mutate(ctx, func() (bool, bool, error) {
		s.resetLocked()
		s.logger.Info().Msg("ledger reset")
		return true, true, nil
	})
	return err
}

// SetSelectedCurrency changes the display currency. Only supported codes are
// accepted.
func (s *Store) SetSelectedCurrency(ctx context.Context, code string) error {
	normalized, err := currency.Normalize(code)
	if err != nil {
		return fmt.Errorf("SetSelectedCurrency: %w", err)
	}
	return s.mutate(ctx, func() (bool, bool, error) {
		if s.selectedCurrency == normalized {
			return false, false, nil
		}
		s.selectedCurrency = normalized
		return true, true, nil
	})
}

// ToggleBalanceVisibility flips the visibility flag and returns the new
// value.
func (s *Store) ToggleBalanceVisibility() bool {
	var visible bool
	_ = s.mutate(context.Background(), func() (bool, bool, error) {
		s.balanceVisible = !s.balanceVisible
		visible = s.balanceVisible
		return true, false, nil
	})
	return visible
}

// Balance returns the sum of all amounts in the base currency.
func (s *Store) Balance() decimal.Decimal {
	return s.view().summary.Balance
}

// TotalIncome returns the sum of all deposits.
func (s *Store) TotalIncome() decimal.Decimal {
	return s.view().summary.TotalIncome
}

// TotalExpenses returns the absolute sum of all withdrawals.
func (s *Store) TotalExpenses() decimal.Decimal {
	return s.view().summary.TotalExpenses
}

// Summary returns all totals at once.
func (s *Store) Summary() views.Summary {
	return s.view().summary
}

// FilteredTransactions returns the filtered listing, newest first.
func (s *Store) FilteredTransactions() []domain.Transaction {
	return slices.Clone(s.view().filtered)
}

// PaginatedTransactions returns the current page of the filtered listing.
func (s *Store) PaginatedTransactions() []domain.Transaction {
	d := s.view()
	return views.Paginate(d.filtered, d.currentPage, views.PageSize)
}

// TotalPages returns the page count of the filtered listing, at least 1.
func (s *Store) TotalPages() int {
	return views.TotalPages(len(s.view().filtered), views.PageSize)
}

// Page is one consistent read of the listing state.
type Page struct {
	Transactions  []domain.Transaction `json:"transactions"`
	CurrentPage   int                  `json:"currentPage"`
	TotalPages    int                  `json:"totalPages"`
	FilteredCount int                  `json:"filteredCount"`
	Filters       domain.Filters       `json:"filters"`
}

// Page returns the current page together with the paging metadata.
func (s *Store) Page() Page {
	d := s.view()
	return Page{
		Transactions:  views.Paginate(d.filtered, d.currentPage, views.PageSize),
		CurrentPage:   d.currentPage,
		TotalPages:    views.TotalPages(len(d.filtered), views.PageSize),
		FilteredCount: len(d.filtered),
		Filters:       d.filters,
	}
}

// Transactions returns every transaction in insertion order.
func (s *Store) Transactions() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.transactions)
}

// Get returns the transaction with the given id.
func (s *Store) Get(id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return domain.Transaction{}, fmt.Errorf("Get: %s: %w", id, ErrNotFound)
	}
	return s.transactions[i], nil
}

// Filters returns the active filters.
func (s *Store) Filters() domain.Filters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters
}

// CurrentPage returns the page cursor.
func (s *Store) CurrentPage() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPage
}

// Undo returns the undo slot.
func (s *Store) Undo() domain.Undo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.undo
}

// SelectedCurrency returns the display currency code.
func (s *Store) SelectedCurrency() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedCurrency
}

// BalanceVisible reports whether totals should be shown.
func (s *Store) BalanceVisible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceVisible
}

// Version increases on every state change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
