package store

import (
	"github.com/dvloznov/pocket-ledger/internal/domain"
	"github.com/dvloznov/pocket-ledger/internal/views"
)

// derived caches the read models for one state version.
type derived struct {
	version     uint64
	summary     views.Summary
	filtered    []domain.Transaction
	filters     domain.Filters
	currentPage int
}

// view returns the read models for the current version, recomputing them
// only after a mutation. The returned value must not be modified.
func (s *Store) view() *derived {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.memoMu.Lock()
	defer s.memoMu.Unlock()

	if s.memo != nil && s.memo.version == s.version {
		return s.memo
	}

	s.memo = &derived{
		version:     s.version,
		summary:     views.Summarize(s.transactions),
		filtered:    views.Filter(s.transactions, s.filters),
		filters:     s.filters,
		currentPage: s.currentPage,
	}
	return s.memo
}
