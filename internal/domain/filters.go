package domain

// TypeFilter restricts the listed transactions by type.
type TypeFilter string

const (
	TypeAll        TypeFilter = "All"
	TypeDeposit    TypeFilter = TypeFilter(Deposit)
	TypeWithdrawal TypeFilter = TypeFilter(Withdrawal)
)

// Valid reports whether f is a known type filter.
func (f TypeFilter) Valid() bool {
	return f == TypeAll || f == TypeDeposit || f == TypeWithdrawal
}

// Filters holds the listing criteria. Empty DateFrom/DateTo mean no bound.
type Filters struct {
	DateFrom    string     `json:"dateFrom"`
	DateTo      string     `json:"dateTo"`
	Description string     `json:"description"`
	Type        TypeFilter `json:"type"`
}

// DefaultFilters returns the cleared filter state.
func DefaultFilters() Filters {
	return Filters{Type: TypeAll}
}

// IsZero reports whether no filter is active.
func (f Filters) IsZero() bool {
	return f.DateFrom == "" && f.DateTo == "" && f.Description == "" && (f.Type == TypeAll || f.Type == "")
}

// FilterPatch is a partial filter update. Nil fields are kept; an empty
// DateFrom or DateTo removes that bound.
type FilterPatch struct {
	DateFrom    *string     `json:"dateFrom,omitempty"`
	DateTo      *string     `json:"dateTo,omitempty"`
	Description *string     `json:"description,omitempty"`
	Type        *TypeFilter `json:"type,omitempty"`
}

// Merge shallow-merges the patch into f.
func (p FilterPatch) Merge(f Filters) Filters {
	if p.DateFrom != nil {
		f.DateFrom = *p.DateFrom
	}
	if p.DateTo != nil {
		f.DateTo = *p.DateTo
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Type != nil {
		f.Type = *p.Type
	}
	if f.Type == "" {
		f.Type = TypeAll
	}
	return f
}
