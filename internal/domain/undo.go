package domain

// UndoKind tags what the undo slot remembers.
type UndoKind int

const (
	UndoNone UndoKind = iota
	UndoAdded
	UndoDeleted
)

func (k UndoKind) String() string {
	switch k {
	case UndoAdded:
		return "added"
	case UndoDeleted:
		return "deleted"
	default:
		return "none"
	}
}

// Undo is the single-entry undo slot: empty, the last added transaction, or
// the last deleted one. Fields are unexported so both kinds can never be set
// at the same time.
type Undo struct {
	kind UndoKind
	tx   Transaction
}

// NoUndo returns the empty slot.
func NoUndo() Undo { return Undo{} }

// UndoAdd remembers tx as the last added transaction.
func UndoAdd(tx Transaction) Undo { return Undo{kind: UndoAdded, tx: tx} }

// UndoDelete remembers tx as the last deleted transaction.
func UndoDelete(tx Transaction) Undo { return Undo{kind: UndoDeleted, tx: tx} }

// Kind returns what the slot holds.
func (u Undo) Kind() UndoKind { return u.kind }

// LastAdded returns the remembered transaction if the slot holds an add.
func (u Undo) LastAdded() (Transaction, bool) {
	if u.kind != UndoAdded {
		return Transaction{}, false
	}
	return u.tx, true
}

// LastDeleted returns the remembered transaction if the slot holds a delete.
func (u Undo) LastDeleted() (Transaction, bool) {
	if u.kind != UndoDeleted {
		return Transaction{}, false
	}
	return u.tx, true
}

// Transaction returns the remembered transaction regardless of kind.
func (u Undo) Transaction() (Transaction, bool) {
	if u.kind == UndoNone {
		return Transaction{}, false
	}
	return u.tx, true
}
