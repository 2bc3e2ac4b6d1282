package marrow

import (
	"context"
	"sync"
	"time"
)

type txKeyType struct{}

var txKey = txKeyType{}

func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

func TxFromContext(ctx context.Context) *Transaction {
	if tx, ok := ctx.Value(txKey).(*Transaction); ok {
		return tx
	}
	return nil
}

func MustTxFromContext(ctx context.Context) *Transaction {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	panic("no transaction in context")
}

// TransactionID is a monotonically increasing identifier; it also stamps
// the WAL's txID on every page the transaction writes.
type TransactionID uint64

type TransactionStatus int

const (
	TxActive TransactionStatus = iota + 1
	TxCommitted
	TxRolledBack
)

func (s TransactionStatus) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Transaction is a unit of work spanning possibly many collections: a read
// version fixing which commits are visible, one Snapshot per collection it
// has touched, and a running dirty-page count measured against its budget.
type Transaction struct {
	ID          TransactionID
	ReadVersion TransactionID
	StartTime   time.Time
	Status      TransactionStatus
	ReadOnly    bool

	mu         sync.Mutex
	snapshots  map[string]*Snapshot
	dirtyPages int
	borrowed   int
}

func newTransaction(id TransactionID, readVersion TransactionID, readOnly bool) *Transaction {
	return &Transaction{
		ID:          id,
		ReadVersion: readVersion,
		StartTime:   time.Now(),
		Status:      TxActive,
		ReadOnly:    readOnly,
		snapshots:   make(map[string]*Snapshot),
	}
}

// SnapshotFor returns the transaction's Snapshot for a collection, creating
// it via factory on first access.
func (tx *Transaction) SnapshotFor(collection string, factory func() *Snapshot) *Snapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if s, ok := tx.snapshots[collection]; ok {
		return s
	}
	s := factory()
	tx.snapshots[collection] = s
	return s
}

func (tx *Transaction) Snapshots() []*Snapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*Snapshot, 0, len(tx.snapshots))
	for _, s := range tx.snapshots {
		out = append(out, s)
	}
	return out
}

func (tx *Transaction) addDirtyPage() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.dirtyPages++
	return tx.dirtyPages
}

func (tx *Transaction) resetDirtyCount() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.dirtyPages = 0
}

func (tx *Transaction) DirtyPageCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.dirtyPages
}

func (tx *Transaction) addBorrowed(n int) {
	tx.mu.Lock()
	tx.borrowed += n
	tx.mu.Unlock()
}

func (tx *Transaction) borrowedBudget() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.borrowed
}
