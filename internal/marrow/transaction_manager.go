package marrow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MaxOpenTransactions bounds how many transactions may be active at once;
// beyond it, Begin blocks until one finishes.
const MaxOpenTransactions = 256

// MaxTransactionSize is the shared pool of dirty pages partitioned across
// open write transactions; a writer that exhausts its own share borrows
// from whatever the pool has left before triggering a safepoint spill.
const MaxTransactionSize = 1000

// TransactionManager tracks open transactions, partitions the shared dirty
// page budget among them, and drives commit/rollback/safepoint against the
// WAL and lock service.
type TransactionManager struct {
	mu           sync.Mutex
	cond         *sync.Cond
	logger       *zap.Logger
	store        *Store
	nextTxID     TransactionID
	transactions map[TransactionID]*Transaction
	freeBudget   int

	// commitMu serializes the commit critical section (batch write, WAL
	// confirmation, free-chain publication); commit order across writers is
	// the order commits take this mutex.
	commitMu sync.Mutex
}

func NewTransactionManager(logger *zap.Logger, store *Store) *TransactionManager {
	tm := &TransactionManager{
		logger:       logger,
		store:        store,
		nextTxID:     1,
		transactions: make(map[TransactionID]*Transaction),
		freeBudget:   MaxTransactionSize,
	}
	tm.cond = sync.NewCond(&tm.mu)
	return tm
}

// SetNextTxID raises the next transaction id, used after WAL recovery so
// fresh transactions never reuse an id already present in the LOG.
func (tm *TransactionManager) SetNextTxID(next TransactionID) {
	tm.mu.Lock()
	if next > tm.nextTxID {
		tm.nextTxID = next
	}
	tm.mu.Unlock()
}

// ExecuteInTransaction runs fn inside an ambient transaction, committing on
// success and rolling back on error or panic-free failure. If ctx already
// carries a transaction (an explicit BEGIN is in progress), fn reuses it
// and commit/rollback is left to the caller of BEGIN.
func (tm *TransactionManager) ExecuteInTransaction(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, ctx, err := tm.Begin(ctx, readOnly)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		tm.Rollback(ctx, tx)
		return err
	}
	if err := tm.Commit(ctx, tx); err != nil {
		tm.Rollback(ctx, tx)
		return err
	}
	return nil
}

// Begin opens a new transaction, blocking if MaxOpenTransactions are
// already active, and returns a context carrying it.
func (tm *TransactionManager) Begin(ctx context.Context, readOnly bool) (*Transaction, context.Context, error) {
	tm.mu.Lock()
	for len(tm.transactions) >= MaxOpenTransactions {
		tm.cond.Wait()
	}
	id := tm.nextTxID
	tm.nextTxID++
	readVersion := tm.store.WAL.CurrentReadVersion()
	tx := newTransaction(id, readVersion, readOnly)
	tm.transactions[id] = tx
	tm.mu.Unlock()

	tm.logger.Debug("begin transaction", zap.Uint64("tx_id", uint64(id)), zap.Bool("read_only", readOnly))
	ctx = WithTransaction(ctx, tx)
	ctx = NewLockHolder(ctx, id)
	return tx, ctx, nil
}

// borrowBudget reserves n pages of the shared free pool for a write
// transaction approaching its own share, returning how many it actually
// got (may be less than requested, including zero).
func (tm *TransactionManager) borrowBudget(n int) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if n > tm.freeBudget {
		n = tm.freeBudget
	}
	tm.freeBudget -= n
	return n
}

func (tm *TransactionManager) returnBudget(n int) {
	tm.mu.Lock()
	tm.freeBudget += n
	tm.mu.Unlock()
}

// Safepoint flushes a write transaction's current dirty pages to the LOG
// as a provisional (unconfirmed) batch once its own per-transaction budget
// is exhausted and no more can be borrowed from the shared pool. Readers
// of the same transaction keep seeing these pages via the WAL index's
// provisional lookup.
func (tm *TransactionManager) maybeSafepoint(tx *Transaction, snap *Snapshot) error {
	const perTxBudget = MaxTransactionSize / 8
	if tx.DirtyPageCount() < perTxBudget {
		return nil
	}
	if n := tm.borrowBudget(perTxBudget / 4); n > 0 {
		tx.addBorrowed(n)
		return nil
	}
	pages := snap.DirtyPages()
	if len(pages) == 0 {
		return nil
	}
	for _, p := range pages {
		p.Header.TransactionID = uint32(tx.ID)
		p.Header.IsConfirmed = false
	}
	res := <-tm.store.Disk.WriteAsync(pages)
	if res.err != nil {
		return res.err
	}
	// Record at the offsets the writer reports: another transaction's batch
	// may already have landed behind ours, so the LOG length says nothing
	// about where our pages went.
	for i, p := range pages {
		tm.store.WAL.RecordPage(p.Header.PageID, tx.ID, res.offsets[i])
	}
	snap.ClearDirty()
	tx.resetDirtyCount()
	tm.logger.Debug("safepoint spill", zap.Uint64("tx_id", uint64(tx.ID)), zap.Int("pages", len(pages)))
	return nil
}

// Commit flushes any remaining dirty pages of every snapshot touched by tx
// to the LOG, marks the batch's final page confirmed, advances the WAL's
// current read version, and releases the transaction's collection locks.
// Pages the transaction freed are rewritten as Empty pages chained onto the
// global free-empty list inside the same batch.
func (tm *TransactionManager) Commit(ctx context.Context, tx *Transaction) error {
	defer tm.finish(ctx, tx)

	var allPages []*Page
	var allFreed []PageID
	for _, snap := range tx.Snapshots() {
		allPages = append(allPages, snap.DirtyPages()...)
		allFreed = append(allFreed, snap.FreedPages()...)
	}

	if len(allPages) == 0 && len(allFreed) == 0 {
		tx.Status = TxCommitted
		tm.logger.Debug("commit read-only transaction", zap.Uint64("tx_id", uint64(tx.ID)))
		return nil
	}

	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	// Freed pages become Empty images chained onto the free-empty list
	// inside this batch; the header pointer is published only after the
	// batch confirms, so an allocator can never pop a page whose committed
	// view is not Empty yet. The chain lock spans the whole read-build-
	// publish sequence, excluding concurrent PopFreeEmptyPage callers that
	// would otherwise pop a page this chain still links to.
	var freeHead PageID
	if len(allFreed) > 0 {
		tm.store.lockFreeChain()
		defer tm.store.unlockFreeChain()
		freeHead = tm.store.Header().FreeEmptyHead
		for _, pid := range allFreed {
			img := NewEmptyPage(pid, PageTypeEmpty)
			img.Header.NextPageID = freeHead
			freeHead = pid
			allPages = append(allPages, img)
		}
	}

	for i, p := range allPages {
		p.Header.TransactionID = uint32(tx.ID)
		p.Header.IsConfirmed = i == len(allPages)-1
	}

	res := <-tm.store.Disk.WriteAsync(allPages)
	if res.err != nil {
		return fmt.Errorf("commit transaction %d: %w", tx.ID, res.err)
	}

	// Record at the offsets the writer reports, never at offsets derived
	// from the LOG length: a concurrent writer's safepoint batch may have
	// been appended right behind this one.
	for i, p := range allPages {
		tm.store.WAL.RecordPage(p.Header.PageID, tx.ID, res.offsets[i])
	}

	tm.store.WAL.Confirm(tx.ID)
	if len(allFreed) > 0 {
		tm.store.SetFreeEmptyHead(freeHead)
	}
	if err := tm.store.PersistHeader(); err != nil {
		return err
	}
	for _, snap := range tx.Snapshots() {
		tm.store.InvalidateCatalog(snap.colPageID)
	}

	tx.Status = TxCommitted
	tm.logger.Debug("commit transaction", zap.Uint64("tx_id", uint64(tx.ID)), zap.Int("pages", len(allPages)))
	return nil
}

// Rollback discards all dirty pages without touching the LOG; any
// provisional safepoint pages remain on disk but stay invisible forever
// since tx.ID never enters the WAL's confirmed set.
func (tm *TransactionManager) Rollback(ctx context.Context, tx *Transaction) {
	defer tm.finish(ctx, tx)
	for _, snap := range tx.Snapshots() {
		snap.ClearDirty()
	}
	tx.Status = TxRolledBack
	tm.logger.Debug("rollback transaction", zap.Uint64("tx_id", uint64(tx.ID)))
}

// finish releases the transaction's locks (shared or exclusive per
// snapshot), returns any borrowed budget to the shared pool, and frees its
// slot under MaxOpenTransactions.
func (tm *TransactionManager) finish(ctx context.Context, tx *Transaction) {
	for _, snap := range tx.Snapshots() {
		if snap.ReadOnly() {
			tm.store.Locks.UnlockDatabaseShared(ctx)
		} else {
			tm.store.Locks.UnlockCollectionExclusive(ctx, snap.Collection)
		}
	}
	if n := tx.borrowedBudget(); n > 0 {
		tm.returnBudget(n)
	}
	tm.mu.Lock()
	delete(tm.transactions, tx.ID)
	tm.cond.Broadcast()
	tm.mu.Unlock()
}

func (tm *TransactionManager) OpenCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.transactions)
}
