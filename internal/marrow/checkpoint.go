package marrow

import (
	"context"

	"go.uber.org/zap"
)

// Checkpointer drains confirmed LOG pages back into the DATA file under an
// exclusive database lock, then truncates the LOG and resets the WAL index.
type Checkpointer struct {
	logger *zap.Logger
	store  *Store
}

func NewCheckpointer(logger *zap.Logger, store *Store) *Checkpointer {
	return &Checkpointer{logger: logger, store: store}
}

// Checkpoint copies every confirmed LOG page to its DATA offset, returning
// how many pages were flushed. Provisional pages (txID never confirmed) are
// skipped and discarded with the truncation. LOG pages are visited in
// append order, so a page's newest confirmed version is the one that lands
// in DATA last.
func (c *Checkpointer) Checkpoint(ctx context.Context) (int, error) {
	if err := c.store.Locks.LockDatabaseExclusive(ctx); err != nil {
		return 0, err
	}
	defer c.store.Locks.UnlockDatabaseExclusive()
	return c.checkpointLocked()
}

// checkpointLocked is the body of Checkpoint, split out for callers that
// already hold the exclusive database lock (rebuild, engine close).
func (c *Checkpointer) checkpointLocked() (int, error) {
	c.store.Disk.Wait()

	logLen := c.store.Disk.GetLength(OriginLog)
	if logLen == 0 {
		return 0, nil
	}

	flushed := 0
	lastPageID := c.store.Header().LastPageID
	for pos := int64(0); pos+PageSize <= logLen; pos += PageSize {
		page, err := c.store.Disk.ReadPage(OriginLog, pos, false)
		if err != nil {
			return flushed, err
		}
		if !c.store.WAL.IsConfirmed(TransactionID(page.Header.TransactionID)) {
			continue
		}
		if err := c.store.Disk.writeDataAt(page); err != nil {
			return flushed, err
		}
		if page.Header.PageID > lastPageID {
			lastPageID = page.Header.PageID
		}
		flushed++
	}
	if err := c.store.Disk.syncData(); err != nil {
		return flushed, err
	}

	c.store.BumpLastPageID(lastPageID)
	if err := c.store.PersistHeader(); err != nil {
		return flushed, err
	}
	if err := c.store.Disk.SetLength(OriginLog, 0); err != nil {
		return flushed, err
	}
	c.store.WAL.Clear()
	c.store.Cache.DropAllLog()

	c.logger.Debug("checkpoint complete", zap.Int("pages_flushed", flushed))
	return flushed, nil
}

// ShouldCheckpoint reports whether the LOG has grown past the
// CHECKPOINT_SIZE pragma (0 disables auto-checkpointing).
func (c *Checkpointer) ShouldCheckpoint() bool {
	size := c.store.Pragmas().CheckpointSize
	if size == 0 {
		return false
	}
	return c.store.Disk.GetLength(OriginLog)/PageSize >= int64(size)
}
