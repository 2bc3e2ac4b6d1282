package marrow

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryFilename opens a database whose DATA and LOG streams live only for
// the process lifetime.
const MemoryFilename = ":memory:"

// Options configures an Engine at open time. Zero values fall back to the
// documented defaults.
type Options struct {
	Filename       string
	Password       string
	ReadOnly       bool
	Upgrade        bool
	Collation      *Collation
	InitialSize    int64
	MaxCachedPages int
	AutoRebuild    bool // salvage-rebuild a file that fails open with an integrity error, even when the header pragma is unreadable
	Logger         *zap.Logger
}

// LogFileName derives the LOG stream's path from the DATA path, "<name>.db"
// becoming "<name>-log.db".
func LogFileName(filename string) string {
	if strings.HasSuffix(filename, ".db") {
		return strings.TrimSuffix(filename, ".db") + "-log.db"
	}
	return filename + "-log"
}

func hashPassword(password string) [32]byte {
	return sha256.Sum256([]byte("marrow:" + password))
}

// Engine is the database core: it owns the store singletons and exposes the
// transaction and collection surface everything above the engine consumes.
type Engine struct {
	logger       *zap.Logger
	opts         Options
	store        *Store
	tm           *TransactionManager
	checkpointer *Checkpointer
	data         *DataService

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database identified by opts.Filename,
// recovering the write-ahead log and validating the file's structure. With
// the AUTO_REBUILD pragma set, a structurally damaged file is rebuilt from
// whatever documents remain readable before the open is retried.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e, err := open(logger, opts)
	if err == nil {
		return e, nil
	}
	if code, ok := CodeOf(err); ok && code >= ErrCodeInvalidDatafileState && code < ErrCodeIOFailure && opts.Filename != MemoryFilename {
		if opts.AutoRebuild || autoRebuildEnabled(opts.Filename) {
			logger.Warn("datafile damaged, attempting automatic rebuild", zap.Error(err))
			if rerr := salvageRebuild(logger, opts); rerr != nil {
				return nil, fmt.Errorf("automatic rebuild failed: %w", rerr)
			}
			return open(logger, opts)
		}
	}
	return nil, err
}

func openFiles(filename string) (data, log DBFile, err error) {
	if filename == MemoryFilename {
		return OpenMemFile(), OpenMemFile(), nil
	}
	data, err = OpenOSFile(filename)
	if err != nil {
		return nil, nil, err
	}
	log, err = OpenOSFile(LogFileName(filename))
	if err != nil {
		data.Close()
		return nil, nil, err
	}
	return data, log, nil
}

func open(logger *zap.Logger, opts Options) (*Engine, error) {
	dataFile, logFile, err := openFiles(opts.Filename)
	if err != nil {
		return nil, err
	}

	cache := NewPageCache(logger, opts.MaxCachedPages)
	disk, err := NewDiskService(logger, dataFile, logFile, cache)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*Engine, error) {
		disk.Close()
		return nil, err
	}

	dataLen := disk.GetLength(OriginData)
	if rem := dataLen % PageSize; rem != 0 {
		logger.Warn("data length not page aligned, truncating partial tail",
			zap.Int64("data_length", dataLen), zap.Int64("partial_bytes", rem))
		dataLen -= rem
		if err := disk.SetLength(OriginData, dataLen); err != nil {
			return fail(err)
		}
	}

	var header *HeaderPage
	if dataLen == 0 {
		header = NewHeaderPage(time.Now())
		if opts.Collation != nil {
			header.Pragmas.Collation = *opts.Collation
		}
		if opts.Password != "" {
			header.PasswordHash = hashPassword(opts.Password)
		}
		page := NewEmptyPage(HeaderPageID, PageTypeHeader)
		if _, err := page.InsertSegment(header.Marshal()); err != nil {
			return fail(err)
		}
		if err := disk.writeDataAt(page); err != nil {
			return fail(err)
		}
		if size := opts.InitialSize; size > PageSize {
			size = (size + PageSize - 1) / PageSize * PageSize
			if err := disk.SetLength(OriginData, size); err != nil {
				return fail(err)
			}
		}
		if err := disk.syncData(); err != nil {
			return fail(err)
		}
	} else {
		page, err := disk.ReadPage(OriginData, 0, false)
		if err != nil {
			return fail(err)
		}
		if page.Header.Type != PageTypeHeader {
			return fail(ErrInvalidDatafileState("page 0 is not a header page"))
		}
		seg, err := page.GetSegment(0)
		if err != nil {
			return fail(ErrInvalidDatafileState("header page has no catalog segment"))
		}
		header = &HeaderPage{}
		if err := header.Unmarshal(seg); err != nil {
			return fail(ErrInvalidDatafileState(err.Error()))
		}
		if header.SchemaVersion != currentSchemaVersion {
			if !opts.Upgrade {
				return fail(ErrInvalidDatafileState(fmt.Sprintf(
					"schema version %d, engine requires %d (open with Upgrade to migrate)",
					header.SchemaVersion, currentSchemaVersion)))
			}
			header.SchemaVersion = currentSchemaVersion
		}
		if header.PasswordHash != hashPassword(opts.Password) && (header.PasswordHash != [32]byte{} || opts.Password != "") {
			return fail(newErr(ErrCodeArgumentInvalid, "invalid database password"))
		}
	}

	wal := NewWALIndex()
	maxPageID, maxTxID, err := recoverWAL(logger, disk, wal)
	if err != nil {
		return fail(err)
	}

	locks := NewLockService(header.Pragmas.Timeout)
	store := NewStore(logger, disk, wal, cache, locks, header)
	store.BumpLastPageID(maxPageID)
	if pages := disk.GetLength(OriginData) / PageSize; pages > 0 {
		store.BumpLastPageID(PageID(pages - 1))
	}

	if err := validateFreeChain(store); err != nil {
		return fail(err)
	}

	tm := NewTransactionManager(logger, store)
	tm.SetNextTxID(maxTxID + 1)

	e := &Engine{
		logger:       logger,
		opts:         opts,
		store:        store,
		tm:           tm,
		checkpointer: NewCheckpointer(logger, store),
		data:         NewDataService(),
	}
	logger.Debug("engine opened",
		zap.String("filename", opts.Filename),
		zap.Uint32("last_page_id", uint32(store.Header().LastPageID)),
		zap.Int("collections", len(store.Header().Collections)))
	return e, nil
}

// validateFreeChain walks the global free-empty chain, failing when it
// references a page that is not Empty or loops, both signs of structural
// damage an automatic rebuild can repair.
func validateFreeChain(store *Store) error {
	seen := make(map[PageID]bool)
	cur := store.Header().FreeEmptyHead
	for cur != 0 {
		if seen[cur] {
			return ErrInvalidDatafileState("free-empty chain contains a cycle")
		}
		seen[cur] = true
		page, err := store.ReadCommitted(cur)
		if err != nil {
			return ErrInvalidDatafileState(fmt.Sprintf("free-empty chain page %d unreadable: %v", cur, err))
		}
		if page.Header.Type != PageTypeEmpty {
			return ErrInvalidDatafileState(fmt.Sprintf(
				"free-empty chain page %d has type %v", cur, page.Header.Type))
		}
		cur = page.Header.NextPageID
	}
	return nil
}

func autoRebuildEnabled(filename string) bool {
	data, err := OpenOSFile(filename)
	if err != nil {
		return false
	}
	defer data.Close()
	buf := make([]byte, PageSize)
	if _, err := data.ReadAt(buf, 0); err != nil {
		return false
	}
	page, err := LoadPage(buf)
	if err != nil || page.Header.Type != PageTypeHeader {
		return false
	}
	seg, err := page.GetSegment(0)
	if err != nil {
		return false
	}
	header := &HeaderPage{}
	if err := header.Unmarshal(seg); err != nil {
		return false
	}
	return header.Pragmas.AutoRebuild
}

// Begin opens a transaction and returns a context carrying it; every other
// engine operation expects such a context.
func (e *Engine) Begin(ctx context.Context, readOnly bool) (*Transaction, context.Context, error) {
	if err := e.checkOpen(); err != nil {
		return nil, ctx, err
	}
	if e.opts.ReadOnly && !readOnly {
		return nil, ctx, newErr(ErrCodeArgumentInvalid, "engine opened read-only")
	}
	return e.tm.Begin(ctx, readOnly)
}

// Commit commits the context's transaction and runs an automatic
// checkpoint when the LOG has outgrown the CHECKPOINT_SIZE pragma.
func (e *Engine) Commit(ctx context.Context) error {
	tx := MustTxFromContext(ctx)
	if err := e.tm.Commit(ctx, tx); err != nil {
		return err
	}
	if e.checkpointer.ShouldCheckpoint() {
		if _, err := e.checkpointer.Checkpoint(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("auto checkpoint failed", zap.Error(err))
		}
	}
	return nil
}

// Rollback rolls back the context's transaction.
func (e *Engine) Rollback(ctx context.Context) {
	e.tm.Rollback(ctx, MustTxFromContext(ctx))
}

// WithTransaction runs fn inside an ambient transaction the way callers
// without an explicit Begin expect: commit on success, rollback on error.
func (e *Engine) WithTransaction(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.opts.ReadOnly && !readOnly {
		return newErr(ErrCodeArgumentInvalid, "engine opened read-only")
	}
	return e.tm.ExecuteInTransaction(ctx, readOnly, fn)
}

// Checkpoint copies confirmed LOG pages into DATA and truncates the LOG,
// returning the number of pages flushed.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.checkpointer.Checkpoint(ctx)
}

// CollectionNames lists the collections registered in the header directory.
func (e *Engine) CollectionNames() []string {
	return e.store.CollectionNames()
}

// Pragmas returns the currently persisted pragma values.
func (e *Engine) Pragmas() Pragmas {
	return e.store.Pragmas()
}

// UpdatePragmas applies fn to the persisted pragmas under the exclusive
// database lock and writes the header back out.
func (e *Engine) UpdatePragmas(ctx context.Context, fn func(*Pragmas)) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.Locks.LockDatabaseExclusive(ctx); err != nil {
		return err
	}
	defer e.store.Locks.UnlockDatabaseExclusive()
	e.store.mu.Lock()
	fn(&e.store.header.Pragmas)
	e.store.mu.Unlock()
	return e.store.PersistHeader()
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return e.store.Disk.checkClosed()
}

// Close drains outstanding writes, checkpoints what it can, and releases
// both streams. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.store.Disk.Wait()
	if !e.opts.ReadOnly && e.store.Disk.checkClosed() == nil {
		if _, err := e.checkpointer.Checkpoint(ctx); err != nil {
			e.logger.Warn("checkpoint on close failed", zap.Error(err))
		}
	}
	err := e.store.Disk.Close()
	e.logger.Debug("engine closed", zap.String("filename", e.opts.Filename))
	return err
}
