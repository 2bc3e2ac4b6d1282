package marrow

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// RebuildErrorsCollection receives one document per page or document the
// rebuild reader had to skip, instead of aborting the whole rebuild.
const RebuildErrorsCollection = "_rebuild_errors"

// RebuildOptions optionally re-collates or re-passwords the rebuilt file.
type RebuildOptions struct {
	Collation *Collation
	Password  *string
}

// rebuildError classifies one tolerated failure: "transient-io" for read
// errors that may succeed on retry, "structural" for malformed bytes.
type rebuildError struct {
	pageID     PageID
	collection string
	kind       string
	message    string
}

func (r rebuildError) document() *Document {
	d := NewDocument()
	d.Set("pageID", Int64(int64(r.pageID)))
	d.Set("collection", String(r.collection))
	d.Set("kind", String(r.kind))
	d.Set("message", String(r.message))
	return d
}

// salvage is everything a tolerant raw scan could recover from a DATA
// stream: collection index definitions and reassembled documents, plus the
// errors hit along the way.
type salvage struct {
	indexes map[string][]IndexEntry // collection -> non-_id index definitions
	docs    map[string][]*Document
	errs    []rebuildError
}

// extractSalvage scans every page of a DATA stream directly, ignoring the
// header's directory so a damaged catalog loses as little as possible.
// Collection pages contribute names and index definitions; Data pages
// contribute documents reassembled from head chunks.
func extractSalvage(data DBFile) (*salvage, error) {
	size, err := data.Size()
	if err != nil {
		return nil, wrapErr(ErrCodeIOFailure, "stat data stream", err)
	}
	pageCount := size / PageSize

	sv := &salvage{
		indexes: make(map[string][]IndexEntry),
		docs:    make(map[string][]*Document),
	}

	readPage := func(pid PageID) (*Page, error) {
		buf := make([]byte, PageSize)
		if _, err := data.ReadAt(buf, int64(pid)*PageSize); err != nil {
			return nil, err
		}
		return LoadPage(buf)
	}

	// Pass 1: collection catalogs, keyed by their own pageID so Data pages
	// can resolve their owner via ColID.
	colNames := make(map[PageID]string)
	for pid := PageID(1); int64(pid) < pageCount; pid++ {
		page, err := readPage(pid)
		if err != nil {
			sv.errs = append(sv.errs, rebuildError{pageID: pid, kind: "transient-io", message: err.Error()})
			continue
		}
		if page.Header.Type != PageTypeCollection || page.Header.PageID != pid {
			continue
		}
		seg, err := page.GetSegment(0)
		if err != nil {
			sv.errs = append(sv.errs, rebuildError{pageID: pid, kind: "structural", message: err.Error()})
			continue
		}
		cat, err := UnmarshalCollectionCatalog(seg)
		if err != nil {
			sv.errs = append(sv.errs, rebuildError{pageID: pid, kind: "structural", message: err.Error()})
			continue
		}
		colNames[pid] = cat.Name
		for _, e := range cat.Indexes {
			if e.Name != idIndexName {
				sv.indexes[cat.Name] = append(sv.indexes[cat.Name], e)
			}
		}
	}

	// Pass 2: documents from head chunks.
	for pid := PageID(1); int64(pid) < pageCount; pid++ {
		page, err := readPage(pid)
		if err != nil || page.Header.Type != PageTypeData {
			continue
		}
		colName := colNames[page.Header.ColID]
		if colName == "" {
			colName = fmt.Sprintf("_orphan_%d", page.Header.ColID)
		}
		for slot := uint8(0); slot < page.Header.HighestIndex; slot++ {
			seg, err := page.GetSegment(slot)
			if err != nil || len(seg) < chunkPrefixSize || seg[0] != chunkKindHead {
				continue
			}
			blob := append([]byte(nil), seg[chunkPrefixSize:]...)
			next := getPageAddress(seg[1:])
			broken := false
			for !next.IsZero() {
				cont, err := readPage(next.PageID)
				if err != nil {
					sv.errs = append(sv.errs, rebuildError{pageID: next.PageID, collection: colName, kind: "transient-io", message: err.Error()})
					broken = true
					break
				}
				cseg, err := cont.GetSegment(next.Index)
				if err != nil || len(cseg) < chunkPrefixSize {
					sv.errs = append(sv.errs, rebuildError{pageID: next.PageID, collection: colName, kind: "structural", message: "broken document chain"})
					broken = true
					break
				}
				blob = append(blob, cseg[chunkPrefixSize:]...)
				next = getPageAddress(cseg[1:])
			}
			if broken {
				continue
			}
			doc, err := UnmarshalDocument(blob)
			if err != nil {
				sv.errs = append(sv.errs, rebuildError{pageID: pid, collection: colName, kind: "structural", message: err.Error()})
				continue
			}
			sv.docs[colName] = append(sv.docs[colName], doc)
		}
	}
	return sv, nil
}

// reinsert plays a salvage back into a fresh engine: one transaction per
// collection, index definitions first so inserts maintain them, and the
// tolerated errors recorded under _rebuild_errors.
func reinsert(ctx context.Context, e *Engine, sv *salvage) error {
	for name, docs := range sv.docs {
		if name == RebuildErrorsCollection {
			continue
		}
		docs := docs
		err := e.WithTransaction(ctx, false, func(ctx context.Context) error {
			col, err := e.GetCollection(ctx, name, true)
			if err != nil {
				return err
			}
			for _, def := range sv.indexes[name] {
				switch def.Kind {
				case IndexKindVector:
					err = col.EnsureVectorIndex(ctx, def.Name, def.Expression, def.Dims, def.Metric)
				default:
					err = col.EnsureIndex(ctx, def.Name, def.Expression, def.Unique)
				}
				if err != nil {
					return err
				}
			}
			for _, doc := range docs {
				doc.RawID = PageAddress{}
				if _, err := col.Insert(ctx, doc, AutoIDObjectID); err != nil {
					sv.errs = append(sv.errs, rebuildError{collection: name, kind: "structural", message: err.Error()})
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if len(sv.errs) == 0 {
		return nil
	}
	return e.WithTransaction(ctx, false, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, RebuildErrorsCollection, true)
		if err != nil {
			return err
		}
		for _, re := range sv.errs {
			if _, err := col.Insert(ctx, re.document(), AutoIDObjectID); err != nil {
				return err
			}
		}
		return nil
	})
}

// compressBackup writes a zstd-compressed copy of src to dst.
func compressBackup(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return wrapErr(ErrCodeIOFailure, "open backup source", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return wrapErr(ErrCodeIOFailure, "create backup file", err)
	}
	defer out.Close()
	zw, err := zstd.NewWriter(out)
	if err != nil {
		return wrapErr(ErrCodeIOFailure, "init backup compressor", err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return wrapErr(ErrCodeIOFailure, "compress backup", err)
	}
	if err := zw.Close(); err != nil {
		return wrapErr(ErrCodeIOFailure, "finish backup", err)
	}
	return out.Sync()
}

// BackupFileName is where rebuild keeps the pre-rebuild DATA file.
func BackupFileName(filename string) string { return filename + "-backup" }

// Rebuild streams every readable document out of the database, creates a
// fresh file, and re-inserts everything with fresh page and index
// structures. The old DATA file is preserved compressed as
// "<file>-backup". Returns the change in DATA size in bytes (positive
// means the file shrank).
func (e *Engine) Rebuild(ctx context.Context, opts RebuildOptions) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if e.opts.ReadOnly {
		return 0, newErr(ErrCodeArgumentInvalid, "engine opened read-only")
	}
	if err := e.store.Locks.LockDatabaseExclusive(ctx); err != nil {
		return 0, err
	}
	defer e.store.Locks.UnlockDatabaseExclusive()

	// Fold the LOG into DATA so the raw scan sees every commit.
	if _, err := e.checkpointer.checkpointLocked(); err != nil {
		return 0, err
	}
	oldSize := e.store.Disk.GetLength(OriginData)

	newOpts := e.opts
	if opts.Collation != nil {
		newOpts.Collation = opts.Collation
	} else {
		collation := e.store.Pragmas().Collation
		newOpts.Collation = &collation
	}
	if opts.Password != nil {
		newOpts.Password = *opts.Password
	}
	pragmas := e.store.Pragmas()

	var rebuilt *Engine
	if e.opts.Filename == MemoryFilename {
		sv, err := extractSalvage(e.store.Disk.data)
		if err != nil {
			return 0, err
		}
		rebuilt, err = open(e.logger, newOpts)
		if err != nil {
			return 0, err
		}
		if err := reinsert(ctx, rebuilt, sv); err != nil {
			rebuilt.Close(ctx)
			return 0, err
		}
	} else {
		sv, err := extractSalvage(e.store.Disk.data)
		if err != nil {
			return 0, err
		}
		tmpName := e.opts.Filename + ".rebuild"
		os.Remove(tmpName)
		os.Remove(LogFileName(tmpName))
		tmpOpts := newOpts
		tmpOpts.Filename = tmpName
		tmp, err := open(e.logger, tmpOpts)
		if err != nil {
			return 0, err
		}
		if err := reinsert(ctx, tmp, sv); err != nil {
			tmp.Close(ctx)
			return 0, err
		}
		if err := tmp.carryPragmas(ctx, pragmas); err != nil {
			tmp.Close(ctx)
			return 0, err
		}
		if err := tmp.Close(ctx); err != nil {
			return 0, err
		}

		if err := compressBackup(e.opts.Filename, BackupFileName(e.opts.Filename)); err != nil {
			return 0, err
		}
		if err := e.store.Disk.Close(); err != nil {
			return 0, err
		}
		os.Remove(LogFileName(e.opts.Filename))
		if err := os.Rename(tmpName, e.opts.Filename); err != nil {
			return 0, wrapErr(ErrCodeIOFailure, "swap rebuilt data file", err)
		}
		os.Rename(LogFileName(tmpName), LogFileName(e.opts.Filename))

		rebuilt, err = open(e.logger, newOpts)
		if err != nil {
			return 0, err
		}
	}

	if err := rebuilt.carryPragmas(ctx, pragmas); err != nil {
		return 0, err
	}

	// Swap the rebuilt internals into this engine so existing handles keep
	// working; the old store's streams are already closed or abandoned.
	e.mu.Lock()
	e.store = rebuilt.store
	e.tm = rebuilt.tm
	e.checkpointer = rebuilt.checkpointer
	e.data = rebuilt.data
	e.mu.Unlock()

	newSize := e.store.Disk.GetLength(OriginData)
	e.logger.Info("rebuild complete",
		zap.Int64("old_size", oldSize), zap.Int64("new_size", newSize))
	return oldSize - newSize, nil
}

// carryPragmas copies the persisted pragmas (other than collation, which
// the rebuild may have replaced) onto a freshly built engine.
func (e *Engine) carryPragmas(ctx context.Context, old Pragmas) error {
	return e.UpdatePragmas(ctx, func(p *Pragmas) {
		p.UserVersion = old.UserVersion
		p.CheckpointSize = old.CheckpointSize
		p.Timeout = old.Timeout
		p.LimitSize = old.LimitSize
		p.UTCDate = old.UTCDate
		p.AutoRebuild = old.AutoRebuild
	})
}

// salvageRebuild recovers a structurally damaged file before open: the raw
// bytes are preserved compressed as "<file>-backup", every readable
// document is extracted, and a fresh file is built in place.
func salvageRebuild(logger *zap.Logger, opts Options) error {
	data, err := OpenOSFile(opts.Filename)
	if err != nil {
		return err
	}
	sv, err := extractSalvage(data)
	data.Close()
	if err != nil {
		return err
	}

	if err := compressBackup(opts.Filename, BackupFileName(opts.Filename)); err != nil {
		return err
	}
	if err := os.Remove(opts.Filename); err != nil {
		return wrapErr(ErrCodeIOFailure, "remove damaged data file", err)
	}
	os.Remove(LogFileName(opts.Filename))

	e, err := open(logger, opts)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := reinsert(ctx, e, sv); err != nil {
		e.Close(ctx)
		return err
	}
	if err := e.UpdatePragmas(ctx, func(p *Pragmas) { p.AutoRebuild = true }); err != nil {
		e.Close(ctx)
		return err
	}
	logger.Info("automatic rebuild recovered documents",
		zap.Int("collections", len(sv.docs)), zap.Int("errors", len(sv.errs)))
	return e.Close(ctx)
}
