package marrow

import (
	"go.uber.org/zap"
)

// recoverWAL rebuilds the WAL index from the LOG stream on open. It scans
// every page image sequentially, groups them into batches by transactionID,
// and treats a batch as committed only if a page of that transaction
// carries the isConfirmed mark. Trailing pages past the last confirmed byte
// are an interrupted commit and are truncated away.
//
// Returns the highest pageID referenced by any confirmed LOG page, so the
// caller can repair a header that was never rewritten before the crash, and
// the highest transactionID seen, so new transactions never reuse one.
func recoverWAL(logger *zap.Logger, disk *DiskService, wal *WALIndex) (PageID, TransactionID, error) {
	logLen := disk.GetLength(OriginLog)
	if rem := logLen % PageSize; rem != 0 {
		logger.Warn("log length not page aligned, truncating partial tail",
			zap.Int64("log_length", logLen), zap.Int64("partial_bytes", rem))
		logLen -= rem
		if err := disk.SetLength(OriginLog, logLen); err != nil {
			return 0, 0, err
		}
	}

	type pageRecord struct {
		pageID PageID
		offset int64
	}
	pending := make(map[TransactionID][]pageRecord)
	var maxTxID TransactionID
	var confirmedOrder []TransactionID
	confirmed := make(map[TransactionID]bool)
	var lastConfirmedEnd int64

	for pos := int64(0); pos+PageSize <= logLen; pos += PageSize {
		page, err := disk.ReadPage(OriginLog, pos, false)
		if err != nil {
			return 0, 0, ErrWALCorrupted(err.Error())
		}
		txID := TransactionID(page.Header.TransactionID)
		if txID > maxTxID {
			maxTxID = txID
		}
		pending[txID] = append(pending[txID], pageRecord{pageID: page.Header.PageID, offset: pos})
		if page.Header.IsConfirmed {
			if !confirmed[txID] {
				confirmed[txID] = true
				confirmedOrder = append(confirmedOrder, txID)
			}
			lastConfirmedEnd = pos + PageSize
		}
	}

	if lastConfirmedEnd < logLen {
		logger.Warn("discarding unconfirmed log tail",
			zap.Int64("confirmed_bytes", lastConfirmedEnd), zap.Int64("log_length", logLen))
		if err := disk.SetLength(OriginLog, lastConfirmedEnd); err != nil {
			return 0, 0, err
		}
	}

	var maxPageID PageID
	for _, txID := range confirmedOrder {
		for _, rec := range pending[txID] {
			if rec.offset >= lastConfirmedEnd {
				continue
			}
			wal.RecordPage(rec.pageID, txID, rec.offset)
			if rec.pageID > maxPageID {
				maxPageID = rec.pageID
			}
		}
		wal.Confirm(txID)
	}

	if len(confirmedOrder) > 0 {
		logger.Debug("write-ahead log recovered",
			zap.Int("confirmed_transactions", len(confirmedOrder)),
			zap.Int64("log_length", lastConfirmedEnd))
	}
	return maxPageID, maxTxID, nil
}
