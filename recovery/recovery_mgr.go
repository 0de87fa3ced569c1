package recovery

import (
	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/logging"
	"mit.edu/dsg/simpledb/storage"
)

// RecoveryStats summarizes one run of Recover.
type RecoveryStats struct {
	RecordsScanned int
	RecordsUndone  int
	// Unfinished lists the transactions whose updates were rolled back.
	Unfinished []common.TxNum
	// ReachedCheckpoint is false when the scan went all the way to the start of the log.
	ReachedCheckpoint bool
}

// RecoveryMgr implements undo-only recovery on top of the write-ahead log. It is shared by all transactions.
//
// Every update is logged with the value it overwrote. Commit forces the transaction's modified pages to disk before
// writing the commit record, so a committed transaction never needs redo; anything on disk that belongs to a
// transaction without a commit or rollback record is undone by restoring the logged values, newest first.
type RecoveryMgr struct {
	logMgr    *logging.LogMgr
	bufferMgr *storage.BufferMgr
}

func NewRecoveryMgr(lm *logging.LogMgr, bm *storage.BufferMgr) *RecoveryMgr {
	return &RecoveryMgr{
		logMgr:    lm,
		bufferMgr: bm,
	}
}

// Start writes the start record of txNum.
func (rm *RecoveryMgr) Start(txNum common.TxNum) (common.LSN, error) {
	return rm.append(logging.NewStartRecord(txNum))
}

// LogSetInt logs that txNum is about to overwrite the integer oldVal at offset of blk. The returned LSN must be
// passed to Buffer.SetModified.
func (rm *RecoveryMgr) LogSetInt(txNum common.TxNum, blk common.BlockID, offset int, oldVal int32) (common.LSN, error) {
	return rm.append(logging.NewSetIntRecord(txNum, blk, offset, oldVal))
}

// LogSetString logs that txNum is about to write a string at offset of blk. old holds the bytes the string will
// cover, as they are now.
func (rm *RecoveryMgr) LogSetString(txNum common.TxNum, blk common.BlockID, offset int, old []byte) (common.LSN, error) {
	return rm.append(logging.NewSetStringRecord(txNum, blk, offset, old))
}

// Commit makes the effects of txNum durable: its modified buffers are written out, then the commit record is
// appended and the log forced through it. The transaction counts as committed once this returns nil.
// Pages go out before the commit record so that recovery never has to redo a committed transaction.
func (rm *RecoveryMgr) Commit(txNum common.TxNum) error {
	if err := rm.bufferMgr.FlushAll(txNum); err != nil {
		return err
	}
	lsn, err := rm.append(logging.NewCommitRecord(txNum))
	if err != nil {
		return err
	}
	return rm.logMgr.Flush(lsn)
}

// Rollback undoes every update of txNum, newest first, then writes out the restored pages and a rollback record.
func (rm *RecoveryMgr) Rollback(txNum common.TxNum) error {
	undone, err := rm.doRollback(txNum)
	if err != nil {
		return err
	}
	if err := rm.bufferMgr.FlushAll(txNum); err != nil {
		return err
	}
	lsn, err := rm.append(logging.NewRollbackRecord(txNum))
	if err != nil {
		return err
	}
	if err := rm.logMgr.Flush(lsn); err != nil {
		return err
	}
	common.Logger().Debug("transaction rolled back", "tx", txNum, "undone", undone)
	return nil
}

// Recover restores the database to a state containing only the effects of finished transactions. It must run
// before any transaction starts. The log is scanned backwards until the most recent checkpoint (or its start);
// updates of transactions that have neither committed nor rolled back are undone. Afterwards every modified page is
// written out and a checkpoint record is appended, so running Recover again finds nothing to do.
func (rm *RecoveryMgr) Recover() (RecoveryStats, error) {
	var stats RecoveryStats
	finished := make(map[common.TxNum]bool)
	unfinished := make(map[common.TxNum]bool)

	it, err := rm.logMgr.Iterator()
	if err != nil {
		return stats, err
	}
	for it.Next() {
		rec, err := logging.DecodeLogRecord(it.Record())
		if err != nil {
			return stats, err
		}
		stats.RecordsScanned++

		switch rec.Op() {
		case logging.OpCheckpoint:
			stats.ReachedCheckpoint = true
		case logging.OpCommit, logging.OpRollback:
			finished[rec.TxNum()] = true
		case logging.OpSetInt, logging.OpSetString:
			if finished[rec.TxNum()] {
				continue
			}
			if err := rm.undo(rec); err != nil {
				return stats, err
			}
			stats.RecordsUndone++
			if !unfinished[rec.TxNum()] {
				unfinished[rec.TxNum()] = true
				stats.Unfinished = append(stats.Unfinished, rec.TxNum())
			}
		}
		if stats.ReachedCheckpoint {
			break
		}
	}
	if err := it.Err(); err != nil {
		return stats, err
	}

	if err := rm.bufferMgr.FlushDirty(); err != nil {
		return stats, err
	}
	if err := rm.Checkpoint(); err != nil {
		return stats, err
	}
	common.Logger().Info("recovery complete",
		"scanned", stats.RecordsScanned,
		"undone", stats.RecordsUndone,
		"unfinished_txs", len(stats.Unfinished),
		"reached_checkpoint", stats.ReachedCheckpoint)
	return stats, nil
}

// Checkpoint appends a checkpoint record and forces the log. The caller guarantees that no transaction is active
// and that every modified page has been written out, so recovery never has to look past this record.
func (rm *RecoveryMgr) Checkpoint() error {
	lsn, err := rm.append(logging.NewCheckpointRecord())
	if err != nil {
		return err
	}
	return rm.logMgr.Flush(lsn)
}

func (rm *RecoveryMgr) doRollback(txNum common.TxNum) (int, error) {
	it, err := rm.logMgr.Iterator()
	if err != nil {
		return 0, err
	}
	undone := 0
	for it.Next() {
		rec, err := logging.DecodeLogRecord(it.Record())
		if err != nil {
			return undone, err
		}
		if rec.TxNum() != txNum {
			continue
		}
		if rec.Op() == logging.OpStart {
			return undone, nil
		}
		if rec.IsUpdate() {
			if err := rm.undo(rec); err != nil {
				return undone, err
			}
			undone++
		}
	}
	return undone, it.Err()
}

// undo restores the value an update record overwrote. Undo is an absolute write of the logged value, so applying
// it more than once is harmless. It is not logged.
func (rm *RecoveryMgr) undo(rec logging.LogRecord) error {
	buf, err := rm.bufferMgr.Pin(rec.Block())
	if err != nil {
		return err
	}
	defer rm.bufferMgr.Unpin(buf)

	p := buf.Contents()
	switch rec.Op() {
	case logging.OpSetInt:
		if !p.Fits(rec.Offset(), common.IntSize) {
			return common.NewError(common.SerializationError, "log record %s points outside its block", rec)
		}
		p.SetInt(rec.Offset(), rec.IntVal())
	case logging.OpSetString:
		if !p.Fits(rec.Offset(), len(rec.OldBytes())) {
			return common.NewError(common.SerializationError, "log record %s points outside its block", rec)
		}
		p.SetRaw(rec.Offset(), rec.OldBytes())
	}
	buf.SetModified(rec.TxNum(), common.InvalidLSN)
	return nil
}

func (rm *RecoveryMgr) append(rec logging.LogRecord) (common.LSN, error) {
	return rm.logMgr.Append(rec.Encode())
}
