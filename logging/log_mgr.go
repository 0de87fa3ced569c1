package logging

import (
	"hash/crc32"
	"sync"

	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/storage"
)

// frameHeaderSize is the per-record overhead inside a log block: length prefix (4) | checksum (4).
const frameHeaderSize = 2 * common.IntSize

// LogMgr is the write-ahead log. It appends opaque records to a single log file and makes them durable on
// request.
//
// The log file is a sequence of blocks. Each block starts with a 4-byte boundary giving the offset of the most
// recently written record; records are laid out from the end of the block towards the front, so reading a block
// from the boundary forward visits its records newest first. Records are framed with their length and a CRC32 of
// their bytes so that a torn or corrupted record is detected when the log is read back.
//
// Only the last block of the file is ever modified; it lives in an in-memory page and is written out by Flush or
// when it fills up.
//
// LSNs are assigned by a per-process counter starting at 1. They order the records appended by this process,
// which is all the write-ahead rule needs; records from earlier runs are reached by iteration only.
type LogMgr struct {
	fm           *storage.FileMgr
	logFile      string
	logPage      *storage.Page
	currentBlk   common.BlockID
	latestLSN    common.LSN
	lastSavedLSN common.LSN
	closed       bool
	sync.Mutex
}

// NewLogMgr opens logFile, positioning at its last block, or creates the file with one empty block.
func NewLogMgr(fm *storage.FileMgr, logFile string) (*LogMgr, error) {
	lm := &LogMgr{
		fm:      fm,
		logFile: logFile,
		logPage: storage.NewPage(fm.BlockSize()),
	}

	size, err := fm.Length(logFile)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		if err := lm.appendNewBlock(); err != nil {
			return nil, err
		}
		return lm, nil
	}

	lm.currentBlk = common.NewBlockID(logFile, size-1)
	if err := fm.Read(lm.currentBlk, lm.logPage); err != nil {
		return nil, err
	}
	// A block appended right before a crash may not have its boundary yet
	if lm.logPage.GetInt(0) == 0 {
		lm.logPage.SetInt(0, int32(fm.BlockSize()))
	}
	return lm, nil
}

// MaxRecordSize returns the largest record that fits in one log block.
func (lm *LogMgr) MaxRecordSize() int {
	return lm.fm.BlockSize() - common.IntSize - frameHeaderSize
}

// Append adds a record to the log and returns its LSN. The record is not durable until Flush is called with an
// LSN at least as large.
func (lm *LogMgr) Append(rec []byte) (common.LSN, error) {
	lm.Lock()
	defer lm.Unlock()

	if lm.closed {
		return common.InvalidLSN, common.NewError(common.LogClosedError, "cannot append to closed log %s", lm.logFile)
	}
	if len(rec) > lm.MaxRecordSize() {
		return common.InvalidLSN, common.NewError(common.SerializationError,
			"log record of %d bytes exceeds the maximum of %d", len(rec), lm.MaxRecordSize())
	}

	boundary := int(lm.logPage.GetInt(0))
	bytesNeeded := frameHeaderSize + len(rec)
	if boundary-bytesNeeded < common.IntSize {
		// Current block is full, move on to a fresh one
		if err := lm.flush(); err != nil {
			return common.InvalidLSN, err
		}
		if err := lm.appendNewBlock(); err != nil {
			return common.InvalidLSN, err
		}
		boundary = int(lm.logPage.GetInt(0))
	}

	recPos := boundary - bytesNeeded
	frame := make([]byte, common.IntSize+len(rec))
	storage.NewPageFromBytes(frame).SetInt(0, int32(crc32.ChecksumIEEE(rec)))
	copy(frame[common.IntSize:], rec)
	lm.logPage.SetBytes(recPos, frame)
	lm.logPage.SetInt(0, int32(recPos))

	lm.latestLSN++
	return lm.latestLSN, nil
}

// Flush makes every record up to and including lsn durable.
func (lm *LogMgr) Flush(lsn common.LSN) error {
	lm.Lock()
	defer lm.Unlock()
	if lsn > lm.lastSavedLSN {
		return lm.flush()
	}
	return nil
}

// Iterator flushes unsaved records and returns an iterator over all records in the file, newest first.
func (lm *LogMgr) Iterator() (*LogIterator, error) {
	lm.Lock()
	defer lm.Unlock()
	if lm.latestLSN > lm.lastSavedLSN {
		if err := lm.flush(); err != nil {
			return nil, err
		}
	}
	return newLogIterator(lm.fm, lm.currentBlk)
}

// LatestLSN returns the LSN of the most recently appended record, or 0 if this process has appended nothing.
func (lm *LogMgr) LatestLSN() common.LSN {
	lm.Lock()
	defer lm.Unlock()
	return lm.latestLSN
}

// LastSavedLSN returns the highest LSN known to be on disk.
func (lm *LogMgr) LastSavedLSN() common.LSN {
	lm.Lock()
	defer lm.Unlock()
	return lm.lastSavedLSN
}

// Close flushes the log. Later appends fail with LogClosedError.
func (lm *LogMgr) Close() error {
	lm.Lock()
	defer lm.Unlock()
	if lm.closed {
		return nil
	}
	if err := lm.flush(); err != nil {
		return err
	}
	lm.closed = true
	return nil
}

// Should always be called LOCKED
func (lm *LogMgr) flush() error {
	if err := lm.fm.Write(lm.currentBlk, lm.logPage); err != nil {
		return err
	}
	lm.lastSavedLSN = lm.latestLSN
	return nil
}

// Should always be called LOCKED
func (lm *LogMgr) appendNewBlock() error {
	blk, err := lm.fm.Append(lm.logFile)
	if err != nil {
		return err
	}
	lm.logPage.Clear()
	lm.logPage.SetInt(0, int32(lm.fm.BlockSize()))
	if err := lm.fm.Write(blk, lm.logPage); err != nil {
		return err
	}
	lm.currentBlk = blk
	common.Logger().Debug("log moved to new block", "block", blk.String())
	return nil
}
