package logging

import (
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"

	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/storage"
)

// LogIterator walks the records of a log file from the newest to the oldest. It reads blocks through its own
// page, so records appended after it was created are not visited.
//
// Usage follows the scanner pattern:
//
//	for it.Next() {
//		rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type LogIterator struct {
	fm         *storage.FileMgr
	blk        common.BlockID
	page       *storage.Page
	currentPos int
	record     []byte
	err        error
}

func newLogIterator(fm *storage.FileMgr, blk common.BlockID) (*LogIterator, error) {
	it := &LogIterator{
		fm:   fm,
		page: storage.NewPage(fm.BlockSize()),
	}
	if err := it.moveToBlock(blk); err != nil {
		return nil, err
	}
	return it, nil
}

// ReadLog returns an iterator over logFile as it is on disk, newest record first. Unlike LogMgr.Iterator it never
// writes to the file, which makes it suitable for inspecting a log that no LogMgr has open.
func ReadLog(fm *storage.FileMgr, logFile string) (*LogIterator, error) {
	var size int32
	_, err := os.Stat(filepath.Join(fm.Dir(), logFile))
	switch {
	case err == nil:
		if size, err = fm.Length(logFile); err != nil {
			return nil, err
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, common.WrapError(common.IOError, err, "cannot stat %s", logFile)
	}
	if size == 0 {
		return &LogIterator{
			fm:         fm,
			blk:        common.NewBlockID(logFile, 0),
			page:       storage.NewPage(fm.BlockSize()),
			currentPos: fm.BlockSize(),
		}, nil
	}
	return newLogIterator(fm, common.NewBlockID(logFile, size-1))
}

// Next advances to the next older record. It returns false at the beginning of the log or on error.
func (it *LogIterator) Next() bool {
	if it.err != nil {
		return false
	}
	blockSize := it.fm.BlockSize()
	for it.currentPos >= blockSize {
		if it.blk.BlkNum <= 0 {
			return false
		}
		if err := it.moveToBlock(common.NewBlockID(it.blk.FileName, it.blk.BlkNum-1)); err != nil {
			it.err = err
			return false
		}
	}

	if !it.page.Fits(it.currentPos, common.IntSize) {
		it.err = common.NewError(common.SerializationError, "truncated log frame at %s offset %d", it.blk, it.currentPos)
		return false
	}
	n := int(it.page.GetInt(it.currentPos))
	if n < common.IntSize || !it.page.Fits(it.currentPos+common.IntSize, n) {
		it.err = common.NewError(common.SerializationError, "bad log frame length %d at %s offset %d", n, it.blk, it.currentPos)
		return false
	}
	frame := it.page.GetBytes(it.currentPos)
	stored := uint32(storage.NewPageFromBytes(frame).GetInt(0))
	rec := frame[common.IntSize:]
	if crc32.ChecksumIEEE(rec) != stored {
		it.err = common.NewError(common.SerializationError, "log record corrupted at %s offset %d: checksum mismatch",
			it.blk, it.currentPos)
		return false
	}

	it.record = rec
	it.currentPos += common.IntSize + n
	return true
}

// Record returns the bytes of the current record.
func (it *LogIterator) Record() []byte {
	return it.record
}

// Block returns the log block holding the current record.
func (it *LogIterator) Block() common.BlockID {
	return it.blk
}

// Err returns the first error encountered by the iterator.
func (it *LogIterator) Err() error {
	return it.err
}

func (it *LogIterator) moveToBlock(blk common.BlockID) error {
	if err := it.fm.Read(blk, it.page); err != nil {
		return err
	}
	boundary := int(it.page.GetInt(0))
	if boundary == 0 {
		// Block appended but never written
		boundary = it.fm.BlockSize()
	}
	if boundary < common.IntSize || boundary > it.fm.BlockSize() {
		return common.NewError(common.SerializationError, "bad log block boundary %d in %s", boundary, blk)
	}
	it.blk = blk
	it.currentPos = boundary
	return nil
}
