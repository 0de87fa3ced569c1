package storage

import (
	"sync"

	"mit.edu/dsg/simpledb/common"
)

// LogFlusher is the part of the log manager the buffer manager depends on: before a modified page is written
// back, the log must be durable through the LSN of the page's latest modification (write-ahead rule).
type LogFlusher interface {
	Flush(lsn common.LSN) error
}

// Buffer is one slot of the buffer pool: a page plus the metadata tracking which block it holds, how many
// clients have it pinned, and which transaction last modified it.
//
// A buffer is dirty when txNum is set. The metadata is protected by the embedded mutex; the page contents are
// protected by the block locks of the transaction layer.
type Buffer struct {
	contents *Page
	blk      common.BlockID
	assigned bool
	pins     int
	// refBit gives a recently re-pinned buffer a second chance during the clock sweep.
	refBit bool
	txNum  common.TxNum
	lsn    common.LSN
	sync.Mutex
}

func newBuffer(blockSize int) Buffer {
	return Buffer{
		contents: NewPage(blockSize),
		txNum:    common.InvalidTxNum,
		lsn:      common.InvalidLSN,
	}
}

// Contents returns the page held by the buffer. Callers must hold a pin.
func (b *Buffer) Contents() *Page {
	return b.contents
}

// Block returns the block assigned to the buffer. Callers must hold a pin.
func (b *Buffer) Block() common.BlockID {
	return b.blk
}

// SetModified marks the buffer as modified by txNum. A negative lsn means the modification was not logged (an
// undo), in which case the previously recorded LSN is kept.
func (b *Buffer) SetModified(txNum common.TxNum, lsn common.LSN) {
	b.Lock()
	defer b.Unlock()
	b.txNum = txNum
	if lsn >= 0 {
		b.lsn = lsn
	}
}

// ModifyingTx returns the transaction that last modified the buffer, or InvalidTxNum if the buffer is clean.
func (b *Buffer) ModifyingTx() common.TxNum {
	b.Lock()
	defer b.Unlock()
	return b.txNum
}

// IsPinned reports whether any client has the buffer pinned.
func (b *Buffer) IsPinned() bool {
	return b.PinCount() > 0
}

func (b *Buffer) PinCount() int {
	b.Lock()
	defer b.Unlock()
	return b.pins
}

// flush writes the page back to its block if it is dirty, forcing the log first.
// Should always be called LOCKED
func (b *Buffer) flush(fm *FileMgr, lf LogFlusher) error {
	if b.txNum == common.InvalidTxNum {
		return nil
	}
	common.Assert(b.assigned, "dirty buffer has no block")
	if err := lf.Flush(b.lsn); err != nil {
		return err
	}
	if err := fm.Write(b.blk, b.contents); err != nil {
		return err
	}
	b.txNum = common.InvalidTxNum
	return nil
}
