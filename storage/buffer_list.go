package storage

import (
	"github.com/tidwall/btree"
	"mit.edu/dsg/simpledb/common"
)

type pinnedBlock struct {
	blk  common.BlockID
	buf  *Buffer
	pins int
}

// BufferList tracks the buffers pinned by one transaction, so that they can be looked up by block and all released
// when the transaction finishes. Pins are counted locally: the pool pin is taken on the first Pin of a block and
// released when the local count drops back to zero.
//
// Entries are kept ordered by block, which keeps UnpinAll deterministic. A BufferList belongs to a single
// transaction and is not safe for concurrent use.
type BufferList struct {
	bm     *BufferMgr
	pinned *btree.BTreeG[pinnedBlock]
}

func NewBufferList(bm *BufferMgr) *BufferList {
	less := func(a, b pinnedBlock) bool {
		return a.blk.Compare(b.blk) < 0
	}
	return &BufferList{
		bm:     bm,
		pinned: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
	}
}

// Buffer returns the buffer pinned for blk, or nil if the transaction has not pinned it.
func (bl *BufferList) Buffer(blk common.BlockID) *Buffer {
	if entry, ok := bl.pinned.Get(pinnedBlock{blk: blk}); ok {
		return entry.buf
	}
	return nil
}

// Pin pins blk and records the pin. Only the first pin of a block goes to the buffer manager.
func (bl *BufferList) Pin(blk common.BlockID) (*Buffer, error) {
	if entry, ok := bl.pinned.Get(pinnedBlock{blk: blk}); ok {
		entry.pins++
		bl.pinned.Set(entry)
		return entry.buf, nil
	}
	buf, err := bl.bm.Pin(blk)
	if err != nil {
		return nil, err
	}
	bl.pinned.Set(pinnedBlock{blk: blk, buf: buf, pins: 1})
	return buf, nil
}

// Unpin releases one pin on blk. Unpinning a block the transaction does not hold is a no-op.
func (bl *BufferList) Unpin(blk common.BlockID) {
	entry, ok := bl.pinned.Get(pinnedBlock{blk: blk})
	if !ok {
		return
	}
	entry.pins--
	if entry.pins > 0 {
		bl.pinned.Set(entry)
		return
	}
	bl.pinned.Delete(entry)
	bl.bm.Unpin(entry.buf)
}

// PinCount returns how many times the transaction has pinned blk.
func (bl *BufferList) PinCount(blk common.BlockID) int {
	entry, _ := bl.pinned.Get(pinnedBlock{blk: blk})
	return entry.pins
}

// Len returns the number of distinct blocks pinned.
func (bl *BufferList) Len() int {
	return bl.pinned.Len()
}

// UnpinAll releases the pool pin of every block, whatever its local count.
func (bl *BufferList) UnpinAll() {
	bl.pinned.Scan(func(entry pinnedBlock) bool {
		bl.bm.Unpin(entry.buf)
		return true
	})
	bl.pinned.Clear()
}
