package common

import (
	"fmt"
)

const (
	// IntSize is the on-page width of an integer.
	IntSize int = 4
	// DefaultBlockSize is the block size used when none is configured.
	DefaultBlockSize int = 400
)

// BlockID identifies a fixed-size block within a named file. Block numbers are zero based.
// BlockID is a comparable value type and can be used directly as a map key.
type BlockID struct {
	FileName string
	BlkNum   int32
}

// NewBlockID creates a BlockID for block `blkNum` of `fileName`.
func NewBlockID(fileName string, blkNum int32) BlockID {
	return BlockID{FileName: fileName, BlkNum: blkNum}
}

func (b BlockID) String() string {
	return fmt.Sprintf("[file %s, block %d]", b.FileName, b.BlkNum)
}

// IsNil checks if the BlockID refers to no file at all.
func (b BlockID) IsNil() bool {
	return b.FileName == ""
}

// Compare orders BlockIDs by file name and then by block number.
// Returns -1 if b < other, 0 if b == other, 1 if b > other.
func (b BlockID) Compare(other BlockID) int {
	if b.FileName < other.FileName {
		return -1
	}
	if b.FileName > other.FileName {
		return 1
	}
	if b.BlkNum < other.BlkNum {
		return -1
	}
	if b.BlkNum > other.BlkNum {
		return 1
	}
	return 0
}

// TxNum identifies a transaction. Numbers are handed out in increasing order starting at 1 and are unique for the
// lifetime of the process.
type TxNum int32

const InvalidTxNum TxNum = 0

// LSN (log sequence number) identifies a log record by its append position. LSNs are strictly increasing.
type LSN int64

const InvalidLSN LSN = -1
