package logging

import (
	"encoding/binary"
	"fmt"

	"mit.edu/dsg/simpledb/common"
	"mit.edu/dsg/simpledb/storage"
)

// Op identifies the kind of a log record. The numeric values are part of the on-disk format.
type Op uint8

const (
	OpCheckpoint Op = iota
	OpStart
	OpCommit
	OpRollback
	OpSetInt
	OpSetString
)

func (op Op) String() string {
	switch op {
	case OpCheckpoint:
		return "CHECKPOINT"
	case OpStart:
		return "START"
	case OpCommit:
		return "COMMIT"
	case OpRollback:
		return "ROLLBACK"
	case OpSetInt:
		return "SETINT"
	case OpSetString:
		return "SETSTRING"
	}
	return "UNKNOWN"
}

// LogRecord is the in-memory representation of one log entry.
// Fields are unexported to enforce immutability outside the logging package.
//
// Layout: op (1) | Op-dependent payload, integers are 4-byte little endian, strings carry a 4-byte length prefix.
// Checkpoint: empty
// Start, Commit, Rollback: txNum
// SetInt: txNum | fileName | blkNum | offset | old int value
// SetString: txNum | fileName | blkNum | offset | overwritten bytes
//
// SetInt records hold the int the location had BEFORE the update. SetString records hold the raw bytes of the whole
// span the new string covers (length prefix included), so undo restores whatever was there, string or not.
type LogRecord struct {
	op     Op
	txNum  common.TxNum
	blk    common.BlockID
	offset int32
	intVal int32
	oldBytes []byte
}

func NewCheckpointRecord() LogRecord {
	return LogRecord{op: OpCheckpoint, txNum: common.InvalidTxNum}
}

func NewStartRecord(txNum common.TxNum) LogRecord {
	return LogRecord{op: OpStart, txNum: txNum}
}

func NewCommitRecord(txNum common.TxNum) LogRecord {
	return LogRecord{op: OpCommit, txNum: txNum}
}

func NewRollbackRecord(txNum common.TxNum) LogRecord {
	return LogRecord{op: OpRollback, txNum: txNum}
}

// NewSetIntRecord logs that txNum overwrote the integer at offset of blk, which previously held oldVal.
func NewSetIntRecord(txNum common.TxNum, blk common.BlockID, offset int, oldVal int32) LogRecord {
	return LogRecord{op: OpSetInt, txNum: txNum, blk: blk, offset: int32(offset), intVal: oldVal}
}

// NewSetStringRecord logs that txNum wrote a string at offset of blk, overwriting the bytes in old.
func NewSetStringRecord(txNum common.TxNum, blk common.BlockID, offset int, old []byte) LogRecord {
	return LogRecord{op: OpSetString, txNum: txNum, blk: blk, offset: int32(offset), oldBytes: old}
}

// Op returns the kind of the record.
func (r LogRecord) Op() Op {
	return r.op
}

// TxNum returns the transaction the record belongs to. Checkpoint records carry no transaction and return
// InvalidTxNum.
func (r LogRecord) TxNum() common.TxNum {
	return r.txNum
}

// IsUpdate reports whether the record describes a page modification that can be undone.
func (r LogRecord) IsUpdate() bool {
	return r.op == OpSetInt || r.op == OpSetString
}

// Block returns the modified block of an update record.
func (r LogRecord) Block() common.BlockID {
	common.Assert(r.IsUpdate(), "log type %s does not support Block()", r.op)
	return r.blk
}

// Offset returns the modified offset of an update record.
func (r LogRecord) Offset() int {
	common.Assert(r.IsUpdate(), "log type %s does not support Offset()", r.op)
	return int(r.offset)
}

// IntVal returns the pre-image of a SetInt record.
func (r LogRecord) IntVal() int32 {
	common.Assert(r.op == OpSetInt, "log type %s does not support IntVal()", r.op)
	return r.intVal
}

// OldBytes returns the pre-image of a SetString record: the raw bytes the write overwrote.
func (r LogRecord) OldBytes() []byte {
	common.Assert(r.op == OpSetString, "log type %s does not support OldBytes()", r.op)
	return r.oldBytes
}

func (r LogRecord) String() string {
	switch r.op {
	case OpCheckpoint:
		return "<CHECKPOINT>"
	case OpStart, OpCommit, OpRollback:
		return fmt.Sprintf("<%s %d>", r.op, r.txNum)
	case OpSetInt:
		return fmt.Sprintf("<SETINT %d %s %d %d>", r.txNum, r.blk, r.offset, r.intVal)
	case OpSetString:
		return fmt.Sprintf("<SETSTRING %d %s %d %q>", r.txNum, r.blk, r.offset, r.oldBytes)
	}
	return fmt.Sprintf("<UNKNOWN %d>", r.op)
}

// size returns the number of bytes Encode produces.
func (r LogRecord) size() int {
	switch r.op {
	case OpCheckpoint:
		return 1
	case OpStart, OpCommit, OpRollback:
		return 1 + common.IntSize
	case OpSetInt:
		return 1 + 4*common.IntSize + storage.MaxLength(len(r.blk.FileName))
	case OpSetString:
		return 1 + 3*common.IntSize + storage.MaxLength(len(r.blk.FileName)) + storage.MaxLength(len(r.oldBytes))
	}
	panic(fmt.Sprintf("cannot size log record with op %d", r.op))
}

// Encode serializes the record.
func (r LogRecord) Encode() []byte {
	buf := make([]byte, r.size())
	buf[0] = byte(r.op)
	if r.op == OpCheckpoint {
		return buf
	}

	p := storage.NewPageFromBytes(buf)
	pos := 1
	p.SetInt(pos, int32(r.txNum))
	pos += common.IntSize
	if !r.IsUpdate() {
		return buf
	}

	p.SetString(pos, r.blk.FileName)
	pos += storage.MaxLength(len(r.blk.FileName))
	p.SetInt(pos, r.blk.BlkNum)
	pos += common.IntSize
	p.SetInt(pos, r.offset)
	pos += common.IntSize
	if r.op == OpSetInt {
		p.SetInt(pos, r.intVal)
	} else {
		p.SetBytes(pos, r.oldBytes)
	}
	return buf
}

// DecodeLogRecord parses a record produced by Encode. The op tag alone decides how the payload is read; an
// unknown tag or a payload that is too short yields a SerializationError.
func DecodeLogRecord(data []byte) (LogRecord, error) {
	if len(data) == 0 {
		return LogRecord{}, common.NewError(common.SerializationError, "empty log record")
	}
	op := Op(data[0])
	d := decoder{data: data, pos: 1}
	r := LogRecord{op: op}

	switch op {
	case OpCheckpoint:
		r.txNum = common.InvalidTxNum
	case OpStart, OpCommit, OpRollback:
		r.txNum = common.TxNum(d.readInt())
	case OpSetInt, OpSetString:
		r.txNum = common.TxNum(d.readInt())
		r.blk.FileName = d.readString()
		r.blk.BlkNum = d.readInt()
		r.offset = d.readInt()
		if op == OpSetInt {
			r.intVal = d.readInt()
		} else {
			r.oldBytes = []byte(d.readString())
		}
	default:
		return LogRecord{}, common.NewError(common.SerializationError, "unknown log record op %d", data[0])
	}

	if d.err != nil {
		return LogRecord{}, d.err
	}
	if d.pos != len(data) {
		return LogRecord{}, common.NewError(common.SerializationError, "%d trailing bytes after %s record",
			len(data)-d.pos, op)
	}
	return r, nil
}

// decoder reads the payload of a record, remembering the first out-of-bounds read.
type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) readInt() int32 {
	if d.err != nil {
		return 0
	}
	if d.pos+common.IntSize > len(d.data) {
		d.err = common.NewError(common.SerializationError, "log record truncated at byte %d", d.pos)
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(d.data[d.pos:]))
	d.pos += common.IntSize
	return v
}

func (d *decoder) readString() string {
	n := d.readInt()
	if d.err != nil {
		return ""
	}
	if n < 0 || d.pos+int(n) > len(d.data) {
		d.err = common.NewError(common.SerializationError, "string of length %d at byte %d exceeds log record", n, d.pos)
		return ""
	}
	s := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s
}
