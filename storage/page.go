package storage

import (
	"encoding/binary"

	"mit.edu/dsg/simpledb/common"
)

// Page is an in-memory, fixed-size byte buffer holding the contents of one block, with typed views over it.
//
// Layout conventions:
//   - Integers are 4-byte two's-complement values (little endian) at an explicit byte offset.
//   - Byte arrays and strings are stored as a 4-byte length prefix followed by the raw bytes. Strings are UTF-8.
//
// Accessors assert that the access stays within the page. Callers handling untrusted offsets should check them
// with Fits before touching the page.
type Page struct {
	buf []byte
}

// NewPage creates a zeroed page of blockSize bytes.
func NewPage(blockSize int) *Page {
	return &Page{buf: make([]byte, blockSize)}
}

// NewPageFromBytes wraps b as a page. The page aliases b.
func NewPageFromBytes(b []byte) *Page {
	return &Page{buf: b}
}

// MaxLength returns the number of bytes reserved on a page for a string or byte array of strLen bytes.
func MaxLength(strLen int) int {
	return common.IntSize + strLen
}

// Size returns the size of the page in bytes.
func (p *Page) Size() int {
	return len(p.buf)
}

// Fits reports whether n bytes starting at offset lie entirely within the page.
func (p *Page) Fits(offset int, n int) bool {
	return offset >= 0 && n >= 0 && offset+n <= len(p.buf)
}

func (p *Page) GetInt(offset int) int32 {
	common.Assert(p.Fits(offset, common.IntSize), "int read at offset %d exceeds page of %d bytes", offset, len(p.buf))
	return int32(binary.LittleEndian.Uint32(p.buf[offset:]))
}

func (p *Page) SetInt(offset int, val int32) {
	common.Assert(p.Fits(offset, common.IntSize), "int write at offset %d exceeds page of %d bytes", offset, len(p.buf))
	binary.LittleEndian.PutUint32(p.buf[offset:], uint32(val))
}

// GetBytes returns a copy of the length-prefixed byte array stored at offset.
func (p *Page) GetBytes(offset int) []byte {
	n := int(p.GetInt(offset))
	common.Assert(n >= 0 && p.Fits(offset+common.IntSize, n), "byte array of length %d at offset %d exceeds page", n, offset)
	b := make([]byte, n)
	copy(b, p.buf[offset+common.IntSize:])
	return b
}

func (p *Page) SetBytes(offset int, b []byte) {
	common.Assert(p.Fits(offset, MaxLength(len(b))), "byte array of length %d at offset %d exceeds page", len(b), offset)
	p.SetInt(offset, int32(len(b)))
	copy(p.buf[offset+common.IntSize:], b)
}

func (p *Page) GetString(offset int) string {
	return string(p.GetBytes(offset))
}

func (p *Page) SetString(offset int, s string) {
	p.SetBytes(offset, []byte(s))
}

// GetRaw returns a copy of the n bytes starting at offset, with no length prefix.
func (p *Page) GetRaw(offset int, n int) []byte {
	common.Assert(p.Fits(offset, n), "%d raw bytes at offset %d exceed page of %d bytes", n, offset, len(p.buf))
	b := make([]byte, n)
	copy(b, p.buf[offset:])
	return b
}

// SetRaw writes b at offset verbatim.
func (p *Page) SetRaw(offset int, b []byte) {
	common.Assert(p.Fits(offset, len(b)), "%d raw bytes at offset %d exceed page of %d bytes", len(b), offset, len(p.buf))
	copy(p.buf[offset:], b)
}

// Contents exposes the raw bytes of the page. Only the file manager should need this.
func (p *Page) Contents() []byte {
	return p.buf
}

// Clear zeroes the page.
func (p *Page) Clear() {
	clear(p.buf)
}
