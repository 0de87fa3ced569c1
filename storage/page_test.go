package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPage_IntRoundTrip(t *testing.T) {
	p := NewPage(64)
	p.SetInt(0, 42)
	p.SetInt(8, -7)
	p.SetInt(60, 1<<30)

	assert.Equal(t, int32(42), p.GetInt(0))
	assert.Equal(t, int32(-7), p.GetInt(8))
	assert.Equal(t, int32(1<<30), p.GetInt(60))
	assert.Equal(t, int32(0), p.GetInt(4), "untouched bytes should read as zero")
}

func TestPage_StringAndBytes(t *testing.T) {
	p := NewPage(64)
	p.SetString(10, "hello")
	assert.Equal(t, "hello", p.GetString(10))
	assert.Equal(t, int32(5), p.GetInt(10), "strings are length prefixed")

	p.SetBytes(30, []byte{1, 2, 3})
	b := p.GetBytes(30)
	assert.Equal(t, []byte{1, 2, 3}, b)

	// GetBytes hands out a copy
	b[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, p.GetBytes(30))

	p.SetString(50, "")
	assert.Equal(t, "", p.GetString(50))
}

func TestPage_MaxLengthAndFits(t *testing.T) {
	assert.Equal(t, 4, MaxLength(0))
	assert.Equal(t, 14, MaxLength(10))

	p := NewPage(16)
	assert.True(t, p.Fits(0, 16))
	assert.True(t, p.Fits(12, 4))
	assert.False(t, p.Fits(13, 4))
	assert.False(t, p.Fits(-1, 4))
	assert.False(t, p.Fits(0, 17))
}

func TestPage_OutOfBoundsPanics(t *testing.T) {
	p := NewPage(16)
	assert.Panics(t, func() { p.SetInt(13, 1) })
	assert.Panics(t, func() { p.GetInt(16) })
	assert.Panics(t, func() { p.SetString(10, "too long") })
}

func TestPage_ClearAndAlias(t *testing.T) {
	raw := make([]byte, 8)
	p := NewPageFromBytes(raw)
	p.SetInt(0, 5)
	assert.Equal(t, byte(5), raw[0], "page built from bytes aliases them")

	p.Clear()
	assert.Equal(t, int32(0), p.GetInt(0))
}
