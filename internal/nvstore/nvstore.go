// Package nvstore provides byte-addressable non-volatile stores that stand in
// for the gateway's EEPROM.
package nvstore

import (
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultSize matches a 1 KiB gateway EEPROM.
	DefaultSize = 1024
	// Erased is the value of a byte that was never written.
	Erased byte = 0xFF
)

var (
	ErrOutOfRange = errors.New("nvstore: access out of range")
	ErrBadImage   = errors.New("nvstore: bad image")
)

// Store is a fixed-size byte-addressable store.
type Store interface {
	io.ReaderAt
	io.WriterAt
	Size() int
	Close() error
}

func checkRange(off int64, n, size int) error {
	if off < 0 || off+int64(n) > int64(size) {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, off, off+int64(n), size)
	}
	return nil
}

// Memory is a volatile Store.
type Memory struct {
	data []byte
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	m := &Memory{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = Erased
	}
	return m
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), len(m.data)); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), len(m.data)); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Size() int    { return len(m.data) }
func (m *Memory) Close() error { return nil }
