package nvstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	MagicNumber   = 0x4D475745 // "MGWE"
	FormatVersion = 1
	HeaderSize    = 16
)

// FileStore keeps an EEPROM image in a file behind a small header.
type FileStore struct {
	file *os.File
	size int
}

// OpenFile opens the image at path, creating an erased one of size bytes if
// it does not exist.
func OpenFile(path string, size int) (*FileStore, error) {
	if size <= 0 {
		size = DefaultSize
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return createFile(path, size)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	header := make([]byte, HeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: short header: %v", ErrBadImage, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != MagicNumber {
		f.Close()
		return nil, fmt.Errorf("%w: invalid magic number", ErrBadImage)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != FormatVersion {
		f.Close()
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadImage, v)
	}
	stored := int(binary.LittleEndian.Uint32(header[8:12]))

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if info.Size() < int64(HeaderSize+stored) {
		f.Close()
		return nil, fmt.Errorf("%w: truncated", ErrBadImage)
	}
	return &FileStore{file: f, size: stored}, nil
}

func createFile(path string, size int) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}

	if _, err := f.Write(buildHeader(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := f.Write(bytes.Repeat([]byte{Erased}, size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to erase image: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync image: %w", err)
	}
	return &FileStore{file: f, size: size}, nil
}

func buildHeader(size int) []byte {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(size))
	return header
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), s.size); err != nil {
		return 0, err
	}
	return s.file.ReadAt(p, HeaderSize+off)
}

// WriteAt writes p and syncs the image before returning.
func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), s.size); err != nil {
		return 0, err
	}
	n, err := s.file.WriteAt(p, HeaderSize+off)
	if err != nil {
		return n, err
	}
	return n, s.file.Sync()
}

func (s *FileStore) Size() int { return s.size }

func (s *FileStore) Close() error {
	return s.file.Close()
}
