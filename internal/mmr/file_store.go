package mmr

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
)

const (
	headerSize        = 16
	wordSizeOffset    = 4
	leafLengthOffset  = 12
	maxFileLeafLength = math.MaxUint32
)

// FileStore keeps nodes as fixed size records in a single file. The first
// word holds a 16 byte header: the word size as a big-endian uint32 at
// offset 4 and the leaf length as a big-endian uint32 at offset 12. Node i
// lives at offset (i+1)*WordSize.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

// OpenFileStore opens path, creating and initializing it if needed
func OpenFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmr file: %w", err)
	}
	s := &FileStore{path: path, file: file, logger: logger}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat mmr file: %w", err)
	}

	if info.Size() == 0 {
		header := make([]byte, WordSize)
		binary.BigEndian.PutUint32(header[wordSizeOffset:], WordSize)
		if _, err := file.WriteAt(header, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write mmr header: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync mmr header: %w", err)
		}
		logger.Info("Created mmr file", zap.String("path", path))
		return s, nil
	}

	header := make([]byte, headerSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read mmr header: %w", err)
	}
	if ws := binary.BigEndian.Uint32(header[wordSizeOffset:]); ws != WordSize {
		file.Close()
		return nil, fmt.Errorf("mmr file %s has word size %d, expected %d", path, ws, WordSize)
	}
	return s, nil
}

func offset(index uint64) int64 {
	return int64((index + 1) * WordSize)
}

func (s *FileStore) Get(ctx context.Context, index uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, WordSize)
	n, err := s.file.ReadAt(buf, offset(index))
	if errors.Is(err, io.EOF) && n < WordSize {
		return nil, ErrNodeNotFound
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read mmr node %d: %w", index, err)
	}
	return buf, nil
}

func (s *FileStore) Set(ctx context.Context, value []byte, index uint64) error {
	if err := checkWord(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteAt(value, offset(index)); err != nil {
		return fmt.Errorf("failed to write mmr node %d: %w", index, err)
	}
	return nil
}

func (s *FileStore) GetLeafLength(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 4)
	if _, err := s.file.ReadAt(buf, leafLengthOffset); err != nil {
		return 0, fmt.Errorf("failed to read leaf length: %w", err)
	}
	return uint64(binary.BigEndian.Uint32(buf)), nil
}

// SetLeafLength updates the header and syncs the file. Nodes written before
// the header update become durable with it.
func (s *FileStore) SetLeafLength(ctx context.Context, length uint64) error {
	if length > maxFileLeafLength {
		return fmt.Errorf("leaf length %d exceeds file format limit", length)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(length))
	if _, err := s.file.WriteAt(buf, leafLengthOffset); err != nil {
		return fmt.Errorf("failed to write leaf length: %w", err)
	}
	return s.file.Sync()
}

// Close syncs and closes the file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
