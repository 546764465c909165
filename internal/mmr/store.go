// Package mmr keeps the Merkle Mountain Range over checkpoint hashes and the
// node stores it persists to.
package mmr

import (
	"context"
	"errors"
	"fmt"
)

// WordSize is the byte length of every node
const WordSize = 32

// leafLengthKey is the reserved key holding the leaf length in keyed backends
const leafLengthKey = -1

// ErrNodeNotFound is returned when a position has never been written
var ErrNodeNotFound = errors.New("mmr node not found")

// NodeStore is a logical array of fixed size nodes plus the leaf length
type NodeStore interface {
	Get(ctx context.Context, index uint64) ([]byte, error)
	Set(ctx context.Context, value []byte, index uint64) error
	GetLeafLength(ctx context.Context) (uint64, error)
	SetLeafLength(ctx context.Context, length uint64) error
	Close() error
}

func checkWord(value []byte) error {
	if len(value) != WordSize {
		return fmt.Errorf("mmr node must be %d bytes, got %d", WordSize, len(value))
	}
	return nil
}
