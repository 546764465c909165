package mmr

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	merklelog "github.com/datatrails/go-datatrails-merklelog/mmr"
	indexerrors "github.com/devrev/indexstore/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Size returns the number of nodes in a mountain range of leafCount leaves
func Size(leafCount uint64) uint64 {
	return 2*leafCount - uint64(bits.OnesCount64(leafCount))
}

// LeafPosition returns the node position of leaf leafIndex
func LeafPosition(leafIndex uint64) uint64 {
	return Size(leafIndex)
}

// Peaks returns the node positions of the peaks of a range with leafCount
// leaves, highest first
func Peaks(leafCount uint64) []uint64 {
	var peaks []uint64
	var pos uint64
	for h := 63; h >= 0; h-- {
		if leafCount&(uint64(1)<<h) == 0 {
			continue
		}
		width := uint64(1) << (h + 1)
		peaks = append(peaks, pos+width-2)
		pos += width - 1
	}
	return peaks
}

// nodeAppender adapts a NodeStore to the append-only interface used to
// back-fill interior nodes
type nodeAppender struct {
	ctx   context.Context
	store NodeStore
	next  uint64
}

func (a *nodeAppender) Get(i uint64) ([]byte, error) {
	return a.store.Get(a.ctx, i)
}

func (a *nodeAppender) Append(value []byte) (uint64, error) {
	if err := a.store.Set(a.ctx, value, a.next); err != nil {
		return 0, err
	}
	a.next++
	return a.next, nil
}

// MMR is an append-only Merkle Mountain Range over 32 byte leaves with a
// single append cursor
type MMR struct {
	mu     sync.Mutex
	store  NodeStore
	logger *zap.Logger
}

// New creates an MMR over store
func New(store NodeStore, logger *zap.Logger) *MMR {
	return &MMR{store: store, logger: logger}
}

// Store returns the backing node store
func (m *MMR) Store() NodeStore { return m.store }

// Append adds leaf at leafIndex, which must equal the current leaf length.
// Nodes are written before the leaf length, so an interrupted append leaves
// the range unchanged and can be retried.
func (m *MMR) Append(ctx context.Context, leaf []byte, leafIndex uint64) error {
	if len(leaf) != WordSize {
		return indexerrors.InvalidArgument(fmt.Sprintf("mmr leaf must be %d bytes, got %d", WordSize, len(leaf)), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	length, err := m.store.GetLeafLength(ctx)
	if err != nil {
		return err
	}
	if leafIndex != length {
		return indexerrors.OutOfOrder("mmr append", length, leafIndex)
	}

	appender := &nodeAppender{ctx: ctx, store: m.store, next: Size(length)}
	hasher, _ := blake2b.New256(nil)
	if _, err := merklelog.AddHashedLeaf(appender, hasher, leaf); err != nil {
		return fmt.Errorf("failed to append leaf %d: %w", leafIndex, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.SetLeafLength(ctx, length+1)
}

// GetRoot bags the peaks of the range covering leaves 0..leafIndex, right
// to left: root = H(p0 || H(p1 || ... H(pn-1 || pn)))
func (m *MMR) GetRoot(ctx context.Context, leafIndex uint64) ([]byte, error) {
	length, err := m.GetLeafLength(ctx)
	if err != nil {
		return nil, err
	}
	if leafIndex >= length {
		return nil, indexerrors.NotFound(fmt.Sprintf("mmr leaf %d (leaf length %d)", leafIndex, length))
	}

	peaks := Peaks(leafIndex + 1)
	root, err := m.node(ctx, peaks[len(peaks)-1])
	if err != nil {
		return nil, err
	}
	for i := len(peaks) - 2; i >= 0; i-- {
		peak, err := m.node(ctx, peaks[i])
		if err != nil {
			return nil, err
		}
		h, _ := blake2b.New256(nil)
		h.Write(peak)
		h.Write(root)
		root = h.Sum(nil)
	}
	return root, nil
}

// Leaf returns the leaf stored at leafIndex
func (m *MMR) Leaf(ctx context.Context, leafIndex uint64) ([]byte, error) {
	return m.node(ctx, LeafPosition(leafIndex))
}

func (m *MMR) node(ctx context.Context, pos uint64) ([]byte, error) {
	v, err := m.store.Get(ctx, pos)
	if errors.Is(err, ErrNodeNotFound) {
		return nil, indexerrors.InternalError(fmt.Sprintf("mmr node %d missing below leaf length", pos), err)
	}
	return v, err
}

// GetLeafLength returns the number of appended leaves
func (m *MMR) GetLeafLength(ctx context.Context) (uint64, error) {
	return m.store.GetLeafLength(ctx)
}

// SetLeafLength moves the append cursor. Used to resume or rewind.
func (m *MMR) SetLeafLength(ctx context.Context, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SetLeafLength(ctx, length)
}

// NodeCount returns the node count for leaves
func (m *MMR) NodeCount(leaves uint64) uint64 {
	return Size(leaves)
}
