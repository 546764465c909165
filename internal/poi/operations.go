package poi

import (
	"sync"

	"github.com/devrev/indexstore/internal/model"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// OperationType distinguishes the mutations recorded for a block
type OperationType uint8

const (
	OperationSet OperationType = iota + 1
	OperationRemove
)

func (t OperationType) String() string {
	switch t {
	case OperationSet:
		return "set"
	case OperationRemove:
		return "remove"
	}
	return "unknown"
}

// operationRecord is the deterministic encoding of one mutation
type operationRecord struct {
	_      struct{} `cbor:",toarray"`
	Type   OperationType
	Entity string
	ID     string
	Fields map[string]model.Value
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// OperationStack accumulates the mutations applied while processing one
// block and summarizes them as a binary Merkle root.
type OperationStack struct {
	mu     sync.Mutex
	leaves [][]byte
}

// NewOperationStack creates an empty stack
func NewOperationStack() *OperationStack {
	return &OperationStack{}
}

// Put records a mutation. Fields are ignored for removes.
func (s *OperationStack) Put(op OperationType, entity, id string, data *model.Entity) error {
	rec := operationRecord{Type: op, Entity: entity, ID: id}
	if op == OperationSet && data != nil {
		rec.Fields = data.Fields
	}
	encoded, err := encMode.Marshal(rec)
	if err != nil {
		return err
	}
	leaf := blake2b.Sum256(encoded)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, leaf[:])
	return nil
}

// Len returns the number of recorded operations
func (s *OperationStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leaves)
}

// Root returns the Merkle root of the recorded operations. An odd node at
// any level is promoted unchanged. The root of an empty stack is all zeros.
func (s *OperationStack) Root() []byte {
	s.mu.Lock()
	level := make([][]byte, len(s.leaves))
	copy(level, s.leaves)
	s.mu.Unlock()

	if len(level) == 0 {
		return make([]byte, HashSize)
	}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h, _ := blake2b.New256(nil)
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return append([]byte(nil), level[0]...)
}

// Reset clears the stack for the next block
func (s *OperationStack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = nil
}
