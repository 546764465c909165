// Package poi derives Proof-of-Index checkpoint hashes.
package poi

import (
	"math/big"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the byte length of every checkpoint hash
const HashSize = blake2b.Size256

// GenesisParentHash is the parent of the first checkpoint
var GenesisParentHash = make([]byte, HashSize)

// BlockInput carries the fields a checkpoint hash commits to. Height is a
// pointer so that an absent height can be told apart from height zero.
type BlockInput struct {
	Height            *uint64
	ChainBlockHash    []byte
	OperationHashRoot []byte
	ParentHash        []byte
	ProjectID         string
}

// DeriveHash returns blake2b-256 over height, chain block hash, operation
// hash root, project id and parent hash, in that order. A nil parent hash is
// the genesis parent.
func DeriveHash(in BlockInput) ([]byte, error) {
	switch {
	case in.Height == nil:
		return nil, indexerrors.MissingInput("height")
	case len(in.ChainBlockHash) == 0:
		return nil, indexerrors.MissingInput("chainBlockHash")
	case len(in.OperationHashRoot) == 0:
		return nil, indexerrors.MissingInput("operationHashRoot")
	case in.ProjectID == "":
		return nil, indexerrors.MissingInput("projectId")
	}

	parent := in.ParentHash
	if parent == nil {
		parent = GenesisParentHash
	}

	h, _ := blake2b.New256(nil)
	h.Write(EncodeHeight(*in.Height))
	h.Write(in.ChainBlockHash)
	h.Write(in.OperationHashRoot)
	h.Write([]byte(in.ProjectID))
	h.Write(parent)
	return h.Sum(nil), nil
}

// EncodeHeight returns the minimal big-endian encoding of height. Zero
// encodes as a single zero byte.
func EncodeHeight(height uint64) []byte {
	b := new(big.Int).SetUint64(height).Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}
