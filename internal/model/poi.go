package model

// ProofOfIndex is the per-block checkpoint record. Hash and MMRRoot are
// filled in by the indexer; MMRRoot never changes once set.
type ProofOfIndex struct {
	Height            uint64 `json:"height"`
	ChainBlockHash    []byte `json:"chain_block_hash"`
	OperationHashRoot []byte `json:"operation_hash_root"`
	ParentHash        []byte `json:"parent_hash"`
	Hash              []byte `json:"hash"`
	MMRRoot           []byte `json:"mmr_root,omitempty"`
	ProjectID         string `json:"project_id"`
}

// Clone copies every byte slice
func (p *ProofOfIndex) Clone() *ProofOfIndex {
	if p == nil {
		return nil
	}
	return &ProofOfIndex{
		Height:            p.Height,
		ChainBlockHash:    append([]byte(nil), p.ChainBlockHash...),
		OperationHashRoot: append([]byte(nil), p.OperationHashRoot...),
		ParentHash:        append([]byte(nil), p.ParentHash...),
		Hash:              append([]byte(nil), p.Hash...),
		MMRRoot:           cloneOptional(p.MMRRoot),
		ProjectID:         p.ProjectID,
	}
}

func cloneOptional(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
