package poi

import (
	"bytes"
	"testing"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func validInput() BlockInput {
	return BlockInput{
		Height:            model.Height(258),
		ChainBlockHash:    bytes.Repeat([]byte{0x11}, 32),
		OperationHashRoot: bytes.Repeat([]byte{0x22}, 32),
		ParentHash:        bytes.Repeat([]byte{0x33}, 32),
		ProjectID:         "project-a",
	}
}

func TestDeriveHash_FieldOrder(t *testing.T) {
	in := validInput()

	var expected []byte
	expected = append(expected, 0x01, 0x02)
	expected = append(expected, in.ChainBlockHash...)
	expected = append(expected, in.OperationHashRoot...)
	expected = append(expected, []byte("project-a")...)
	expected = append(expected, in.ParentHash...)
	sum := blake2b.Sum256(expected)

	got, err := DeriveHash(in)
	require.NoError(t, err)
	assert.Equal(t, sum[:], got)
}

func TestDeriveHash_Deterministic(t *testing.T) {
	a, err := DeriveHash(validInput())
	require.NoError(t, err)
	b, err := DeriveHash(validInput())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := validInput()
	changed.ProjectID = "project-b"
	c, err := DeriveHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDeriveHash_GenesisParent(t *testing.T) {
	in := validInput()
	in.ParentHash = nil
	implicit, err := DeriveHash(in)
	require.NoError(t, err)

	in.ParentHash = make([]byte, HashSize)
	explicit, err := DeriveHash(in)
	require.NoError(t, err)
	assert.Equal(t, explicit, implicit)
}

func TestDeriveHash_MissingInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BlockInput)
	}{
		{name: "height", mutate: func(in *BlockInput) { in.Height = nil }},
		{name: "chain block hash", mutate: func(in *BlockInput) { in.ChainBlockHash = nil }},
		{name: "operation hash root", mutate: func(in *BlockInput) { in.OperationHashRoot = nil }},
		{name: "project id", mutate: func(in *BlockInput) { in.ProjectID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := DeriveHash(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, indexerrors.ErrMissingInput)
		})
	}
}

func TestEncodeHeight(t *testing.T) {
	assert.Equal(t, []byte{0}, EncodeHeight(0))
	assert.Equal(t, []byte{0xff}, EncodeHeight(255))
	assert.Equal(t, []byte{0x01, 0x00}, EncodeHeight(256))
}
