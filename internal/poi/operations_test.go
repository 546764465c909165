package poi

import (
	"testing"

	"github.com/devrev/indexstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

func TestOperationStack_EmptyRoot(t *testing.T) {
	s := NewOperationStack()
	assert.Equal(t, make([]byte, HashSize), s.Root())
}

func TestOperationStack_RootDependsOnContentAndOrder(t *testing.T) {
	e1 := model.NewEntity("e1", map[string]model.Value{"field": model.Int(1)})
	e2 := model.NewEntity("e2", map[string]model.Value{"field": model.Int(2)})

	a := NewOperationStack()
	require.NoError(t, a.Put(OperationSet, "token", "e1", e1))
	require.NoError(t, a.Put(OperationSet, "token", "e2", e2))

	b := NewOperationStack()
	require.NoError(t, b.Put(OperationSet, "token", "e1", e1))
	require.NoError(t, b.Put(OperationSet, "token", "e2", e2))
	assert.Equal(t, a.Root(), b.Root())

	c := NewOperationStack()
	require.NoError(t, c.Put(OperationSet, "token", "e2", e2))
	require.NoError(t, c.Put(OperationSet, "token", "e1", e1))
	assert.NotEqual(t, a.Root(), c.Root())

	d := NewOperationStack()
	require.NoError(t, d.Put(OperationSet, "token", "e1", e1))
	require.NoError(t, d.Put(OperationRemove, "token", "e2", nil))
	assert.NotEqual(t, a.Root(), d.Root())
}

func TestOperationStack_OddNodePromoted(t *testing.T) {
	s := NewOperationStack()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(OperationRemove, "token", id, nil))
	}
	leaves := append([][]byte(nil), s.leaves...)

	h, _ := blake2b.New256(nil)
	h.Write(leaves[0])
	h.Write(leaves[1])
	left := h.Sum(nil)

	h.Reset()
	h.Write(left)
	h.Write(leaves[2])
	assert.Equal(t, h.Sum(nil), s.Root())
	assert.Equal(t, 3, s.Len())

	s.Reset()
	assert.Equal(t, 0, s.Len())
}

func TestOperationStack_FieldOrderIndependent(t *testing.T) {
	a := NewOperationStack()
	require.NoError(t, a.Put(OperationSet, "token", "e1", &model.Entity{ID: "e1", Fields: map[string]model.Value{
		"a": model.Int(1), "b": model.String("x"),
	}}))
	b := NewOperationStack()
	require.NoError(t, b.Put(OperationSet, "token", "e1", &model.Entity{ID: "e1", Fields: map[string]model.Value{
		"b": model.String("x"), "a": model.Int(1),
	}}))
	assert.Equal(t, a.Root(), b.Root())
}
