package remote

import (
	"context"
	"net"
	"testing"

	"github.com/devrev/indexstore/internal/mmr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func newTestClient(t *testing.T, store mmr.NodeStore) *Client {
	listener := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer(store, zap.NewNop()).Register(gs)
	go func() { _ = gs.Serve(listener) }()
	t.Cleanup(gs.Stop)

	client, err := Dial(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backing := mmr.NewMemoryStore()
	client := newTestClient(t, backing)

	node := make([]byte, mmr.WordSize)
	node[0] = 0xab
	require.NoError(t, client.Set(ctx, node, 7))
	require.NoError(t, client.SetLeafLength(ctx, 5))

	got, err := client.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, node, got)

	direct, err := backing.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, node, direct)

	length, err := client.GetLeafLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), length)

	_, err = client.Get(ctx, 99)
	assert.ErrorIs(t, err, mmr.ErrNodeNotFound)

	err = client.Set(ctx, []byte{1, 2}, 8)
	assert.Error(t, err)
}

func TestClient_BacksMMR(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, mmr.NewMemoryStore())

	remote := mmr.New(client, zap.NewNop())
	local := mmr.New(mmr.NewMemoryStore(), zap.NewNop())
	for i := 0; i < 6; i++ {
		leaf := blake2b.Sum256([]byte{byte(i)})
		require.NoError(t, remote.Append(ctx, leaf[:], uint64(i)))
		require.NoError(t, local.Append(ctx, leaf[:], uint64(i)))
	}

	remoteRoot, err := remote.GetRoot(ctx, 5)
	require.NoError(t, err)
	localRoot, err := local.GetRoot(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, localRoot, remoteRoot)

	leaf := blake2b.Sum256([]byte{0xff})
	err = remote.Append(ctx, leaf[:], 9)
	assert.Error(t, err)
}
