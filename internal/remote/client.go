package remote

import (
	"context"
	"encoding/binary"
	"fmt"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/mmr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is an mmr.NodeStore backed by a remote Server. Calls on one
// connection are delivered in order.
type Client struct {
	addr   string
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// Dial connects to a remote node store
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node store at %s: %w", addr, err)
	}
	logger.Info("Connected to remote node store", zap.String("address", addr))
	return &Client{addr: addr, conn: conn, logger: logger}, nil
}

func (c *Client) Get(ctx context.Context, index uint64) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodGet, wrapperspb.UInt64(index), out); err != nil {
		return nil, fromStatus(err)
	}
	return out.GetValue(), nil
}

func (c *Client) Set(ctx context.Context, value []byte, index uint64) error {
	payload := make([]byte, indexPrefixSize+len(value))
	binary.BigEndian.PutUint64(payload, index)
	copy(payload[indexPrefixSize:], value)
	if err := c.conn.Invoke(ctx, methodSet, wrapperspb.Bytes(payload), new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) GetLeafLength(ctx context.Context) (uint64, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.conn.Invoke(ctx, methodGetLeafLength, &emptypb.Empty{}, out); err != nil {
		return 0, fromStatus(err)
	}
	return out.GetValue(), nil
}

func (c *Client) SetLeafLength(ctx context.Context, length uint64) error {
	if err := c.conn.Invoke(ctx, methodSetLeafLength, wrapperspb.UInt64(length), new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func fromStatus(err error) error {
	if status.Code(err) == codes.NotFound {
		return mmr.ErrNodeNotFound
	}
	return indexerrors.FromGRPCStatus(err)
}
