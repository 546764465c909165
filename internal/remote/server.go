package remote

import (
	"context"
	"encoding/binary"
	"errors"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/mmr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const indexPrefixSize = 8

// Server exposes a node store over gRPC
type Server struct {
	store  mmr.NodeStore
	logger *zap.Logger
}

// NewServer creates a server for store
func NewServer(store mmr.NodeStore, logger *zap.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Register attaches the NodeStore service to s
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) Get(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	value, err := s.store.Get(ctx, req.GetValue())
	if err != nil {
		return nil, s.toStatus("get", err)
	}
	return wrapperspb.Bytes(value), nil
}

func (s *Server) Set(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	payload := req.GetValue()
	if len(payload) <= indexPrefixSize {
		return nil, status.Error(codes.InvalidArgument, "set payload must carry an index and a node")
	}
	index := binary.BigEndian.Uint64(payload[:indexPrefixSize])
	if err := s.store.Set(ctx, payload[indexPrefixSize:], index); err != nil {
		return nil, s.toStatus("set", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) GetLeafLength(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	length, err := s.store.GetLeafLength(ctx)
	if err != nil {
		return nil, s.toStatus("get leaf length", err)
	}
	return wrapperspb.UInt64(length), nil
}

func (s *Server) SetLeafLength(ctx context.Context, req *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	if err := s.store.SetLeafLength(ctx, req.GetValue()); err != nil {
		return nil, s.toStatus("set leaf length", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) toStatus(op string, err error) error {
	if errors.Is(err, mmr.ErrNodeNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	var ie *indexerrors.IndexError
	if errors.As(err, &ie) {
		return ie.ToGRPCStatus().Err()
	}
	s.logger.Error("Node store operation failed", zap.String("operation", op), zap.Error(err))
	return status.Error(codes.Internal, err.Error())
}
