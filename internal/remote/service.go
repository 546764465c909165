// Package remote serves an mmr.NodeStore over gRPC so the append cursor can
// live in a different process from the indexer.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "indexstore.mmr.NodeStore"

const (
	methodGet           = "/" + serviceName + "/Get"
	methodSet           = "/" + serviceName + "/Set"
	methodGetLeafLength = "/" + serviceName + "/GetLeafLength"
	methodSetLeafLength = "/" + serviceName + "/SetLeafLength"
)

// nodeStoreServer is the server side of the NodeStore service. Set carries
// an 8 byte big-endian index followed by the node.
type nodeStoreServer interface {
	Get(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	Set(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	GetLeafLength(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
	SetLeafLength(context.Context, *wrapperspb.UInt64Value) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "GetLeafLength", Handler: getLeafLengthHandler},
		{MethodName: "SetLeafLength", Handler: setLeafLengthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "indexstore/mmr/node_store.proto",
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeStoreServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeStoreServer).Get(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func setHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeStoreServer).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeStoreServer).Set(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getLeafLengthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeStoreServer).GetLeafLength(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetLeafLength}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeStoreServer).GetLeafLength(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func setLeafLengthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeStoreServer).SetLeafLength(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetLeafLength}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeStoreServer).SetLeafLength(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}
