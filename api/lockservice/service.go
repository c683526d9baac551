// Package lockservice exposes the lock manager, the transaction registry and
// the deadlock coordinator of a node over gRPC. It also carries the raft
// command forwarding used by follower nodes.
package lockservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gojolock.v1.LockService"

// Full method names.
const (
	MethodAcquire      = "/" + ServiceName + "/Acquire"
	MethodRelease      = "/" + ServiceName + "/Release"
	MethodCancelWait   = "/" + ServiceName + "/CancelWait"
	MethodReleaseAll   = "/" + ServiceName + "/ReleaseAll"
	MethodListLocks    = "/" + ServiceName + "/ListLocks"
	MethodScan         = "/" + ServiceName + "/Scan"
	MethodGraph        = "/" + ServiceName + "/Graph"
	MethodBegin        = "/" + ServiceName + "/Begin"
	MethodCommit       = "/" + ServiceName + "/Commit"
	MethodAbort        = "/" + ServiceName + "/Abort"
	MethodApplyCommand = "/" + ServiceName + "/ApplyCommand"
	MethodJoin         = "/" + ServiceName + "/Join"
)

// LockServiceServer is the server API of the lock service.
type LockServiceServer interface {
	Acquire(context.Context, LockRequest) (AcquireResponse, error)
	Release(context.Context, LockRequest) (Empty, error)
	CancelWait(context.Context, LockRequest) (Empty, error)
	ReleaseAll(context.Context, TxnRequest) (ReleaseAllResponse, error)
	ListLocks(context.Context, Empty) (ListLocksResponse, error)
	Scan(context.Context, Empty) (ScanResponse, error)
	Graph(context.Context, Empty) (GraphResponse, error)
	Begin(context.Context, BeginRequest) (TransactionResponse, error)
	Commit(context.Context, TxnRequest) (TransactionResponse, error)
	Abort(context.Context, AbortRequest) (TransactionResponse, error)
	ApplyCommand(context.Context, ApplyCommandRequest) (Empty, error)
	Join(context.Context, JoinRequest) (Empty, error)
}

// RegisterLockServiceServer registers srv on s.
func RegisterLockServiceServer(s grpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockService_ServiceDesc, srv)
}

// unary builds a MethodHandler that decodes a Struct into Req, calls fn and
// encodes Resp. Domain errors are converted to status errors.
func unary[Req, Resp any](fullMethod string, fn func(LockServiceServer, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	call := func(srv any, ctx context.Context, in *structpb.Struct) (any, error) {
		var req Req
		if err := decodeRequest(in, &req); err != nil {
			return nil, err
		}
		resp, err := fn(srv.(LockServiceServer), ctx, req)
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(resp)
	}
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// LockService_ServiceDesc is the grpc.ServiceDesc for the lock service.
var LockService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: unary(MethodAcquire, LockServiceServer.Acquire)},
		{MethodName: "Release", Handler: unary(MethodRelease, LockServiceServer.Release)},
		{MethodName: "CancelWait", Handler: unary(MethodCancelWait, LockServiceServer.CancelWait)},
		{MethodName: "ReleaseAll", Handler: unary(MethodReleaseAll, LockServiceServer.ReleaseAll)},
		{MethodName: "ListLocks", Handler: unary(MethodListLocks, LockServiceServer.ListLocks)},
		{MethodName: "Scan", Handler: unary(MethodScan, LockServiceServer.Scan)},
		{MethodName: "Graph", Handler: unary(MethodGraph, LockServiceServer.Graph)},
		{MethodName: "Begin", Handler: unary(MethodBegin, LockServiceServer.Begin)},
		{MethodName: "Commit", Handler: unary(MethodCommit, LockServiceServer.Commit)},
		{MethodName: "Abort", Handler: unary(MethodAbort, LockServiceServer.Abort)},
		{MethodName: "ApplyCommand", Handler: unary(MethodApplyCommand, LockServiceServer.ApplyCommand)},
		{MethodName: "Join", Handler: unary(MethodJoin, LockServiceServer.Join)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojolock/v1/lock_service",
}
