package lockservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/raft"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/lockmanager"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/transaction"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnsupported is returned for RPCs that need a component this node does
// not run: the raft RPCs without the raft backend, Scan without a detector.
var ErrUnsupported = errors.New("lockservice: operation not supported by this node")

// errorCodes maps domain errors to gRPC codes. Order matters: the first match wins.
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{lockstore.ErrStoreUnavailable, codes.Unavailable},
	{lockstore.ErrConflict, codes.Aborted},
	{lockstore.ErrInvalidResourceState, codes.DataLoss},
	{lockstore.ErrNotFound, codes.NotFound},
	{lockmanager.ErrInvalidArgument, codes.InvalidArgument},
	{transaction.ErrUnknownTransaction, codes.NotFound},
	{transaction.ErrTransactionExists, codes.AlreadyExists},
	{transaction.ErrTransactionFinished, codes.FailedPrecondition},
	{deadlock.ErrScanInProgress, codes.ResourceExhausted},
	{ErrUnsupported, codes.Unimplemented},
	{raft.ErrNotLeader, codes.Unavailable},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus converts an error returned by the core packages into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// fromStatus turns a gRPC error back into an error matching the sentinel of
// the server side, so errors.Is works across the wire.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.Unavailable:
		sentinel = lockstore.ErrStoreUnavailable
	case codes.Aborted:
		sentinel = lockstore.ErrConflict
	case codes.DataLoss:
		sentinel = lockstore.ErrInvalidResourceState
	case codes.InvalidArgument:
		sentinel = lockmanager.ErrInvalidArgument
	case codes.NotFound:
		sentinel = transaction.ErrUnknownTransaction
	case codes.AlreadyExists:
		sentinel = transaction.ErrTransactionExists
	case codes.FailedPrecondition:
		sentinel = transaction.ErrTransactionFinished
	case codes.ResourceExhausted:
		sentinel = deadlock.ErrScanInProgress
	case codes.Unimplemented:
		sentinel = ErrUnsupported
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
