package lockservice

import (
	"encoding/json"
	"fmt"

	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/transaction"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages travel as google.protobuf.Struct on the wire; the Go types below
// are their schema.

// LockRequest names a transaction and a resource.
type LockRequest struct {
	TxnID      string `json:"txn_id"`
	ResourceID string `json:"resource_id"`
}

// AcquireResponse reports whether the lock was granted or the transaction
// was queued.
type AcquireResponse struct {
	Granted bool `json:"granted"`
}

// TxnRequest names a transaction.
type TxnRequest struct {
	TxnID string `json:"txn_id"`
}

// ReleaseAllResponse lists the resources that were released.
type ReleaseAllResponse struct {
	Released []string `json:"released"`
}

// ListLocksResponse is a snapshot of the lock table.
type ListLocksResponse struct {
	Locks []*lockstore.ResourceLock `json:"locks"`
}

// ScanResponse is the report of an on-demand scan.
type ScanResponse struct {
	Report deadlock.Report `json:"report"`
}

// GraphResponse is the current wait-for graph.
type GraphResponse struct {
	Cycles [][]string `json:"cycles"`
	DOT    string     `json:"dot"`
}

// BeginRequest starts a transaction. TxnID is optional.
type BeginRequest struct {
	Agent string `json:"agent"`
	TxnID string `json:"txn_id,omitempty"`
}

// AbortRequest aborts a transaction for Reason.
type AbortRequest struct {
	TxnID  string `json:"txn_id"`
	Reason string `json:"reason,omitempty"`
}

// TransactionResponse carries a transaction snapshot.
type TransactionResponse struct {
	Transaction transaction.Transaction `json:"transaction"`
}

// ApplyCommandRequest carries a serialized raft command from a follower.
type ApplyCommandRequest struct {
	Command []byte `json:"command"`
}

// JoinRequest adds a voter to the raft cluster.
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// Empty is the response of RPCs without a result.
type Empty struct{}

// toStruct converts a message to its wire form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// fromStruct decodes a wire message into v.
func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func decodeRequest(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}
