package raftstore

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	applog "github.com/sushant-115/gojolock/pkg/logger"
	"go.uber.org/zap"
)

const (
	RaftTransportMaxPool = 3
	RaftTransportTimeout = 10 * time.Second
	RaftSnapShotRetain   = 2
)

// Peer describes one member of the lock cluster.
type Peer struct {
	ID       string `yaml:"id"`
	RaftAddr string `yaml:"raft_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// NodeConfig configures a raft-backed lock store.
type NodeConfig struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
	// Bootstrap forms a new cluster out of Peers (or this node alone) when
	// no previous raft state exists on disk.
	Bootstrap    bool          `yaml:"bootstrap"`
	Peers        []Peer        `yaml:"peers"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

// PeerAddrs maps raft server ids to lock service addresses.
func (c NodeConfig) PeerAddrs() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		if p.GRPCAddr != "" {
			out[p.ID] = p.GRPCAddr
		}
	}
	return out
}

// Open starts a raft node with a TCP transport, a bolt log store and a file
// snapshot store under cfg.DataDir, and returns a Store on top of it.
func Open(cfg NodeConfig, forwarder Forwarder, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft node id is required")
	}
	if cfg.BindAddr == "" {
		return nil, fmt.Errorf("raft bind address is required")
	}
	logger.Info("Initializing Raft...", zap.String("node_id", cfg.NodeID), zap.String("bind_addr", cfg.BindAddr))

	// raft-boltdb reports every finished read transaction as "tx closed".
	raftLogger := applog.HCLog(logger.Named("raft"), "tx closed")
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.Logger = raftLogger

	raftDataPath := filepath.Join(cfg.DataDir, cfg.NodeID, "raft_meta")
	if err := os.MkdirAll(raftDataPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create Raft data directory %s: %w", raftDataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, RaftTransportMaxPool, RaftTransportTimeout, raftLogger.Named("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(raftDataPath, RaftSnapShotRetain, raftLogger.Named("snapshots"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", raftDataPath, err)
	}

	boltDBPath := filepath.Join(raftDataPath, "raft.db")
	boltDB, err := raftboltdb.NewBoltStore(boltDBPath)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltDBPath, err)
	}

	hasState, err := raft.HasExistingState(boltDB, boltDB, snapshots)
	if err != nil {
		boltDB.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}

	fsm := NewFSM(logger.Named("fsm"))
	node, err := raft.NewRaft(config, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		boltDB.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if cfg.Bootstrap && !hasState {
		logger.Info("Bootstrapping Raft cluster...", zap.Int("peers", len(cfg.Peers)))
		bootstrapFuture := node.BootstrapCluster(bootstrapConfiguration(cfg, transport.LocalAddr()))
		if err := bootstrapFuture.Error(); err != nil {
			node.Shutdown()
			boltDB.Close()
			transport.Close()
			return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
		}
		logger.Info("Raft cluster bootstrapped successfully.")
	} else if !hasState {
		logger.Warn("Node is not bootstrapping and has no raft state. It stays idle until the leader adds it.")
	}

	return NewStore(node, fsm, Options{
		Forwarder:    forwarder,
		Peers:        cfg.PeerAddrs(),
		ApplyTimeout: cfg.ApplyTimeout,
		Closers:      []io.Closer{boltDB, transport},
	}, logger), nil
}

func bootstrapConfiguration(cfg NodeConfig, local raft.ServerAddress) raft.Configuration {
	servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: local}}
	for _, p := range cfg.Peers {
		if p.ID == cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.RaftAddr)})
	}
	return raft.Configuration{Servers: servers}
}
