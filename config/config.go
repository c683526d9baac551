// Package config defines the YAML configuration of a gojolock server.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sushant-115/gojolock/config/certs"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/eventlog"
	"github.com/sushant-115/gojolock/core/lockstore/boltstore"
	"github.com/sushant-115/gojolock/core/lockstore/raftstore"
	"github.com/sushant-115/gojolock/core/lockstore/redisstore"
	"github.com/sushant-115/gojolock/core/victim"
	"github.com/sushant-115/gojolock/pkg/logger"
	"github.com/sushant-115/gojolock/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendRaft   = "raft"
)

// Config is the root document.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Store     StoreConfig      `yaml:"store"`
	Detector  DetectorConfig   `yaml:"detector"`
	Events    EventsConfig     `yaml:"events"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	TLS       TLSConfig        `yaml:"tls"`
}

// NodeConfig identifies this server.
type NodeConfig struct {
	ID       string `yaml:"id"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// StoreConfig selects and configures the lock table backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Shards of the in-memory store.
	Shards int                  `yaml:"shards"`
	Bolt   boltstore.Config     `yaml:"bolt"`
	Redis  redisstore.Config    `yaml:"redis"`
	Raft   raftstore.NodeConfig `yaml:"raft"`
	// ForwardPoolSize is the number of gRPC connections kept per peer for
	// follower to leader forwarding.
	ForwardPoolSize int `yaml:"forward_pool_size"`
}

// DetectorConfig tunes the deadlock coordinator.
type DetectorConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Interval              time.Duration `yaml:"interval"`
	VictimPolicy          string        `yaml:"victim_policy"`
	MaxRollbacksPerSecond float64       `yaml:"max_rollbacks_per_second"`
	RollbackBurst         int           `yaml:"rollback_burst"`
	RollbackTimeout       time.Duration `yaml:"rollback_timeout"`
}

// EventsConfig lists the resolution event sinks. The structured log sink is
// always on; the others are enabled by setting their address or path.
type EventsConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	// Ship sends events to a remote collector over HTTP/3 when Addr is set.
	Ship eventlog.ShipperConfig `yaml:"ship"`
	// Collector receives events from other nodes when Addr is set.
	Collector eventlog.CollectorConfig `yaml:"collector"`
}

// TLSConfig points at PEM files produced by `gojolock_server certs`.
// An empty CAFile disables TLS on the gRPC listener.
type TLSConfig struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// Enabled reports whether TLS material is configured.
func (t TLSConfig) Enabled() bool { return t.CAFile != "" }

// FromDir fills the paths with the file names written by certs.GenerateCerts.
// role is "server" or "client".
func (t TLSConfig) FromDir(dir, role string) TLSConfig {
	t.CAFile = filepath.Join(dir, certs.CAFile)
	if role == "client" {
		t.CertFile = filepath.Join(dir, certs.ClientCertFile)
		t.KeyFile = filepath.Join(dir, certs.ClientKeyFile)
	} else {
		t.CertFile = filepath.Join(dir, certs.ServerCertFile)
		t.KeyFile = filepath.Join(dir, certs.ServerKeyFile)
	}
	return t
}

// ServerTLS loads the server side mutual-TLS config.
func (t TLSConfig) ServerTLS(nextProtos ...string) (*tls.Config, error) {
	return certs.LoadServerTLSConfig(t.CAFile, t.CertFile, t.KeyFile, nextProtos...)
}

// ClientTLS loads the client side mutual-TLS config. The same certificate
// pair serves both directions between nodes.
func (t TLSConfig) ClientTLS(nextProtos ...string) (*tls.Config, error) {
	serverName := t.ServerName
	if serverName == "" {
		serverName = "localhost"
	}
	return certs.LoadClientTLSConfig(t.CAFile, t.CertFile, t.KeyFile, serverName, nextProtos...)
}

// Default returns a single-node, in-memory configuration.
func Default() Config {
	lc := logger.Default()
	return Config{
		Node: NodeConfig{ID: "node1", GRPCAddr: "127.0.0.1:7070"},
		Store: StoreConfig{
			Backend:         BackendMemory,
			Shards:          16,
			Bolt:            boltstore.Config{Path: "data/locks.db", OpenTimeout: time.Second},
			Redis:           redisstore.Config{Addr: "127.0.0.1:6379", KeyPrefix: "gojolock:", MaxRetries: 16},
			Raft:            raftstore.NodeConfig{BindAddr: "127.0.0.1:7071", DataDir: "data/raft", ApplyTimeout: 5 * time.Second},
			ForwardPoolSize: 2,
		},
		Detector: DetectorConfig{
			Enabled:         true,
			Interval:        deadlock.DefaultInterval,
			VictimPolicy:    victim.PolicyFirstInCycle,
			RollbackBurst:   1,
			RollbackTimeout: deadlock.DefaultRollbackTimeout,
		},
		Events: EventsConfig{
			RedisChannel: eventlog.DefaultChannel,
		},
		Logger:    lc,
		Telemetry: telemetry.Config{ServiceName: "gojolock", TraceSampleRatio: 1},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over Default and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.GRPCAddr == "" {
		errs = append(errs, errors.New("node.grpc_addr is required"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Store.Bolt.Path == "" {
			errs = append(errs, errors.New("store.bolt.path is required for the bolt backend"))
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	case BackendRaft:
		if c.Store.Raft.BindAddr == "" || c.Store.Raft.DataDir == "" {
			errs = append(errs, errors.New("store.raft.bind_addr and store.raft.data_dir are required for the raft backend"))
		}
		for _, p := range c.Store.Raft.Peers {
			if p.ID == "" || p.RaftAddr == "" {
				errs = append(errs, fmt.Errorf("store.raft.peers: peer %q needs id and raft_addr", p.ID))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, bolt, redis, raft", c.Store.Backend))
	}

	if c.Detector.Interval <= 0 {
		errs = append(errs, errors.New("detector.interval must be positive"))
	}
	if _, err := victim.ForPolicy(c.Detector.VictimPolicy); err != nil {
		errs = append(errs, fmt.Errorf("detector.victim_policy: %w", err))
	}
	if c.Detector.MaxRollbacksPerSecond < 0 {
		errs = append(errs, errors.New("detector.max_rollbacks_per_second must not be negative"))
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.trace_sample_ratio must be within [0, 1]"))
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file are required with tls.ca_file"))
	}
	if c.Events.Collector.Addr != "" && !c.TLS.Enabled() {
		errs = append(errs, errors.New("events.collector needs tls (HTTP/3)"))
	}
	if c.Events.Ship.Addr != "" && !c.TLS.Enabled() {
		errs = append(errs, errors.New("events.ship needs tls (HTTP/3)"))
	}
	return errors.Join(errs...)
}

// RaftNode returns the raft node config with the node id filled in.
func (c *Config) RaftNode() raftstore.NodeConfig {
	rc := c.Store.Raft
	if rc.NodeID == "" {
		rc.NodeID = c.Node.ID
	}
	return rc
}
