// Package node assembles a gojolock server from its configuration: the lock
// store backend, the lock manager, the transaction registry, the deadlock
// coordinator with its event sinks and the gRPC lock service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sushant-115/gojolock/api/lockservice"
	"github.com/sushant-115/gojolock/config"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/eventlog"
	"github.com/sushant-115/gojolock/core/lockmanager"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/lockstore/boltstore"
	"github.com/sushant-115/gojolock/core/lockstore/raftstore"
	"github.com/sushant-115/gojolock/core/lockstore/redisstore"
	"github.com/sushant-115/gojolock/core/transaction"
	"github.com/sushant-115/gojolock/core/victim"
	internaltelemetry "github.com/sushant-115/gojolock/internal/telemetry"
	"github.com/sushant-115/gojolock/pkg/connection"
	"github.com/sushant-115/gojolock/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Node is a running lock server.
type Node struct {
	cfg    config.Config
	logger *zap.Logger

	Store       lockstore.Store
	Raft        *raftstore.Store
	Manager     *lockmanager.Manager
	Registry    *transaction.Registry
	Coordinator *deadlock.Coordinator
	Journal     *eventlog.SQLiteJournal
	Publisher   *eventlog.RedisPublisher
	Shipper     *eventlog.Shipper
	Collector   *eventlog.Collector
	Telemetry   *telemetry.Telemetry

	telemetryShutdown telemetry.ShutdownFunc
	pool              *connection.PoolManager
	redisClient       *redis.Client
	grpcServer        *grpc.Server
	health            *health.Server
	lis               net.Listener

	closeOnce sync.Once
	closeErr  error
	serveErr  chan error
}

// New builds every component of cfg without opening listeners. On error the
// components built so far are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (n *Node, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n = &Node{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}
	defer func() {
		if err != nil {
			n.closeComponents(ctx)
			n = nil
		}
	}()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return n, fmt.Errorf("telemetry: %w", err)
	}
	n.Telemetry, n.telemetryShutdown = tel, shutdown
	lockMetrics, err := internaltelemetry.NewLockMetrics(tel.Meter)
	if err != nil {
		return n, fmt.Errorf("lock metrics: %w", err)
	}
	rpcMetrics, err := internaltelemetry.NewRPCMetrics(tel.Meter)
	if err != nil {
		return n, fmt.Errorf("rpc metrics: %w", err)
	}

	if err := n.openStore(ctx); err != nil {
		return n, err
	}

	n.Manager = lockmanager.New(n.Store, logger.Named("lock_manager"), lockmanager.Options{
		Tracer:  tel.Tracer,
		Metrics: lockMetrics,
	})
	n.Registry = transaction.NewRegistry(n.Manager, nil, logger.Named("transactions"))

	events, err := n.openSinks(ctx)
	if err != nil {
		return n, err
	}

	if cfg.Detector.Enabled {
		selector, err := victim.ForPolicy(cfg.Detector.VictimPolicy)
		if err != nil {
			return n, err
		}
		dc := deadlock.Config{
			Interval:              cfg.Detector.Interval,
			Selector:              selector,
			MaxRollbacksPerSecond: cfg.Detector.MaxRollbacksPerSecond,
			RollbackBurst:         cfg.Detector.RollbackBurst,
			RollbackTimeout:       cfg.Detector.RollbackTimeout,
			Tracer:                tel.Tracer,
			Metrics:               lockMetrics,
		}
		if n.Raft != nil {
			dc.ShouldScan = n.Raft.IsLeader
		}
		n.Coordinator = deadlock.NewCoordinator(n.Store, deadlock.RollbackFunc(n.rollback), events, logger, dc)
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled() {
		tlsCfg, err := cfg.TLS.ServerTLS()
		if err != nil {
			return n, fmt.Errorf("grpc tls: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	opts = append(opts, grpc.UnaryInterceptor(lockservice.UnaryServerInterceptor(rpcMetrics, logger.Named("grpc"))))
	n.grpcServer = grpc.NewServer(opts...)
	lockservice.RegisterLockServiceServer(n.grpcServer, lockservice.NewServer(lockservice.Deps{
		Manager:     n.Manager,
		Registry:    n.Registry,
		Coordinator: n.Coordinator,
		Raft:        n.Raft,
	}, logger))
	n.health = health.NewServer()
	healthpb.RegisterHealthServer(n.grpcServer, n.health)
	return n, nil
}

func (n *Node) openStore(ctx context.Context) error {
	cfg := n.cfg.Store
	var err error
	switch cfg.Backend {
	case config.BackendMemory:
		n.Store = lockstore.NewMemoryStore(cfg.Shards)
	case config.BackendBolt:
		var s *boltstore.Store
		if s, err = boltstore.Open(cfg.Bolt, n.logger.Named("bolt")); err == nil {
			n.Store = s
		}
	case config.BackendRedis:
		var s *redisstore.Store
		if s, err = redisstore.New(ctx, cfg.Redis, n.logger.Named("redis")); err == nil {
			n.Store = s
		}
	case config.BackendRaft:
		creds := insecure.NewCredentials()
		if n.cfg.TLS.Enabled() {
			tlsCfg, terr := n.cfg.TLS.ClientTLS()
			if terr != nil {
				return fmt.Errorf("forwarding tls: %w", terr)
			}
			creds = credentials.NewTLS(tlsCfg)
		}
		n.pool = connection.NewPoolManager(cfg.ForwardPoolSize, grpc.WithTransportCredentials(creds))
		var s *raftstore.Store
		if s, err = raftstore.Open(n.cfg.RaftNode(), lockservice.NewForwarder(n.pool), n.logger); err == nil {
			n.Raft, n.Store = s, s
		}
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	n.logger.Info("Lock store opened", zap.String("backend", cfg.Backend))
	return nil
}

// openSinks builds the resolution event sinks. Events received by the
// collector go to the local sinks only, never back to the shipper.
func (n *Node) openSinks(ctx context.Context) (deadlock.EventLogger, error) {
	cfg := n.cfg.Events
	local := eventlog.Multi{eventlog.NewZapLogger(n.logger)}

	if cfg.SQLitePath != "" {
		j, err := eventlog.OpenSQLiteJournal(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		n.Journal = j
		local = append(local, j)
	}
	if cfg.RedisAddr != "" {
		n.redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := n.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("event publisher: ping %s: %w", cfg.RedisAddr, err)
		}
		n.Publisher = eventlog.NewRedisPublisher(n.redisClient, cfg.RedisChannel)
		local = append(local, n.Publisher)
	}

	if cfg.Collector.Addr != "" {
		cc := cfg.Collector
		tlsCfg, err := n.cfg.TLS.ServerTLS()
		if err != nil {
			return nil, fmt.Errorf("collector tls: %w", err)
		}
		cc.TLS = tlsCfg
		n.Collector, err = eventlog.NewCollector(cc, local, n.logger)
		if err != nil {
			return nil, err
		}
	}

	all := local
	if cfg.Ship.Addr != "" {
		sc := cfg.Ship
		if sc.TLS == nil {
			tlsCfg, err := n.cfg.TLS.ClientTLS()
			if err != nil {
				return nil, fmt.Errorf("shipper tls: %w", err)
			}
			sc.TLS = tlsCfg
		}
		s, err := eventlog.NewShipper(sc, n.logger)
		if err != nil {
			return nil, err
		}
		n.Shipper = s
		all = append(all[:len(all):len(all)], s)
	}
	return all, nil
}

// rollback aborts a victim through the registry. Transactions the registry
// never saw, because the client manages its own ids, only lose their locks.
// So do finished transactions that still show up in a cycle: whatever they
// hold is left over and must not keep the cycle alive.
func (n *Node) rollback(ctx context.Context, txnID string) error {
	err := n.Registry.Rollback(ctx, txnID)
	if errors.Is(err, transaction.ErrUnknownTransaction) || errors.Is(err, transaction.ErrTransactionFinished) {
		released, rerr := n.Manager.ReleaseAll(ctx, txnID)
		if rerr == nil && errors.Is(err, transaction.ErrTransactionFinished) {
			n.logger.Warn("Released locks left over by a finished transaction",
				zap.String("txn_id", txnID), zap.Strings("released", released))
		}
		return rerr
	}
	return err
}

// Start opens the gRPC listener and starts the coordinator and collector.
func (n *Node) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", n.cfg.Node.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Node.GRPCAddr, err)
	}
	n.lis = lis
	go func() {
		n.logger.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
		if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			n.logger.Error("gRPC server failed", zap.Error(err))
			n.serveErr <- err
		}
	}()

	if n.Collector != nil {
		if err := n.Collector.Start(); err != nil {
			return err
		}
	}
	if n.Coordinator != nil {
		if err := n.Coordinator.Start(ctx); err != nil {
			return err
		}
	}
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(lockservice.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Addr returns the gRPC listen address once started.
func (n *Node) Addr() string {
	if n.lis == nil {
		return ""
	}
	return n.lis.Addr().String()
}

// Err reports a gRPC serve failure after Start.
func (n *Node) Err() <-chan error { return n.serveErr }

// Close stops serving and releases every component. It is safe to call more
// than once.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.logger.Info("Shutting down node...")
		if n.health != nil {
			n.health.Shutdown()
		}
		if n.Coordinator != nil {
			n.Coordinator.Stop()
		}
		if n.grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				n.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				n.grpcServer.Stop()
			}
		}
		n.closeErr = n.closeComponents(ctx)
		n.logger.Info("Node shut down.")
	})
	return n.closeErr
}

func (n *Node) closeComponents(ctx context.Context) error {
	var errs []error
	if n.Collector != nil {
		errs = append(errs, n.Collector.Close(ctx))
	}
	if n.Shipper != nil {
		if err := n.Shipper.Close(); err != nil && !errors.Is(err, eventlog.ErrShipperClosed) {
			errs = append(errs, err)
		}
	}
	if n.Journal != nil {
		errs = append(errs, n.Journal.Close())
	}
	if n.redisClient != nil {
		errs = append(errs, n.redisClient.Close())
	}
	if n.Store != nil {
		errs = append(errs, n.Store.Close())
	}
	if n.pool != nil {
		errs = append(errs, n.pool.Close())
	}
	if n.telemetryShutdown != nil {
		errs = append(errs, n.telemetryShutdown(ctx))
	}
	return errors.Join(errs...)
}
