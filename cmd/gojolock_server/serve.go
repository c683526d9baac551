package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/sushant-115/gojolock/config"
	"github.com/sushant-115/gojolock/internal/node"
	"github.com/sushant-115/gojolock/pkg/logger"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions override single settings of the configuration file.
type ServeOptions struct {
	NodeID    string
	GRPCAddr  string
	Backend   string
	RaftAddr  string
	Bootstrap bool
	CertsDir  string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a lock server node",
		Long: `Run a lock server node until SIGINT or SIGTERM.

Flags override the matching keys of the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "override node.id")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", "", "override node.grpc_addr")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "override store.backend (memory|bolt|redis|raft)")
	cmd.Flags().StringVar(&opts.RaftAddr, "raft-addr", "", "override store.raft.bind_addr")
	cmd.Flags().BoolVar(&opts.Bootstrap, "bootstrap", false, "bootstrap the raft cluster from this node")
	cmd.Flags().StringVar(&opts.CertsDir, "certs-dir", "", "use the server certificates written by `certs` in this directory")

	return cmd
}

func (o *ServeOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.NodeID != "" {
		cfg.Node.ID = o.NodeID
	}
	if o.GRPCAddr != "" {
		cfg.Node.GRPCAddr = o.GRPCAddr
	}
	if o.Backend != "" {
		cfg.Store.Backend = o.Backend
	}
	if o.RaftAddr != "" {
		cfg.Store.Raft.BindAddr = o.RaftAddr
	}
	if cmd.Flags().Changed("bootstrap") {
		cfg.Store.Raft.Bootstrap = o.Bootstrap
	}
	if o.CertsDir != "" {
		cfg.TLS = cfg.TLS.FromDir(o.CertsDir, "server")
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg.Logger.NodeID = cfg.Node.ID
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to build node", zap.Error(err))
		return err
	}
	if err := n.Start(ctx); err != nil {
		log.Error("Failed to start node", zap.Error(err))
		n.Close(context.Background())
		return err
	}
	log.Info("gojolock server started",
		zap.String("grpc_addr", n.Addr()),
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("detector", cfg.Detector.Enabled))

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case serveErr = <-n.Err():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, n.Close(shutdownCtx))
}
