package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sushant-115/gojolock/config/certs"
)

// CertsOptions configures certificate generation.
type CertsOptions struct {
	Dir   string
	Hosts []string
}

// NewCertsCommand creates the certs command.
func NewCertsCommand(_ *RootOptions) *cobra.Command {
	opts := &CertsOptions{}

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA and mutual-TLS certificates",
		Long: `Generate a self-signed CA plus server and client certificates for
the gRPC listener, raft forwarding and the HTTP/3 event transport.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := certs.GenerateCerts(opts.Dir, opts.Hosts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificates written to %s\n", opts.Dir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Dir, "dir", "d", "", "output directory")
	cmd.Flags().StringSliceVar(&opts.Hosts, "host", nil, "DNS names or IPs of the server certificate (default localhost,127.0.0.1)")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}
