// Command gojolock_cli talks to a gojolock server, either one command per
// invocation or as an interactive shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/sushant-115/gojolock/api/lockservice"
	"github.com/sushant-115/gojolock/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultTimeout = 10 * time.Second

// Options holds the connection flags.
type Options struct {
	Addr     string
	CertsDir string
	Timeout  time.Duration
	History  string
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the CLI command. Without arguments it starts the
// interactive shell.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "gojolock_cli [command [args...]]",
		Short:         "gojolock client",
		Long:          "Acquire and release locks, manage transactions and inspect deadlocks on a gojolock server. Run without arguments for an interactive shell; type 'help' there for the commands.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := dial(opts)
			if err != nil {
				return err
			}
			defer cc.Close()
			sh := newShell(lockservice.NewClient(cc), cmd.OutOrStdout(), opts.Timeout)

			if len(args) > 0 {
				_, err := sh.exec(cmd.Context(), args)
				return err
			}
			return interactive(cmd.Context(), sh, opts.History)
		},
	}

	cmd.Flags().StringVarP(&opts.Addr, "addr", "a", "127.0.0.1:7070", "gRPC address of the server")
	cmd.Flags().StringVar(&opts.CertsDir, "certs-dir", "", "use the client certificates written by `gojolock_server certs`")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaultTimeout, "per-command deadline")
	cmd.Flags().StringVar(&opts.History, "history", "", "history file of the interactive shell")
	// Flags after the command word belong to the command.
	cmd.Flags().SetInterspersed(false)

	return cmd
}

func dial(opts *Options) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if opts.CertsDir != "" {
		tlsCfg, err := config.TLSConfig{}.FromDir(opts.CertsDir, "client").ClientTLS()
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	return grpc.NewClient(opts.Addr, grpc.WithTransportCredentials(creds))
}

func interactive(ctx context.Context, sh *shell, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojolock> ",
		HistoryFile:     history,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          sh.out,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(sh.out, "gojolock CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		exit, err := sh.exec(ctx, args)
		if err != nil {
			fmt.Fprintln(sh.out, "Error:", err)
		}
		if exit {
			return nil
		}
	}
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	return readline.NewPrefixCompleter(items...)
}
