package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sushant-115/gojolock/api/lockservice"
	"github.com/sushant-115/gojolock/core/transaction"
)

var errUsage = errors.New("usage")

type command struct {
	name string
	args string
	help string
	min  int
	max  int // -1: unbounded
	run  func(s *shell, ctx context.Context, args []string) error
}

// commands is filled in init because help refers to it.
var commands []command

func init() {
	commands = []command{
		{name: "begin", args: "[agent] [txn-id]", help: "start a transaction", max: 2, run: (*shell).begin},
		{name: "acquire", args: "<txn-id> <resource>", help: "acquire a lock or join its wait queue", min: 2, max: 2, run: (*shell).acquire},
		{name: "release", args: "<txn-id> <resource>", help: "release a held lock", min: 2, max: 2, run: (*shell).release},
		{name: "cancel", args: "<txn-id> <resource>", help: "leave a wait queue", min: 2, max: 2, run: (*shell).cancel},
		{name: "release-all", args: "<txn-id>", help: "release every lock and wait of a transaction", min: 1, max: 1, run: (*shell).releaseAll},
		{name: "commit", args: "<txn-id>", help: "commit a transaction and release its locks", min: 1, max: 1, run: (*shell).commit},
		{name: "abort", args: "<txn-id> [reason...]", help: "abort a transaction and release its locks", min: 1, max: -1, run: (*shell).abort},
		{name: "locks", help: "list the lock table", run: (*shell).locks},
		{name: "scan", help: "run a deadlock scan now", run: (*shell).scan},
		{name: "graph", args: "[dot]", help: "show wait-for cycles, or the graph in DOT", max: 1, run: (*shell).graph},
		{name: "join", args: "<node-id> <raft-addr>", help: "add a raft voter (send to the leader)", min: 2, max: 2, run: (*shell).join},
		{name: "help", help: "show this help", max: 1, run: (*shell).help},
		{name: "exit", help: "leave the shell (also quit)"},
	}
}

// shell runs CLI commands against one server.
type shell struct {
	client  *lockservice.Client
	out     io.Writer
	timeout time.Duration
}

func newShell(client *lockservice.Client, out io.Writer, timeout time.Duration) *shell {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &shell{client: client, out: out, timeout: timeout}
}

// exec runs one command line. exit is true for exit and quit.
func (s *shell) exec(ctx context.Context, args []string) (exit bool, err error) {
	name := strings.ToLower(args[0])
	if name == "exit" || name == "quit" {
		return true, nil
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		rest := args[1:]
		if len(rest) < c.min || (c.max >= 0 && len(rest) > c.max) {
			return false, fmt.Errorf("%w: %s %s", errUsage, c.name, c.args)
		}
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return false, c.run(s, ctx, rest)
	}
	return false, fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
}

func (s *shell) begin(ctx context.Context, args []string) error {
	var agent, id string
	if len(args) > 0 {
		agent = args[0]
	}
	if len(args) > 1 {
		id = args[1]
	}
	txn, err := s.client.Begin(ctx, agent, id)
	if err != nil {
		return err
	}
	s.printTxn(txn)
	return nil
}

func (s *shell) acquire(ctx context.Context, args []string) error {
	granted, err := s.client.Acquire(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if granted {
		fmt.Fprintf(s.out, "granted: %s holds %s\n", args[0], args[1])
	} else {
		fmt.Fprintf(s.out, "queued: %s waits for %s\n", args[0], args[1])
	}
	return nil
}

func (s *shell) release(ctx context.Context, args []string) error {
	if err := s.client.Release(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "released %s\n", args[1])
	return nil
}

func (s *shell) cancel(ctx context.Context, args []string) error {
	if err := s.client.CancelWait(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s no longer waits for %s\n", args[0], args[1])
	return nil
}

func (s *shell) releaseAll(ctx context.Context, args []string) error {
	released, err := s.client.ReleaseAll(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "released %d: %s\n", len(released), strings.Join(released, " "))
	return nil
}

func (s *shell) commit(ctx context.Context, args []string) error {
	txn, err := s.client.Commit(ctx, args[0])
	if err != nil {
		return err
	}
	s.printTxn(txn)
	return nil
}

func (s *shell) abort(ctx context.Context, args []string) error {
	txn, err := s.client.Abort(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	s.printTxn(txn)
	return nil
}

func (s *shell) locks(ctx context.Context, _ []string) error {
	locks, err := s.client.ListLocks(ctx)
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		fmt.Fprintln(s.out, "no locks")
		return nil
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tHOLDER\tWAITERS\tVERSION")
	for _, l := range locks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", l.ResourceID, orDash(l.Holder), orDash(strings.Join(l.Waiters, ",")), l.Version)
	}
	return tw.Flush()
}

func (s *shell) scan(ctx context.Context, _ []string) error {
	r, err := s.client.Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "scan %s: %d locks, %d cycles, %d victims\n", r.ScanID, r.Locks, len(r.Cycles), len(r.Victims))
	for _, c := range r.Cycles {
		fmt.Fprintf(s.out, "  cycle: %s\n", strings.Join(c, " -> "))
	}
	for _, v := range r.Victims {
		fmt.Fprintf(s.out, "  rolled back: %s\n", v)
	}
	for _, v := range r.FailedRollbacks {
		fmt.Fprintf(s.out, "  rollback failed: %s\n", v)
	}
	if r.Deferred > 0 {
		fmt.Fprintf(s.out, "  deferred: %d\n", r.Deferred)
	}
	if len(r.Repaired) > 0 {
		fmt.Fprintf(s.out, "  repaired: %s\n", strings.Join(r.Repaired, " "))
	}
	return nil
}

func (s *shell) graph(ctx context.Context, args []string) error {
	g, err := s.client.Graph(ctx)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if args[0] != "dot" {
			return fmt.Errorf("%w: graph [dot]", errUsage)
		}
		fmt.Fprint(s.out, g.DOT)
		return nil
	}
	if len(g.Cycles) == 0 {
		fmt.Fprintln(s.out, "no cycles")
		return nil
	}
	for _, c := range g.Cycles {
		fmt.Fprintf(s.out, "cycle: %s\n", strings.Join(c, " -> "))
	}
	return nil
}

func (s *shell) join(ctx context.Context, args []string) error {
	if err := s.client.Join(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s joined at %s\n", args[0], args[1])
	return nil
}

func (s *shell) help(_ context.Context, _ []string) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.help)
	}
	return tw.Flush()
}

func (s *shell) printTxn(t transaction.Transaction) {
	fmt.Fprintf(s.out, "txn %s agent=%s state=%s", t.ID, orDash(t.Agent), t.State)
	if t.AbortReason != "" {
		fmt.Fprintf(s.out, " reason=%q", t.AbortReason)
	}
	fmt.Fprintln(s.out)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
