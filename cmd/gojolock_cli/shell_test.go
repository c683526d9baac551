package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/api/lockservice"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/lockmanager"
	"github.com/sushant-115/gojolock/core/lockstore"
	"github.com/sushant-115/gojolock/core/transaction"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	store := lockstore.NewMemoryStore(4)
	manager := lockmanager.New(store, zap.NewNop(), lockmanager.Options{})
	registry := transaction.NewRegistry(manager, nil, zap.NewNop())
	coordinator := deadlock.NewCoordinator(store, registry, nil, zap.NewNop(), deadlock.Config{})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	lockservice.RegisterLockServiceServer(srv, lockservice.NewServer(lockservice.Deps{
		Manager: manager, Registry: registry, Coordinator: coordinator,
	}, zap.NewNop()))
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		store.Close()
	})

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })

	out := &bytes.Buffer{}
	return newShell(lockservice.NewClient(cc), out, 0), out
}

func run(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	exit, err := sh.exec(context.Background(), strings.Fields(line))
	require.NoError(t, err, line)
	require.False(t, exit)
	return out.String()
}

func TestShell_DeadlockSession(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Contains(t, run(t, sh, out, "begin planner T1"), "txn T1 agent=planner state=running")
	run(t, sh, out, "begin coder T2")
	assert.Contains(t, run(t, sh, out, "acquire T1 R1"), "granted: T1 holds R1")
	run(t, sh, out, "acquire T2 R2")
	assert.Contains(t, run(t, sh, out, "acquire T1 R2"), "queued: T1 waits for R2")
	run(t, sh, out, "acquire T2 R1")

	assert.Contains(t, run(t, sh, out, "graph"), "cycle: ")
	assert.Contains(t, run(t, sh, out, "graph dot"), "digraph waitfor")

	locks := run(t, sh, out, "locks")
	assert.Contains(t, locks, "RESOURCE")
	assert.Contains(t, locks, "R1")

	scan := run(t, sh, out, "scan")
	assert.Contains(t, scan, "1 cycles, 1 victims")
	assert.Contains(t, scan, "rolled back: T1")
	assert.Contains(t, run(t, sh, out, "graph"), "no cycles")

	assert.Contains(t, run(t, sh, out, "commit T2"), "state=committed")
	assert.Contains(t, run(t, sh, out, "locks"), "no locks")
}

func TestShell_ReleaseCancelAbort(t *testing.T) {
	sh, out := newTestShell(t)

	run(t, sh, out, "acquire A R1")
	run(t, sh, out, "acquire B R1")
	assert.Contains(t, run(t, sh, out, "cancel B R1"), "B no longer waits for R1")
	assert.Contains(t, run(t, sh, out, "release A R1"), "released R1")

	run(t, sh, out, "acquire A R1")
	run(t, sh, out, "acquire A R2")
	assert.Contains(t, run(t, sh, out, "release-all A"), "released 2:")

	run(t, sh, out, "begin bot T9")
	assert.Contains(t, run(t, sh, out, "abort T9 plan changed"), `reason="plan changed"`)
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newTestShell(t)
	ctx := context.Background()

	_, err := sh.exec(ctx, []string{"acquire", "T1"})
	assert.ErrorIs(t, err, errUsage)

	_, err = sh.exec(ctx, []string{"frobnicate"})
	assert.ErrorContains(t, err, "unknown command")

	_, err = sh.exec(ctx, []string{"commit", "nope"})
	assert.ErrorIs(t, err, transaction.ErrUnknownTransaction)

	_, err = sh.exec(ctx, []string{"join", "n2", "127.0.0.1:7081"})
	assert.ErrorIs(t, err, lockservice.ErrUnsupported)

	_, err = sh.exec(ctx, []string{"graph", "png"})
	assert.ErrorIs(t, err, errUsage)
}

func TestShell_HelpAndExit(t *testing.T) {
	sh, out := newTestShell(t)

	help := run(t, sh, out, "help")
	for _, c := range commands {
		assert.Contains(t, help, c.name)
	}

	for _, word := range []string{"exit", "QUIT"} {
		exit, err := sh.exec(context.Background(), []string{word})
		require.NoError(t, err)
		assert.True(t, exit)
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	addr := cmd.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, "a", addr.Shorthand)
	assert.Equal(t, "127.0.0.1:7070", addr.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("certs-dir"))
	assert.Equal(t, defaultTimeout.String(), cmd.Flags().Lookup("timeout").DefValue)
}
