package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolock/config"
	"github.com/sushant-115/gojolock/config/certs"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/eventlog"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "gojolock_server", cmd.Use)

	for _, name := range []string{"serve", "certs", "events"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-format"))
}

func TestServeOptionsOverrideConfig(t *testing.T) {
	cmd := NewServeCommand(&RootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{
		"--node-id", "n7", "--grpc-addr", ":9000", "--backend", "raft",
		"--raft-addr", "127.0.0.1:9001", "--bootstrap", "--certs-dir", "/etc/gojolock",
	}))
	opts := &ServeOptions{
		NodeID: "n7", GRPCAddr: ":9000", Backend: "raft",
		RaftAddr: "127.0.0.1:9001", Bootstrap: true, CertsDir: "/etc/gojolock",
	}
	cfg := config.Default()
	opts.apply(cmd, &cfg)

	assert.Equal(t, "n7", cfg.Node.ID)
	assert.Equal(t, ":9000", cfg.Node.GRPCAddr)
	assert.Equal(t, config.BackendRaft, cfg.Store.Backend)
	assert.Equal(t, "127.0.0.1:9001", cfg.Store.Raft.BindAddr)
	assert.True(t, cfg.Store.Raft.Bootstrap)
	assert.Equal(t, filepath.Join("/etc/gojolock", certs.ServerCertFile), cfg.TLS.CertFile)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, context.Background(), "serve", "--backend", "etcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
}

func TestServeMissingConfigFile(t *testing.T) {
	_, err := execute(t, context.Background(), "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "serve", "--grpc-addr", "127.0.0.1:0", "--log-level", "error")
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestCertsCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, context.Background(), "certs", "--dir", dir, "--host", "localhost", "--host", "10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, out, dir)

	for _, f := range []string{certs.CAFile, certs.ServerCertFile, certs.ServerKeyFile, certs.ClientCertFile, certs.ClientKeyFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	_, err = config.TLSConfig{}.FromDir(dir, "client").ClientTLS()
	assert.NoError(t, err)
}

func TestCertsMissingDirFlag(t *testing.T) {
	_, err := execute(t, context.Background(), "certs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestEventsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	j, err := eventlog.OpenSQLiteJournal(path)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()
	for _, ev := range []deadlock.Event{
		{Kind: deadlock.EventDeadlockDetected, ScanID: "s1", Cycle: []string{"T1", "T2"}, Timestamp: now},
		{Kind: deadlock.EventVictimRolledBack, ScanID: "s1", Cycle: []string{"T1", "T2"}, Victim: "T1", Timestamp: now},
		{Kind: deadlock.EventDeadlockDetected, ScanID: "s2", Cycle: []string{"T3", "T4"}, Timestamp: now},
	} {
		require.NoError(t, j.Log(ctx, ev))
	}
	require.NoError(t, j.Close())

	out, err := execute(t, ctx, "events", "--db", path, "--scan-id", "s1")
	require.NoError(t, err)

	var got []deadlock.Event
	dec := json.NewDecoder(bytes.NewBufferString(out))
	for dec.More() {
		var ev deadlock.Event
		require.NoError(t, dec.Decode(&ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, deadlock.EventDeadlockDetected, got[0].Kind)
	assert.Equal(t, "T1", got[1].Victim)

	out, err = execute(t, ctx, "events", "--db", path, "--kind", string(deadlock.EventVictimRolledBack), "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"victim":"T1"`)
}

func TestEventsWithoutJournal(t *testing.T) {
	_, err := execute(t, context.Background(), "events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal")
}
