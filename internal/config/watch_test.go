package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeWorkerConfig(t *testing.T, path string, pct int64) {
	t.Helper()
	body := "quickAbort:\n  pct: " + strconv.FormatInt(pct, 10) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestWatchTunablesReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	writeWorkerConfig(t, path, 40)

	loader := NewLoader("", path)
	changes := make(chan Tunables, 4)
	watcher, err := loader.WatchTunables(context.Background(), func(tun Tunables) {
		changes <- tun
	}, func(err error) { t.Logf("watch error: %v", err) })
	require.NoError(t, err)
	defer watcher.Stop()

	writeWorkerConfig(t, path, 60)

	select {
	case tun := <-changes:
		require.Equal(t, int64(60), tun.QuickAbort.Pct)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tunables reload")
	}
}

func TestWatchTunablesRequiresFile(t *testing.T) {
	_, err := NewLoader("").WatchTunables(context.Background(), func(Tunables) {}, nil)
	require.Error(t, err)
}

func TestWatchTunablesRequiresCallback(t *testing.T) {
	_, err := NewLoader("", "worker.yaml").WatchTunables(context.Background(), nil, nil)
	require.Error(t, err)
}
