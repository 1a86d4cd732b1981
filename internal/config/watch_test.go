package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsValidEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spotthebot.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("jwt_secret: " + secret + "\nlog_level: info\n")

	var (
		mu  sync.Mutex
		got []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, env(nil), nil, func(cfg Config) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, cfg.LogLevel)
		})
	}()

	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	// the watcher may not be registered yet; keep editing until it notices
	require.Eventually(t, func() bool {
		write("jwt_secret: " + secret + "\nlog_level: debug\n")
		return len(seen()) > 0
	}, 5*time.Second, 200*time.Millisecond)
	time.Sleep(4 * settle)
	assert.Equal(t, "debug", seen()[len(seen())-1])

	n := len(seen())
	write("jwt_secret: short\nlog_level: warn\n")
	time.Sleep(4 * settle)
	assert.Len(t, seen(), n, "invalid config was delivered")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "c.yaml"), env(nil), nil, func(Config) {})
	assert.Error(t, err)
}
