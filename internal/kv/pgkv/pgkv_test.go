package pgkv

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"spotthebot/internal/kv"
	"spotthebot/internal/kv/kvtest"
)

// testURL names the scratch database the suite may truncate at will.
const testURL = "SPOTTHEBOT_TEST_DATABASE_URL"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv(testURL)
	if url == "" {
		t.Skipf("%s not set", testURL)
	}
	ctx := context.Background()
	d, err := Connect(ctx, Config{URL: url, MaxConns: 4}, nil)
	require.NoError(t, err)
	_, err = d.pool.Exec(ctx, "TRUNCATE kv_keys CASCADE")
	require.NoError(t, err)
	return d
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return openTestDB(t)
	})
}

func TestSweepRemovesExpiredKeys(t *testing.T) {
	d := openTestDB(t)
	defer d.Close()
	ctx := context.Background()

	_, err := d.pool.Exec(ctx, `INSERT INTO kv_keys (key, kind, expires_at) VALUES
		('old', 's', now() - interval '1 hour'),
		('fresh', 's', now() + interval '1 hour'),
		('forever', 's', NULL)`)
	require.NoError(t, err)

	n, err := d.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var left int
	require.NoError(t, d.pool.QueryRow(ctx, "SELECT count(*) FROM kv_keys").Scan(&left))
	require.Equal(t, 2, left)
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "postgres://%zz"}, nil)
	require.Error(t, err)
}
