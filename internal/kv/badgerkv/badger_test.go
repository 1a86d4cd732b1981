package badgerkv

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotthebot/internal/kv"
	"spotthebot/internal/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		db, err := OpenInMemory()
		require.NoError(t, err)
		return db
	})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	db, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(context.Background(), func(tx kv.Tx) error {
		return tx.ZAdd("marker_total_count", "vague", 3)
	}))
	require.NoError(t, db.Close())

	db, err = Open(cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.View(context.Background(), func(r kv.Reader) error {
		score, ok, err := r.ZScore("marker_total_count", "vague")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3.0, score)
		return nil
	}))
}

func TestScoreEncodingPreservesOrder(t *testing.T) {
	scores := []float64{math.Inf(-1), -1e9, -2.5, -0.0001, 0, 0.0001, 0.5, 1, 3, 1e12, math.Inf(1)}

	encoded := make([]string, len(scores))
	for i, f := range scores {
		b := encodeScore(f)
		encoded[i] = string(b)
		assert.Equal(t, f, decodeScore(b))
	}
	assert.True(t, sort.StringsAreSorted(encoded))
}
