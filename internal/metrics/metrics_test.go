package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
	"spotthebot/internal/kv/badgerkv"
)

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fault.Unavailable(errors.New("dial tcp")), "unavailable"},
		{fault.ErrNonPositiveTotal, "invariant"},
		{fault.ErrInvalidPoints, "invalid"},
		{fault.ErrUserNotFound, "not_found"},
		{fault.ErrUserExists, "exists"},
		{kv.ErrWrongType, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorClass(tt.err), tt.err.Error())
	}
}

func TestInstrumentCountsFailures(t *testing.T) {
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	store := Instrument(db, "metrics_test")
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx kv.Tx) error {
		return tx.Set("k", "v", 0)
	}))
	err = store.Update(ctx, func(tx kv.Tx) error {
		return fault.ErrNonPositiveTotal
	})
	require.ErrorIs(t, err, fault.ErrNonPositiveTotal)

	var got string
	require.NoError(t, store.View(ctx, func(r kv.Reader) error {
		got, _, err = r.Get("k")
		return err
	}))
	assert.Equal(t, "v", got)

	assert.Equal(t, 1.0, testutil.ToFloat64(storeErrors.WithLabelValues("metrics_test", "update", "invariant")))
	assert.Zero(t, testutil.ToFloat64(storeErrors.WithLabelValues("metrics_test", "view", "invariant")))
}

func TestRecordEvictionIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(markersEvicted)
	RecordEviction(0)
	RecordEviction(3)
	assert.Equal(t, before+3, testutil.ToFloat64(markersEvicted))
}
