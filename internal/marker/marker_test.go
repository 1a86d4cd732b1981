package marker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
	"spotthebot/internal/kv/badgerkv"
)

func newStore(t *testing.T, cfg Config) (*Store, kv.Store) {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, cfg, nil), db
}

// repeat returns label n times.
func repeat(label string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = label
	}
	return out
}

// seed applies total uses of label, the first correct of them correct.
func seed(t *testing.T, s *Store, label string, total, correct int) {
	t.Helper()
	ctx := context.Background()
	if correct > 0 {
		require.NoError(t, s.Update(ctx, repeat(label, correct), true))
	}
	if total > correct {
		require.NoError(t, s.Update(ctx, repeat(label, total-correct), false))
	}
}

// assertConsistent checks that every marker known to either index has a
// primary record and that both index entries recompute from it.
func assertConsistent(t *testing.T, db kv.Store) {
	t.Helper()
	require.NoError(t, db.View(context.Background(), func(r kv.Reader) error {
		byCount, err := r.ZRange(countIndex, 0, -1, false)
		require.NoError(t, err)
		byRatio, err := r.ZRange(ratioIndex, 0, -1, false)
		require.NoError(t, err)
		require.Len(t, byRatio, len(byCount))

		ratios := map[string]float64{}
		for _, z := range byRatio {
			ratios[z.Member] = z.Score
		}
		for _, z := range byCount {
			m, err := read(r, z.Member)
			require.NoError(t, err, z.Member)
			assert.Positive(t, m.TotalCount)
			assert.LessOrEqual(t, m.CorrectCount, m.TotalCount)
			assert.Equal(t, float64(m.TotalCount), z.Score, z.Member)
			ratio, ok := ratios[z.Member]
			require.True(t, ok, z.Member)
			assert.InDelta(t, m.SuccessRatio(), ratio, 1e-12, z.Member)
		}
		return nil
	}))
}

func TestUpdateCountsMultiset(t *testing.T) {
	s, db := newStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, []string{"vague", "stilted", "vague"}, true))

	vague, err := s.Get(ctx, "vague")
	require.NoError(t, err)
	assert.Equal(t, Marker{Label: "vague", TotalCount: 2, CorrectCount: 2}, vague)
	stilted, err := s.Get(ctx, "stilted")
	require.NoError(t, err)
	assert.Equal(t, Marker{Label: "stilted", TotalCount: 1, CorrectCount: 1}, stilted)

	require.NoError(t, s.Update(ctx, []string{"vague"}, false))

	vague, err = s.Get(ctx, "vague")
	require.NoError(t, err)
	assert.Equal(t, Marker{Label: "vague", TotalCount: 3, CorrectCount: 2}, vague)
	assert.InDelta(t, 0.667, vague.SuccessRatio(), 0.001)
	assertConsistent(t, db)
}

func TestUpdateRejectsBadInput(t *testing.T) {
	s, _ := newStore(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		labels []string
		want   error
	}{
		{"nil set", nil, fault.ErrEmptyLabels},
		{"empty set", []string{}, fault.ErrEmptyLabels},
		{"empty label", []string{"fine", ""}, fault.ErrEmptyLabel},
		{"nul byte", []string{"a\x00b"}, fault.ErrInvalidLabel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Update(ctx, tt.labels, true)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, fault.IsErrInvalid(err))
		})
	}

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected updates must not touch the store")
}

func TestUpdateRollsBackOnNonPositiveTotal(t *testing.T) {
	s, db := newStore(t, Config{})
	ctx := context.Background()

	// a damaged record that one more use cannot bring above zero
	require.NoError(t, db.Update(ctx, func(tx kv.Tx) error {
		return tx.HSet(key("broken"), map[string]string{fieldTotal: "-5", fieldCorrect: "0"})
	}))

	err := s.Update(ctx, []string{"alpha", "broken"}, true)
	require.ErrorIs(t, err, fault.ErrNonPositiveTotal)
	assert.True(t, fault.IsErrInvariant(err))

	_, err = s.Get(ctx, "alpha")
	assert.ErrorIs(t, err, fault.ErrMarkerNotFound, "alpha was written in the failed batch")
	broken, err := s.Get(ctx, "broken")
	require.NoError(t, err)
	assert.EqualValues(t, -5, broken.TotalCount)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRankingsHonourMinCount(t *testing.T) {
	s, _ := newStore(t, Config{})
	ctx := context.Background()

	seed(t, s, "lucky", 1, 1)
	seed(t, s, "solid", 10, 9)
	seed(t, s, "weak", 12, 3)
	seed(t, s, "middling", 20, 10)

	best, err := s.MostSuccessful(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, best, 3)
	assert.Equal(t, "solid", best[0].Label)
	assert.InDelta(t, 0.9, best[0].Value, 1e-9)
	assert.Equal(t, "middling", best[1].Label)
	assert.Equal(t, "weak", best[2].Label)

	worst, err := s.LeastSuccessful(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, worst, 2)
	assert.Equal(t, "weak", worst[0].Label)
	assert.InDelta(t, 0.75, worst[0].Value, 1e-9)
	assert.Equal(t, "middling", worst[1].Label)
	assert.InDelta(t, 0.5, worst[1].Value, 1e-9)

	// without a floor the one-off marker wins outright
	best, err = s.MostSuccessful(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, best, 1)
	assert.Equal(t, "lucky", best[0].Label)

	none, err := s.MostSuccessful(ctx, 5, 100)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.MostSuccessful(ctx, 5, -1)
	assert.ErrorIs(t, err, fault.ErrInvalidCount)
}

func TestMinCountFloorHoldsForRandomHistories(t *testing.T) {
	s, db := newStore(t, Config{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	labels := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for range 60 {
		round := make([]string, 1+rng.Intn(4))
		for i := range round {
			round[i] = labels[rng.Intn(len(labels))]
		}
		require.NoError(t, s.Update(ctx, round, rng.Intn(2) == 0))
	}
	assertConsistent(t, db)

	for k := 0; k <= 25; k++ {
		for n := 0; n <= len(labels); n++ {
			for _, rank := range []func(context.Context, int, int) ([]Ranked, error){s.MostSuccessful, s.LeastSuccessful} {
				got, err := rank(ctx, n, k)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(got), n)
				for _, r := range got {
					m, err := s.Get(ctx, r.Label)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, m.TotalCount, int64(k), "n=%d k=%d", n, k)
				}
			}
		}
	}
}

func TestByCount(t *testing.T) {
	s, _ := newStore(t, Config{})
	ctx := context.Background()

	seed(t, s, "often", 7, 1)
	seed(t, s, "rare", 1, 0)
	seed(t, s, "sometimes", 3, 3)

	top, err := s.ByCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []Counted{{"often", 7}, {"sometimes", 3}}, top)

	all, err := s.ByCount(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	empty, err := s.ByCount(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEvictKeepsMostUsed(t *testing.T) {
	s, db := newStore(t, Config{MaxMarkers: 2})
	ctx := context.Background()

	seed(t, s, "five", 5, 2)
	seed(t, s, "three", 3, 3)
	seed(t, s, "one", 1, 0)

	n, err := s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := s.ByCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []Counted{{"five", 5}, {"three", 3}}, left)

	_, err = s.Get(ctx, "one")
	assert.ErrorIs(t, err, fault.ErrMarkerNotFound)
	assertConsistent(t, db)

	n, err = s.Evict(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "store already within capacity")
}

func TestEvictBreaksTiesByLabel(t *testing.T) {
	s, _ := newStore(t, Config{MaxMarkers: 3})
	ctx := context.Background()

	for _, l := range []string{"d", "b", "a", "c", "e"} {
		seed(t, s, l, 2, 1)
	}
	n, err := s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, l := range []string{"a", "b"} {
		_, err := s.Get(ctx, l)
		assert.ErrorIs(t, err, fault.ErrMarkerNotFound, l)
	}
	for _, l := range []string{"c", "d", "e"} {
		_, err := s.Get(ctx, l)
		assert.NoError(t, err, l)
	}
}

func TestAutoEvict(t *testing.T) {
	s, db := newStore(t, Config{MaxMarkers: 3, AutoEvict: true})
	ctx := context.Background()

	for i := range 10 {
		label := fmt.Sprintf("m%02d", i)
		require.NoError(t, s.Update(ctx, repeat(label, i+1), i%2 == 0))

		n, err := s.Len(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 3)
	}

	top, err := s.ByCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []Counted{{"m09", 10}, {"m08", 9}, {"m07", 8}}, top)
	assertConsistent(t, db)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s, db := newStore(t, Config{})
	ctx := context.Background()

	seed(t, s, "gone", 4, 2)
	seed(t, s, "kept", 4, 2)

	require.NoError(t, s.Remove(ctx, "gone"))
	require.NoError(t, s.Remove(ctx, "gone"))
	require.NoError(t, s.Remove(ctx, "never-was"))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertConsistent(t, db)

	assert.ErrorIs(t, s.Remove(ctx, ""), fault.ErrEmptyLabel)
}

func TestConcurrentUpdatesNeverLoseCounts(t *testing.T) {
	s, db := newStore(t, Config{})
	ctx := context.Background()

	const workers, rounds = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				labels := []string{"shared", fmt.Sprintf("own-%d", w)}
				for {
					err := s.Update(ctx, labels, i%2 == 0)
					if err == nil {
						break
					}
					// conflicting batches are reported and left to the caller
					if !fault.IsErrUnavailable(err) {
						errs <- err
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	shared, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.EqualValues(t, workers*rounds, shared.TotalCount)
	assert.EqualValues(t, workers*((rounds+1)/2), shared.CorrectCount)
	assertConsistent(t, db)
}

func TestCancelledContextIsRetryable(t *testing.T) {
	s, _ := newStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, []string{"late"}, true)
	require.Error(t, err)
	assert.True(t, fault.IsErrUnavailable(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

// flakyStore fails the failOn-th Update with a retryable error and counts
// the batches it was asked to run.
type flakyStore struct {
	kv.Store
	failOn  int
	updates int
}

func (f *flakyStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	f.updates++
	if f.updates == f.failOn {
		return fault.Unavailable(errors.New("conflict"))
	}
	return f.Store.Update(ctx, fn)
}

func newFlakyStore(t *testing.T, cfg Config, failOn int) (*Store, *flakyStore) {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f := &flakyStore{Store: db, failOn: failOn}
	return New(f, cfg, nil), f
}

func TestFailedAutoEvictKeepsUpdate(t *testing.T) {
	// batches: 1 vague, 2 its eviction, 3 stilted, 4 its eviction (fails)
	s, _ := newFlakyStore(t, Config{MaxMarkers: 1, AutoEvict: true}, 4)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, []string{"vague"}, true))
	require.NoError(t, s.Update(ctx, []string{"stilted"}, true), "committed update reported as failed")

	m, err := s.Get(ctx, "stilted")
	require.NoError(t, err)
	assert.Equal(t, Marker{Label: "stilted", TotalCount: 1, CorrectCount: 1}, m)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the next eviction catches up
	evicted, err := s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
}

func TestEvictWorksInBoundedBatches(t *testing.T) {
	s, f := newFlakyStore(t, Config{MaxMarkers: 2}, 0)
	s.chunk = 2
	ctx := context.Background()

	for i := range 7 {
		seed(t, s, fmt.Sprintf("m%d", i), i+1, 0)
	}
	f.updates = 0

	n, err := s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 4, f.updates, "three removing batches and one finding nothing left")

	left, err := s.ByCount(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []Counted{{"m6", 7}, {"m5", 6}}, left)
	assertConsistent(t, f.Store)
}

func TestEvictReportsPartialProgress(t *testing.T) {
	s, f := newFlakyStore(t, Config{MaxMarkers: 2}, 0)
	s.chunk = 2
	ctx := context.Background()

	for i := range 7 {
		seed(t, s, fmt.Sprintf("m%d", i), i+1, 0)
	}
	f.updates = 0
	f.failOn = 2

	n, err := s.Evict(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsErrUnavailable(err))
	assert.Equal(t, 2, n)

	left, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, left)
	assertConsistent(t, f.Store)

	n, err = s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]string{"a", "a", "b"}))
	assert.ErrorIs(t, Validate(nil), fault.ErrEmptyLabels)
	assert.ErrorIs(t, Validate([]string{"ok", ""}), fault.ErrEmptyLabel)
	assert.ErrorIs(t, Validate([]string{"a\x00b"}), fault.ErrInvalidLabel)
}
