// Package kvtest is a conformance suite every kv.Store backend runs.
package kvtest

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotthebot/internal/kv"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) kv.Store

// Run executes every conformance case against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"Strings", testStrings},
		{"Incr", testIncr},
		{"Hashes", testHashes},
		{"Sets", testSets},
		{"SortedSetRanks", testSortedSetRanks},
		{"SortedSetScores", testSortedSetScores},
		{"SortedSetUpdateMovesIndex", testSortedSetUpdate},
		{"Delete", testDelete},
		{"WrongType", testWrongType},
		{"BadKey", testBadKey},
		{"RollbackOnError", testRollback},
		{"ReadYourWrites", testReadYourWrites},
		{"Expiration", testExpiration},
		{"CancelledContext", testCancelled},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			c.fn(t, s)
		})
	}
}

func update(t *testing.T, s kv.Store, fn func(tx kv.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func view(t *testing.T, s kv.Store, fn func(r kv.Reader) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func testStrings(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		return tx.Set("greeting", "hello", 0)
	})
	view(t, s, func(r kv.Reader) error {
		v, ok, err := r.Get("greeting")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "hello", v)

		_, ok, err = r.Get("missing")
		require.NoError(t, err)
		assert.False(t, ok)

		exists, err := r.Exists("greeting")
		require.NoError(t, err)
		assert.True(t, exists)
		return nil
	})
}

func testIncr(t *testing.T, s kv.Store) {
	var got []int64
	update(t, s, func(tx kv.Tx) error {
		for i := 0; i < 3; i++ {
			n, err := tx.Incr("counter")
			if err != nil {
				return err
			}
			got = append(got, n)
		}
		return nil
	})
	assert.Equal(t, []int64{1, 2, 3}, got)

	err := s.Update(context.Background(), func(tx kv.Tx) error {
		if err := tx.Set("word", "abc", 0); err != nil {
			return err
		}
		_, err := tx.Incr("word")
		return err
	})
	assert.ErrorIs(t, err, kv.ErrNotInt)
}

func testHashes(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		if err := tx.HSet("user:1", map[string]string{"name": "ada", "face": "7"}); err != nil {
			return err
		}
		n, err := tx.HIncrBy("user:1", "wins", 2)
		if err != nil {
			return err
		}
		assert.EqualValues(t, 2, n)
		n, err = tx.HIncrBy("user:1", "wins", -1)
		assert.EqualValues(t, 1, n)
		return err
	})
	view(t, s, func(r kv.Reader) error {
		all, err := r.HGetAll("user:1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"name": "ada", "face": "7", "wins": "1"}, all)

		v, ok, err := r.HGet("user:1", "name")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "ada", v)

		_, ok, err = r.HGet("user:1", "nope")
		require.NoError(t, err)
		assert.False(t, ok)

		empty, err := r.HGetAll("user:2")
		require.NoError(t, err)
		assert.Empty(t, empty)
		return nil
	})
}

func testSets(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		return tx.SAdd("friends", "2", "3", "3", "4")
	})
	view(t, s, func(r kv.Reader) error {
		members, err := r.SMembers("friends")
		require.NoError(t, err)
		sort.Strings(members)
		assert.Equal(t, []string{"2", "3", "4"}, members)

		ok, err := r.SIsMember("friends", "3")
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})

	update(t, s, func(tx kv.Tx) error {
		return tx.SRem("friends", "2", "3", "4", "99")
	})
	view(t, s, func(r kv.Reader) error {
		exists, err := r.Exists("friends")
		require.NoError(t, err)
		assert.False(t, exists, "an emptied set must cease to exist")

		members, err := r.SMembers("friends")
		require.NoError(t, err)
		assert.Empty(t, members)
		return nil
	})
}

func seedRanks(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		for _, z := range []kv.Z{{Member: "c", Score: 3}, {Member: "a", Score: 1}, {Member: "b", Score: 2}, {Member: "d", Score: 2}, {Member: "e", Score: -1.5}} {
			if err := tx.ZAdd("ranks", z.Member, z.Score); err != nil {
				return err
			}
		}
		return nil
	})
}

func members(zs []kv.Z) []string {
	out := make([]string, 0, len(zs))
	for _, z := range zs {
		out = append(out, z.Member)
	}
	return out
}

func testSortedSetRanks(t *testing.T, s kv.Store) {
	seedRanks(t, s)
	view(t, s, func(r kv.Reader) error {
		n, err := r.ZCard("ranks")
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		asc, err := r.ZRange("ranks", 0, -1, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "a", "b", "d", "c"}, members(asc))
		assert.Equal(t, -1.5, asc[0].Score)

		desc, err := r.ZRange("ranks", 0, 1, true)
		require.NoError(t, err)
		assert.Equal(t, []kv.Z{{Member: "c", Score: 3}, {Member: "d", Score: 2}}, desc)

		tail, err := r.ZRange("ranks", -2, -1, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "c"}, members(tail))

		none, err := r.ZRange("ranks", 10, 20, false)
		require.NoError(t, err)
		assert.Empty(t, none)

		missing, err := r.ZRange("nothing", 0, -1, false)
		require.NoError(t, err)
		assert.Empty(t, missing)

		score, ok, err := r.ZScore("ranks", "b")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2.0, score)
		return nil
	})
}

func testSortedSetScores(t *testing.T, s kv.Store) {
	seedRanks(t, s)
	view(t, s, func(r kv.Reader) error {
		mid, err := r.ZRangeByScore("ranks", 1, 2, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d"}, members(mid))

		rev, err := r.ZRangeByScore("ranks", 2, 10, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d", "b"}, members(rev))

		empty, err := r.ZRangeByScore("ranks", 5, 4, false)
		require.NoError(t, err)
		assert.Empty(t, empty)
		return nil
	})
}

func testSortedSetUpdate(t *testing.T, s kv.Store) {
	seedRanks(t, s)
	update(t, s, func(tx kv.Tx) error {
		if err := tx.ZAdd("ranks", "a", 10); err != nil {
			return err
		}
		return tx.ZRem("ranks", "c", "missing")
	})
	view(t, s, func(r kv.Reader) error {
		all, err := r.ZRange("ranks", 0, -1, true)
		require.NoError(t, err)
		assert.Equal(t, []kv.Z{{Member: "a", Score: 10}, {Member: "d", Score: 2}, {Member: "b", Score: 2}, {Member: "e", Score: -1.5}}, all)
		return nil
	})
	update(t, s, func(tx kv.Tx) error {
		return tx.ZRem("ranks", "a", "b", "d", "e")
	})
	view(t, s, func(r kv.Reader) error {
		exists, err := r.Exists("ranks")
		require.NoError(t, err)
		assert.False(t, exists)
		n, err := r.ZCard("ranks")
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})

	err := s.Update(context.Background(), func(tx kv.Tx) error {
		return tx.ZAdd("ranks", "x", math.NaN())
	})
	assert.ErrorIs(t, err, kv.ErrNaNScore)
}

func testDelete(t *testing.T, s kv.Store) {
	seedRanks(t, s)
	update(t, s, func(tx kv.Tx) error {
		if err := tx.Set("str", "v", 0); err != nil {
			return err
		}
		if err := tx.HSet("hash", map[string]string{"f": "v"}); err != nil {
			return err
		}
		if err := tx.SAdd("set", "m"); err != nil {
			return err
		}
		return tx.Delete("str", "hash", "set", "ranks", "never-existed")
	})
	view(t, s, func(r kv.Reader) error {
		for _, key := range []string{"str", "hash", "set", "ranks"} {
			exists, err := r.Exists(key)
			require.NoError(t, err)
			assert.False(t, exists, key)
		}
		zs, err := r.ZRange("ranks", 0, -1, false)
		require.NoError(t, err)
		assert.Empty(t, zs)
		return nil
	})
	// a deleted key is reusable with a different kind
	update(t, s, func(tx kv.Tx) error {
		return tx.SAdd("ranks", "now-a-set")
	})
}

func testWrongType(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		return tx.HSet("h", map[string]string{"f": "1"})
	})
	err := s.Update(context.Background(), func(tx kv.Tx) error {
		return tx.SAdd("h", "m")
	})
	assert.ErrorIs(t, err, kv.ErrWrongType)

	err = s.View(context.Background(), func(r kv.Reader) error {
		_, err := r.ZCard("h")
		return err
	})
	assert.ErrorIs(t, err, kv.ErrWrongType)

	// Set replaces whatever the key held
	update(t, s, func(tx kv.Tx) error {
		return tx.Set("h", "plain", 0)
	})
	view(t, s, func(r kv.Reader) error {
		v, ok, err := r.Get("h")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "plain", v)
		return nil
	})
}

func testBadKey(t *testing.T, s kv.Store) {
	err := s.Update(context.Background(), func(tx kv.Tx) error {
		return tx.Set("", "v", 0)
	})
	assert.ErrorIs(t, err, kv.ErrBadKey)

	err = s.Update(context.Background(), func(tx kv.Tx) error {
		return tx.SAdd("a\x00b", "m")
	})
	assert.ErrorIs(t, err, kv.ErrBadKey)
}

var errAbort = errors.New("abort")

func testRollback(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		return tx.HSet("marker:keep", map[string]string{"total_count": "1"})
	})
	err := s.Update(context.Background(), func(tx kv.Tx) error {
		if _, err := tx.HIncrBy("marker:keep", "total_count", 5); err != nil {
			return err
		}
		if err := tx.ZAdd("idx", "keep", 6); err != nil {
			return err
		}
		if err := tx.Set("other", "x", 0); err != nil {
			return err
		}
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	view(t, s, func(r kv.Reader) error {
		v, _, err := r.HGet("marker:keep", "total_count")
		require.NoError(t, err)
		assert.Equal(t, "1", v)

		exists, err := r.Exists("idx")
		require.NoError(t, err)
		assert.False(t, exists)

		exists, err = r.Exists("other")
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	})
}

func testReadYourWrites(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		require.NoError(t, tx.ZAdd("z", "m", 1))
		require.NoError(t, tx.SAdd("s", "m"))
		require.NoError(t, tx.HSet("h", map[string]string{"f": "v"}))

		zs, err := tx.ZRange("z", 0, -1, false)
		require.NoError(t, err)
		assert.Equal(t, []kv.Z{{Member: "m", Score: 1}}, zs)

		ok, err := tx.SIsMember("s", "m")
		require.NoError(t, err)
		assert.True(t, ok)

		all, err := tx.HGetAll("h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"f": "v"}, all)
		return nil
	})
}

func testExpiration(t *testing.T, s kv.Store) {
	update(t, s, func(tx kv.Tx) error {
		if err := tx.Set("token", "42", time.Second); err != nil {
			return err
		}
		if err := tx.HSet("user:9", map[string]string{"name": "bo"}); err != nil {
			return err
		}
		if err := tx.SAdd("user:9:friends", "1"); err != nil {
			return err
		}
		if err := tx.Expire("user:9", time.Second); err != nil {
			return err
		}
		if err := tx.Expire("user:9:friends", time.Second); err != nil {
			return err
		}
		// fields added after Expire keep the key's deadline
		if err := tx.HSet("user:9", map[string]string{"face": "3"}); err != nil {
			return err
		}
		if err := tx.Set("durable", "yes", 0); err != nil {
			return err
		}
		return tx.Expire("never-existed", time.Second)
	})

	time.Sleep(2100 * time.Millisecond)

	view(t, s, func(r kv.Reader) error {
		for _, key := range []string{"token", "user:9", "user:9:friends"} {
			exists, err := r.Exists(key)
			require.NoError(t, err)
			assert.False(t, exists, key)
		}
		all, err := r.HGetAll("user:9")
		require.NoError(t, err)
		assert.Empty(t, all)

		v, ok, err := r.Get("durable")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "yes", v)
		return nil
	})

	// an expired key starts over
	update(t, s, func(tx kv.Tx) error {
		n, err := tx.HIncrBy("user:9", "wins", 1)
		assert.EqualValues(t, 1, n)
		return err
	})
}

func testCancelled(t *testing.T, s kv.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(tx kv.Tx) error {
		return tx.Set("k", "v", 0)
	})
	require.Error(t, err)

	view(t, s, func(r kv.Reader) error {
		exists, err := r.Exists("k")
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	})
}
