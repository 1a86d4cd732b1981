package invitation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotthebot/internal/fault"
	"spotthebot/internal/friend"
	"spotthebot/internal/kv"
	"spotthebot/internal/kv/badgerkv"
	"spotthebot/internal/user"
)

func newStore(t *testing.T, cfg Config) (*Store, *user.Store, kv.Store) {
	t.Helper()
	db, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users, err := user.New(db, user.Config{}, nil)
	require.NoError(t, err)
	return New(db, users, cfg, nil), users, db
}

func createUser(t *testing.T, users *user.Store, secret string) int64 {
	t.Helper()
	u, err := users.Create(context.Background(), user.NewUser{
		SecretName: secret,
		PublicName: secret,
		InvitedBy:  user.NoInviter,
	})
	require.NoError(t, err)
	return u.ID
}

func friendsOf(t *testing.T, db kv.Store, id int64) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, db.View(context.Background(), func(r kv.Reader) error {
		var err error
		ids, err = friend.IDsTx(r, id)
		return err
	}))
	return ids
}

func TestTokensAreUniqueAndCompact(t *testing.T) {
	seen := make(map[string]int64)
	for seq := int64(1); seq <= 20000; seq++ {
		tok := Token(seq)
		require.True(t, wellFormed(tok), tok)
		assert.LessOrEqual(t, len(tok), 13)
		prev, dup := seen[tok]
		require.False(t, dup, "sequence %d and %d share %s", prev, seq, tok)
		seen[tok] = seq
	}
}

func TestIssueResolveRevoke(t *testing.T) {
	s, users, _ := newStore(t, Config{})
	ctx := context.Background()
	host := createUser(t, users, "host")

	first, err := s.Issue(ctx, host)
	require.NoError(t, err)
	second, err := s.Issue(ctx, host)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, Token(1), first)

	id, ok, err := s.Resolve(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, host, id)

	require.NoError(t, s.Revoke(ctx, first))
	require.NoError(t, s.Revoke(ctx, first), "revoke is idempotent")

	_, ok, err = s.Resolve(ctx, first)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Resolve(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok, "revoking one token must not touch another")
}

func TestIssueRequiresInviter(t *testing.T) {
	s, _, _ := newStore(t, Config{})

	_, err := s.Issue(context.Background(), 12)
	assert.ErrorIs(t, err, fault.ErrUserNotFound)
}

func TestMalformedTokensResolveToNone(t *testing.T) {
	s, _, _ := newStore(t, Config{})
	ctx := context.Background()

	for _, tok := range []string{"", "UPPER", "has space", "ümlaut", "zzzzzzzzzzzzzzzz", "a\x00b"} {
		_, ok, err := s.Resolve(ctx, tok)
		assert.NoError(t, err, "%q", tok)
		assert.False(t, ok, "%q", tok)
		assert.NoError(t, s.Revoke(ctx, tok), "%q", tok)

		_, ok, err = s.Consume(ctx, tok)
		assert.NoError(t, err, "%q", tok)
		assert.False(t, ok, "%q", tok)
	}
}

func TestTokensExpire(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for expiration")
	}
	s, users, _ := newStore(t, Config{TTL: time.Second})
	ctx := context.Background()

	tok, err := s.Issue(ctx, createUser(t, users, "host"))
	require.NoError(t, err)

	time.Sleep(2100 * time.Millisecond)
	_, ok, err := s.Resolve(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeIsSingleUse(t *testing.T) {
	s, users, _ := newStore(t, Config{})
	ctx := context.Background()
	host := createUser(t, users, "host")
	tok, err := s.Issue(ctx, host)
	require.NoError(t, err)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok, err := s.Consume(ctx, tok)
			if err != nil {
				// a conflicting batch lost the race
				assert.True(t, fault.IsErrUnavailable(err), err)
				return
			}
			if ok {
				assert.Equal(t, host, id)
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	_, ok, err := s.Consume(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegister(t *testing.T) {
	s, users, db := newStore(t, Config{})
	ctx := context.Background()
	host := createUser(t, users, "host")
	tok, err := s.Issue(ctx, host)
	require.NoError(t, err)

	// a failed sign-up leaves the invitation usable
	_, err = s.Register(ctx, tok, user.NewUser{SecretName: "host", PublicName: "Copycat"})
	require.ErrorIs(t, err, fault.ErrUserExists)
	_, ok, err := s.Resolve(ctx, tok)
	require.NoError(t, err)
	require.True(t, ok)

	guest, err := s.Register(ctx, tok, user.NewUser{SecretName: "guest", PublicName: "Guest"})
	require.NoError(t, err)
	assert.Equal(t, host, guest.InvitedBy)
	assert.Equal(t, []int64{guest.ID}, friendsOf(t, db, host))

	_, ok, err = s.Resolve(ctx, tok)
	require.NoError(t, err)
	assert.False(t, ok, "token survived its use")

	loner, err := s.Register(ctx, tok, user.NewUser{SecretName: "loner", PublicName: "Loner"})
	require.NoError(t, err)
	assert.Equal(t, user.NoInviter, loner.InvitedBy)
	assert.Empty(t, friendsOf(t, db, loner.ID))
}

func TestAccept(t *testing.T) {
	s, users, db := newStore(t, Config{})
	ctx := context.Background()
	host := createUser(t, users, "host")
	guest := createUser(t, users, "guest")

	own, err := s.Issue(ctx, guest)
	require.NoError(t, err)
	_, err = s.Accept(ctx, own, guest)
	assert.ErrorIs(t, err, fault.ErrSelfFriendship)
	_, ok, err := s.Resolve(ctx, own)
	require.NoError(t, err)
	assert.True(t, ok, "rejected accept consumed the token")

	tok, err := s.Issue(ctx, host)
	require.NoError(t, err)
	inviter, err := s.Accept(ctx, tok, guest)
	require.NoError(t, err)
	assert.Equal(t, host, inviter)
	assert.Equal(t, []int64{guest}, friendsOf(t, db, host))
	assert.Equal(t, []int64{host}, friendsOf(t, db, guest))

	_, err = s.Accept(ctx, tok, guest)
	assert.ErrorIs(t, err, fault.ErrTokenNotFound)
}
