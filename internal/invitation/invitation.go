// Package invitation issues short tokens that link a newcomer to the
// player who invited them.
package invitation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/friend"
	"spotthebot/internal/kv"
	"spotthebot/internal/user"
)

const (
	counterKey = "invitation_id_counter"
	keyPrefix  = "invitation:"
)

// DefaultTTL is how long an unused invitation stays valid.
const DefaultTTL = 4 * 7 * 24 * time.Hour

// 64-bit FNV parameters
const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// Token derives the token of sequence number seq. Every step of the mix is
// a bijection on 64 bits, so distinct sequence numbers never share a token.
func Token(seq int64) string {
	x := uint64(seq) ^ offset64
	x *= prime64
	x ^= x >> 32
	x *= prime64
	x ^= x >> 29
	return strconv.FormatUint(x, 36)
}

// wellFormed reports whether s could have come from Token.
func wellFormed(s string) bool {
	if s == "" || len(s) > 13 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	_, err := strconv.ParseUint(s, 36, 64)
	return err == nil
}

func key(token string) string { return keyPrefix + token }

type Config struct {
	TTL time.Duration
}

type Store struct {
	kv    kv.Store
	users *user.Store
	cfg   Config
	log   *zap.Logger
}

func New(store kv.Store, users *user.Store, cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Store{kv: store, users: users, cfg: cfg, log: log.Named("invitation")}
}

// Issue creates a token pointing at inviterID.
func (s *Store) Issue(ctx context.Context, inviterID int64) (string, error) {
	var token string
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		ok, err := s.users.ExistsTx(tx, inviterID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", fault.ErrUserNotFound, inviterID)
		}
		seq, err := tx.Incr(counterKey)
		if err != nil {
			return err
		}
		token = Token(seq)
		return tx.Set(key(token), strconv.FormatInt(inviterID, 10), s.cfg.TTL)
	})
	if err != nil {
		return "", fmt.Errorf("issue invitation: %w", err)
	}
	s.log.Info("invitation issued", zap.Int64("inviter", inviterID), zap.Duration("ttl", s.cfg.TTL))
	return token, nil
}

func resolveTx(r kv.Reader, token string) (int64, bool, error) {
	if !wellFormed(token) {
		return 0, false, nil
	}
	v, ok, err := r.Get(key(token))
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invitation %s holds %q: %w", token, v, err)
	}
	return id, true, nil
}

// Resolve returns the inviter behind token. An unknown, expired or
// malformed token yields ok == false and no error.
func (s *Store) Resolve(ctx context.Context, token string) (inviterID int64, ok bool, err error) {
	err = s.kv.View(ctx, func(r kv.Reader) error {
		inviterID, ok, err = resolveTx(r, token)
		return err
	})
	return inviterID, ok, err
}

// Revoke deletes token. Revoking an unknown token is not an error.
func (s *Store) Revoke(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}
	return s.kv.Update(ctx, func(tx kv.Tx) error {
		return tx.Delete(key(token))
	})
}

// ConsumeTx resolves and revokes token inside a caller's batch.
func ConsumeTx(tx kv.Tx, token string) (int64, bool, error) {
	id, ok, err := resolveTx(tx, token)
	if err != nil || !ok {
		return 0, false, err
	}
	return id, true, tx.Delete(key(token))
}

// Consume resolves token and revokes it in the same batch, so of two
// concurrent calls at most one sees the inviter.
func (s *Store) Consume(ctx context.Context, token string) (inviterID int64, ok bool, err error) {
	err = s.kv.Update(ctx, func(tx kv.Tx) error {
		inviterID, ok, err = ConsumeTx(tx, token)
		return err
	})
	return inviterID, ok, err
}

// Register signs nu up through token. A valid token is used up and makes
// its inviter the newcomer's first friend; any other token registers the
// user uninvited. Nothing is consumed if the sign-up fails.
func (s *Store) Register(ctx context.Context, token string, nu user.NewUser) (user.User, error) {
	var u user.User
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		inviter, ok, err := ConsumeTx(tx, token)
		if err != nil {
			return err
		}
		nu.InvitedBy = user.NoInviter
		if ok {
			nu.InvitedBy = inviter
		}
		u, err = s.users.CreateTx(tx, nu)
		return err
	})
	if err != nil {
		return user.User{}, fmt.Errorf("register: %w", err)
	}
	s.log.Info("user registered", zap.Int64("id", u.ID), zap.Int64("invited_by", u.InvitedBy))
	return u, nil
}

// Accept lets an existing player take up token, befriending its inviter.
// The token is only used up if the friendship is made.
func (s *Store) Accept(ctx context.Context, token string, userID int64) (inviterID int64, err error) {
	err = s.kv.Update(ctx, func(tx kv.Tx) error {
		id, ok, err := ConsumeTx(tx, token)
		if err != nil {
			return err
		}
		if !ok {
			return fault.ErrTokenNotFound
		}
		for _, u := range []int64{userID, id} {
			exists, err := s.users.ExistsTx(tx, u)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: %d", fault.ErrUserNotFound, u)
			}
		}
		if err := friend.LinkTx(tx, userID, id); err != nil {
			return err
		}
		if err := s.users.Touch(tx, userID); err != nil {
			return err
		}
		inviterID = id
		return s.users.Touch(tx, id)
	})
	if err != nil {
		return 0, fmt.Errorf("accept invitation: %w", err)
	}
	s.log.Info("invitation accepted", zap.Int64("user", userID), zap.Int64("inviter", inviterID))
	return inviterID, nil
}
