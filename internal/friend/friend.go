// Package friend maintains the symmetric friendship relation between users.
//
// Each user owns a set of peer ids; an edge exists when both sets name each
// other, and every operation writes both sides in one store batch so no
// half edge is ever observable.
package friend

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
)

// Friend is a peer as shown in a friend list. Everything but ID is read
// from the peer's own record at query time.
type Friend struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Face    string  `json:"face"`
	Anger   float64 `json:"anger"`
	Sadness float64 `json:"sadness"`
	Wins    int     `json:"wins"`
}

// Directory resolves the user records the graph joins against.
type Directory interface {
	ExistsTx(r kv.Reader, id int64) (bool, error)
	// FriendTx describes id as a peer; ok is false when the user is gone.
	FriendTx(r kv.Reader, id int64) (f Friend, ok bool, err error)
	// Touch refreshes the expiration of everything id owns.
	Touch(tx kv.Tx, id int64) error
}

// Key is the adjacency set of id.
func Key(id int64) string {
	return "user:" + strconv.FormatInt(id, 10) + ":friends"
}

func member(id int64) string { return strconv.FormatInt(id, 10) }

// LinkTx adds the edge a-b inside tx.
func LinkTx(tx kv.Tx, a, b int64) error {
	if a == b {
		return fault.ErrSelfFriendship
	}
	if err := tx.SAdd(Key(a), member(b)); err != nil {
		return err
	}
	return tx.SAdd(Key(b), member(a))
}

// UnlinkTx removes the edge a-b inside tx.
func UnlinkTx(tx kv.Tx, a, b int64) error {
	if err := tx.SRem(Key(a), member(b)); err != nil {
		return err
	}
	return tx.SRem(Key(b), member(a))
}

// IDsTx lists the peers of a in ascending order.
func IDsTx(r kv.Reader, a int64) ([]int64, error) {
	members, err := r.SMembers(Key(a))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("friend set of %d holds %q: %w", a, m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RemoveAllTx drops every edge of a inside tx and returns the former peers.
func RemoveAllTx(tx kv.Tx, a int64) ([]int64, error) {
	peers, err := IDsTx(tx, a)
	if err != nil {
		return nil, err
	}
	for _, b := range peers {
		if err := tx.SRem(Key(b), member(a)); err != nil {
			return nil, err
		}
	}
	if err := tx.Delete(Key(a)); err != nil {
		return nil, err
	}
	return peers, nil
}

type Graph struct {
	kv  kv.Store
	dir Directory
	log *zap.Logger
}

func New(store kv.Store, dir Directory, log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{kv: store, dir: dir, log: log.Named("friend")}
}

func checkID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %d", fault.ErrInvalidUserID, id)
	}
	return nil
}

func checkPair(a, b int64) error {
	if err := checkID(a); err != nil {
		return err
	}
	if err := checkID(b); err != nil {
		return err
	}
	if a == b {
		return fault.ErrSelfFriendship
	}
	return nil
}

func (g *Graph) mustExist(r kv.Reader, ids ...int64) error {
	for _, id := range ids {
		ok, err := g.dir.ExistsTx(r, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", fault.ErrUserNotFound, id)
		}
	}
	return nil
}

// Connect befriends a and b. Both users must exist.
func (g *Graph) Connect(ctx context.Context, a, b int64) error {
	if err := checkPair(a, b); err != nil {
		return err
	}
	err := g.kv.Update(ctx, func(tx kv.Tx) error {
		if err := g.mustExist(tx, a, b); err != nil {
			return err
		}
		if err := LinkTx(tx, a, b); err != nil {
			return err
		}
		return touch(tx, g.dir, a, b)
	})
	if err != nil {
		return fmt.Errorf("connect %d and %d: %w", a, b, err)
	}
	g.log.Debug("friends connected", zap.Int64("a", a), zap.Int64("b", b))
	return nil
}

// Disconnect removes the friendship of a and b if there is one.
func (g *Graph) Disconnect(ctx context.Context, a, b int64) error {
	if err := checkPair(a, b); err != nil {
		return err
	}
	err := g.kv.Update(ctx, func(tx kv.Tx) error {
		if err := UnlinkTx(tx, a, b); err != nil {
			return err
		}
		return touch(tx, g.dir, a, b)
	})
	if err != nil {
		return fmt.Errorf("disconnect %d and %d: %w", a, b, err)
	}
	return nil
}

// NeighborIDs lists the peers of a in ascending order.
func (g *Graph) NeighborIDs(ctx context.Context, a int64) ([]int64, error) {
	if err := checkID(a); err != nil {
		return nil, err
	}
	var ids []int64
	err := g.kv.View(ctx, func(r kv.Reader) error {
		if err := g.mustExist(r, a); err != nil {
			return err
		}
		var err error
		ids, err = IDsTx(r, a)
		return err
	})
	return ids, err
}

// Neighbors lists the peers of a, ordered by id, with their current
// display attributes. Peers whose record has vanished are left out.
func (g *Graph) Neighbors(ctx context.Context, a int64) ([]Friend, error) {
	if err := checkID(a); err != nil {
		return nil, err
	}
	out := []Friend{}
	err := g.kv.View(ctx, func(r kv.Reader) error {
		if err := g.mustExist(r, a); err != nil {
			return err
		}
		ids, err := IDsTx(r, a)
		if err != nil {
			return err
		}
		for _, id := range ids {
			f, ok, err := g.dir.FriendTx(r, id)
			if err != nil {
				return err
			}
			if !ok {
				g.log.Warn("skipping stale friend", zap.Int64("user", a), zap.Int64("peer", id))
				continue
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("neighbors of %d: %w", a, err)
	}
	return out, nil
}

// RemoveAll drops every friendship of a in one batch.
func (g *Graph) RemoveAll(ctx context.Context, a int64) error {
	if err := checkID(a); err != nil {
		return err
	}
	var peers []int64
	err := g.kv.Update(ctx, func(tx kv.Tx) error {
		var err error
		if peers, err = RemoveAllTx(tx, a); err != nil {
			return err
		}
		return touch(tx, g.dir, append(peers, a)...)
	})
	if err != nil {
		return fmt.Errorf("remove friendships of %d: %w", a, err)
	}
	g.log.Info("friendships removed", zap.Int64("user", a), zap.Int("peers", len(peers)))
	return nil
}

func touch(tx kv.Tx, dir Directory, ids ...int64) error {
	for _, id := range ids {
		if err := dir.Touch(tx, id); err != nil {
			return err
		}
	}
	return nil
}
