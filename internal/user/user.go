// Package user stores player records.
//
// A user is a hash under user:{id}. The secret name a player logs in with is
// never stored; a keyed BLAKE2b digest of it indexes the id under
// name_hash:{digest}. Any write touching a user pushes the expiration of
// the record, its friend set and its name index forward so inactive
// accounts age out together.
package user

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"spotthebot/internal/fault"
	"spotthebot/internal/friend"
	"spotthebot/internal/kv"
)

const counterKey = "user_id_counter"

// record fields
const (
	fieldSecretNameHash = "secret_name_hash"
	fieldPublicName     = "public_name"
	fieldFace           = "face"
	fieldInvitedBy      = "invited_by_user_id"
	fieldCreatedAt      = "created_at"
	fieldPenalty        = "penalty"
	fieldTruePositives  = "true_positives"
	fieldTrueNegatives  = "true_negatives"
	fieldFalsePositives = "false_positives"
	fieldFalseNegatives = "false_negatives"
)

// DefaultExpiration is how long an untouched account survives.
const DefaultExpiration = 24 * 7 * 24 * time.Hour

// NoInviter marks a user who signed up without an invitation.
const NoInviter int64 = -1

func Key(id int64) string { return "user:" + strconv.FormatInt(id, 10) }

func nameKey(hash string) string { return "name_hash:" + hash }

// Rates are the four running outcome rates of a player, each in [0,1].
type Rates struct {
	TruePositives  float64 `json:"true_positives"`
	TrueNegatives  float64 `json:"true_negatives"`
	FalsePositives float64 `json:"false_positives"`
	FalseNegatives float64 `json:"false_negatives"`
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

// Precision is how often a positive call was right.
func (r Rates) Precision() float64 { return ratio(r.TruePositives, r.TruePositives+r.FalsePositives) }

// Specificity is how often a negative call was right.
func (r Rates) Specificity() float64 { return ratio(r.TrueNegatives, r.TrueNegatives+r.FalseNegatives) }

// Anger is how often a positive call was wrong.
func (r Rates) Anger() float64 { return ratio(r.FalsePositives, r.TruePositives+r.FalsePositives) }

// Sadness is how often a negative call was wrong.
func (r Rates) Sadness() float64 { return ratio(r.FalseNegatives, r.TrueNegatives+r.FalseNegatives) }

func (r Rates) Wins() int { return int(r.TruePositives + r.TrueNegatives) }

type User struct {
	ID             int64     `json:"id"`
	SecretNameHash string    `json:"-"`
	PublicName     string    `json:"public_name"`
	Face           string    `json:"face"`
	InvitedBy      int64     `json:"invited_by"`
	CreatedAt      time.Time `json:"created_at"`
	Rates          Rates     `json:"rates"`
	Penalty        bool      `json:"penalty"`
}

// NewUser is what sign-up provides. InvitedBy is NoInviter or the id of
// the user whose invitation was used.
type NewUser struct {
	SecretName string
	PublicName string
	Face       string
	InvitedBy  int64
}

// Patch names the fields Put overwrites; nil members are left alone.
type Patch struct {
	PublicName *string
	Face       *string
	Rates      *Rates
	Penalty    *bool
}

func (p Patch) fields() map[string]string {
	f := map[string]string{}
	if p.PublicName != nil {
		f[fieldPublicName] = *p.PublicName
	}
	if p.Face != nil {
		f[fieldFace] = *p.Face
	}
	if p.Rates != nil {
		for k, v := range p.Rates.fields() {
			f[k] = v
		}
	}
	if p.Penalty != nil {
		f[fieldPenalty] = formatBool(*p.Penalty)
	}
	return f
}

func (r Rates) fields() map[string]string {
	return map[string]string{
		fieldTruePositives:  formatFloat(r.TruePositives),
		fieldTrueNegatives:  formatFloat(r.TrueNegatives),
		fieldFalsePositives: formatFloat(r.FalsePositives),
		fieldFalseNegatives: formatFloat(r.FalseNegatives),
	}
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

type Config struct {
	// Expiration is the lifetime of an untouched account.
	Expiration time.Duration
	// Pepper keys the secret name digest. At most 64 bytes.
	Pepper []byte
}

type Store struct {
	kv  kv.Store
	cfg Config
	log *zap.Logger
}

var _ friend.Directory = (*Store)(nil)

func New(store kv.Store, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Pepper) > blake2b.Size {
		return nil, fmt.Errorf("pepper is %d bytes, at most %d allowed", len(cfg.Pepper), blake2b.Size)
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultExpiration
	}
	return &Store{kv: store, cfg: cfg, log: log.Named("user")}, nil
}

// HashSecret digests a secret name the way it is indexed.
func (s *Store) HashSecret(secret string) string {
	h, _ := blake2b.New256(s.cfg.Pepper)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func checkID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %d", fault.ErrInvalidUserID, id)
	}
	return nil
}

// Create registers a user. A user signing up through an invitation
// befriends the inviter in the same batch.
func (s *Store) Create(ctx context.Context, nu NewUser) (User, error) {
	var u User
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		var err error
		u, err = s.CreateTx(tx, nu)
		return err
	})
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", zap.Int64("id", u.ID), zap.Int64("invited_by", u.InvitedBy))
	return u, nil
}

// CreateTx is Create inside a caller's batch.
func (s *Store) CreateTx(tx kv.Tx, nu NewUser) (User, error) {
	switch {
	case nu.SecretName == "":
		return User{}, fault.ErrRequiredSecretName
	case nu.PublicName == "":
		return User{}, fault.ErrRequiredPublicName
	}
	hash := s.HashSecret(nu.SecretName)
	taken, err := tx.Exists(nameKey(hash))
	if err != nil {
		return User{}, err
	}
	if taken {
		return User{}, fault.ErrUserExists
	}

	id, err := tx.Incr(counterKey)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:             id,
		SecretNameHash: hash,
		PublicName:     nu.PublicName,
		Face:           nu.Face,
		InvitedBy:      NoInviter,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if nu.InvitedBy > 0 && nu.InvitedBy != id {
		ok, err := s.ExistsTx(tx, nu.InvitedBy)
		if err != nil {
			return User{}, err
		}
		if ok {
			u.InvitedBy = nu.InvitedBy
		}
	}

	fields := u.Rates.fields()
	fields[fieldSecretNameHash] = hash
	fields[fieldPublicName] = u.PublicName
	fields[fieldFace] = u.Face
	fields[fieldInvitedBy] = strconv.FormatInt(u.InvitedBy, 10)
	fields[fieldCreatedAt] = strconv.FormatInt(u.CreatedAt.Unix(), 10)
	fields[fieldPenalty] = formatBool(false)
	if err := tx.HSet(Key(id), fields); err != nil {
		return User{}, err
	}
	if err := tx.Set(nameKey(hash), strconv.FormatInt(id, 10), s.cfg.Expiration); err != nil {
		return User{}, err
	}

	if u.InvitedBy != NoInviter {
		if err := friend.LinkTx(tx, id, u.InvitedBy); err != nil {
			return User{}, err
		}
		if err := s.Touch(tx, u.InvitedBy); err != nil {
			return User{}, err
		}
	}
	return u, s.Touch(tx, id)
}

func (s *Store) ExistsTx(r kv.Reader, id int64) (bool, error) {
	return r.Exists(Key(id))
}

func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	var ok bool
	err := s.kv.View(ctx, func(r kv.Reader) error {
		var err error
		ok, err = s.ExistsTx(r, id)
		return err
	})
	return ok, err
}

// GetTx reads user id inside a batch.
func (s *Store) GetTx(r kv.Reader, id int64) (User, error) {
	fields, err := r.HGetAll(Key(id))
	if err != nil {
		return User{}, err
	}
	if len(fields) == 0 {
		return User{}, fmt.Errorf("%w: %d", fault.ErrUserNotFound, id)
	}
	return decode(id, fields)
}

func decode(id int64, f map[string]string) (User, error) {
	u := User{
		ID:             id,
		SecretNameHash: f[fieldSecretNameHash],
		PublicName:     f[fieldPublicName],
		Face:           f[fieldFace],
		Penalty:        f[fieldPenalty] == "1",
	}
	var err error
	parseFloat := func(field string) float64 {
		if err != nil {
			return 0
		}
		var v float64
		v, err = strconv.ParseFloat(f[field], 64)
		if err != nil {
			err = fmt.Errorf("user %d field %s: %w", id, field, err)
		}
		return v
	}
	u.Rates = Rates{
		TruePositives:  parseFloat(fieldTruePositives),
		TrueNegatives:  parseFloat(fieldTrueNegatives),
		FalsePositives: parseFloat(fieldFalsePositives),
		FalseNegatives: parseFloat(fieldFalseNegatives),
	}
	if err != nil {
		return User{}, err
	}
	if u.InvitedBy, err = strconv.ParseInt(f[fieldInvitedBy], 10, 64); err != nil {
		return User{}, fmt.Errorf("user %d field %s: %w", id, fieldInvitedBy, err)
	}
	created, err := strconv.ParseInt(f[fieldCreatedAt], 10, 64)
	if err != nil {
		return User{}, fmt.Errorf("user %d field %s: %w", id, fieldCreatedAt, err)
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, nil
}

func (s *Store) Get(ctx context.Context, id int64) (User, error) {
	if err := checkID(id); err != nil {
		return User{}, err
	}
	var u User
	err := s.kv.View(ctx, func(r kv.Reader) error {
		var err error
		u, err = s.GetTx(r, id)
		return err
	})
	return u, err
}

// GetBySecretName finds the user who logs in with secret.
func (s *Store) GetBySecretName(ctx context.Context, secret string) (User, error) {
	if secret == "" {
		return User{}, fault.ErrRequiredSecretName
	}
	hash := s.HashSecret(secret)
	var u User
	err := s.kv.View(ctx, func(r kv.Reader) error {
		v, ok, err := r.Get(nameKey(hash))
		if err != nil {
			return err
		}
		if !ok {
			return fault.ErrUserNotFound
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("name index holds %q: %w", v, err)
		}
		u, err = s.GetTx(r, id)
		return err
	})
	return u, err
}

// FriendTx describes id as someone else's peer.
func (s *Store) FriendTx(r kv.Reader, id int64) (friend.Friend, bool, error) {
	u, err := s.GetTx(r, id)
	if errors.Is(err, fault.ErrUserNotFound) {
		return friend.Friend{}, false, nil
	}
	if err != nil {
		return friend.Friend{}, false, err
	}
	return friend.Friend{
		ID:      u.ID,
		Name:    u.PublicName,
		Face:    u.Face,
		Anger:   u.Rates.Anger(),
		Sadness: u.Rates.Sadness(),
		Wins:    u.Rates.Wins(),
	}, true, nil
}

// Put overwrites the fields named by p.
func (s *Store) Put(ctx context.Context, id int64, p Patch) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := s.kv.Update(ctx, func(tx kv.Tx) error {
		return s.PutTx(tx, id, p)
	}); err != nil {
		return fmt.Errorf("put user %d: %w", id, err)
	}
	return nil
}

// PutTx is Put inside a caller's batch.
func (s *Store) PutTx(tx kv.Tx, id int64, p Patch) error {
	ok, err := s.ExistsTx(tx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", fault.ErrUserNotFound, id)
	}
	if p.PublicName != nil && *p.PublicName == "" {
		return fault.ErrRequiredPublicName
	}
	if f := p.fields(); len(f) > 0 {
		if err := tx.HSet(Key(id), f); err != nil {
			return err
		}
	}
	return s.Touch(tx, id)
}

// Touch pushes the expiration of id's record, friend set and name index
// forward. Touching a missing user does nothing.
func (s *Store) Touch(tx kv.Tx, id int64) error {
	hash, ok, err := tx.HGet(Key(id), fieldSecretNameHash)
	if err != nil || !ok {
		return err
	}
	for _, key := range []string{Key(id), friend.Key(id), nameKey(hash)} {
		if err := tx.Expire(key, s.cfg.Expiration); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes id, its name index and every friendship in one batch.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := checkID(id); err != nil {
		return err
	}
	var peers []int64
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		u, err := s.GetTx(tx, id)
		if err != nil {
			return err
		}
		if peers, err = friend.RemoveAllTx(tx, id); err != nil {
			return err
		}
		for _, p := range peers {
			if err := s.Touch(tx, p); err != nil {
				return err
			}
		}
		return tx.Delete(Key(id), nameKey(u.SecretNameHash))
	})
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	s.log.Info("user deleted", zap.Int64("id", id), zap.Int("friends", len(peers)))
	return nil
}
