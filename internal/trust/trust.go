// Package trust blends round outcomes into a player's running rates.
//
// Each round yields a one-hot outcome over true/false positive/negative.
// It moves the four rates by points/maxPoints of the way towards that
// outcome, so a confident round weighs more than a hesitant one.
package trust

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
	"spotthebot/internal/metrics"
	"spotthebot/internal/user"
)

const (
	DefaultPenaltyCharge = 5
	DefaultPenaltyScale  = 25
)

// Outcome is one submitted round.
type Outcome struct {
	ClassifiedPositive bool
	ActuallyPositive   bool
	// Points is the confidence the round carries, 0 < Points <= MaxPoints.
	Points    int
	MaxPoints int
}

func (o Outcome) Validate() error {
	if o.Points <= 0 || o.Points > o.MaxPoints {
		return fmt.Errorf("%w: %d of %d", fault.ErrInvalidPoints, o.Points, o.MaxPoints)
	}
	return nil
}

// Name is the cell of the confusion table the round falls into.
func (o Outcome) Name() string {
	switch {
	case o.ClassifiedPositive && o.ActuallyPositive:
		return "true_positive"
	case !o.ClassifiedPositive && !o.ActuallyPositive:
		return "true_negative"
	case o.ClassifiedPositive:
		return "false_positive"
	default:
		return "false_negative"
	}
}

// Vector is the one-hot rate vector of the outcome.
func (o Outcome) Vector() user.Rates {
	switch o.Name() {
	case "true_positive":
		return user.Rates{TruePositives: 1}
	case "true_negative":
		return user.Rates{TrueNegatives: 1}
	case "false_positive":
		return user.Rates{FalsePositives: 1}
	default:
		return user.Rates{FalseNegatives: 1}
	}
}

// Blend moves old towards round by weight points/maxPoints.
func Blend(old, round user.Rates, points, maxPoints int) user.Rates {
	p, m := float64(points), float64(maxPoints)
	mix := func(r, o float64) float64 {
		return (r*p + o*(m-p)) / m
	}
	return user.Rates{
		TruePositives:  mix(round.TruePositives, old.TruePositives),
		TrueNegatives:  mix(round.TrueNegatives, old.TrueNegatives),
		FalsePositives: mix(round.FalsePositives, old.FalsePositives),
		FalseNegatives: mix(round.FalseNegatives, old.FalseNegatives),
	}
}

// abandoned is where repeated abandonment drives the rates: both false
// tallies charged equally, nothing credited.
var abandoned = user.Rates{FalsePositives: 0.5, FalseNegatives: 0.5}

// Record is a player's trust state.
type Record struct {
	Rates   user.Rates `json:"rates"`
	Penalty bool       `json:"penalty"`
}

type Config struct {
	// An abandoned round blends the rates PenaltyCharge/PenaltyScale of
	// the way towards charging both false tallies.
	PenaltyCharge int
	PenaltyScale  int
}

type Updater struct {
	kv    kv.Store
	users *user.Store
	cfg   Config
	log   *zap.Logger
}

func New(store kv.Store, users *user.Store, cfg Config, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PenaltyScale <= 0 {
		cfg.PenaltyScale = DefaultPenaltyScale
	}
	if cfg.PenaltyCharge <= 0 {
		cfg.PenaltyCharge = DefaultPenaltyCharge
	}
	if cfg.PenaltyCharge > cfg.PenaltyScale {
		cfg.PenaltyCharge = cfg.PenaltyScale
	}
	return &Updater{kv: store, users: users, cfg: cfg, log: log.Named("trust")}
}

// StartRound arms the abandonment flag for the round about to be played.
// If the flag was still armed the previous round was never submitted: the
// penalty is charged, the flag cleared and penalized reported true.
//
// The charge is not a raw increment of the false tallies. The rates are
// blended PenaltyCharge/PenaltyScale of the way towards half false
// positive, half false negative, so TP and TN shrink by that fraction as
// well and every rate stays within [0, 1].
func (u *Updater) StartRound(ctx context.Context, userID int64) (penalized bool, err error) {
	err = u.kv.Update(ctx, func(tx kv.Tx) error {
		rec, err := u.users.GetTx(tx, userID)
		if err != nil {
			return err
		}
		penalized = rec.Penalty
		if !penalized {
			armed := true
			return u.users.PutTx(tx, userID, user.Patch{Penalty: &armed})
		}
		charged := Blend(rec.Rates, abandoned, u.cfg.PenaltyCharge, u.cfg.PenaltyScale)
		cleared := false
		return u.users.PutTx(tx, userID, user.Patch{Rates: &charged, Penalty: &cleared})
	})
	if err != nil {
		return false, fmt.Errorf("start round for %d: %w", userID, err)
	}
	if penalized {
		metrics.RecordPenalty()
		u.log.Info("abandoned round penalized", zap.Int64("user", userID))
	}
	return penalized, nil
}

// ResolveRound blends o into the player's rates and disarms the
// abandonment flag. It returns the new rates.
func (u *Updater) ResolveRound(ctx context.Context, userID int64, o Outcome) (user.Rates, error) {
	return u.ResolveRoundWith(ctx, userID, o, nil)
}

// ResolveRoundWith is ResolveRound with also run in the same batch, after
// the rates are written. If also fails the round is not recorded.
func (u *Updater) ResolveRoundWith(ctx context.Context, userID int64, o Outcome, also func(tx kv.Tx) error) (user.Rates, error) {
	if err := o.Validate(); err != nil {
		return user.Rates{}, err
	}
	var rates user.Rates
	err := u.kv.Update(ctx, func(tx kv.Tx) error {
		var err error
		if rates, err = u.ResolveRoundTx(tx, userID, o); err != nil {
			return err
		}
		if also != nil {
			return also(tx)
		}
		return nil
	})
	if err != nil {
		return user.Rates{}, fmt.Errorf("resolve round for %d: %w", userID, err)
	}
	metrics.RecordRound(o.Name())
	u.log.Debug("round resolved",
		zap.Int64("user", userID),
		zap.String("outcome", o.Name()),
		zap.Int("points", o.Points),
		zap.Int("max_points", o.MaxPoints))
	return rates, nil
}

// ResolveRoundTx writes the blended rates inside a caller's batch.
func (u *Updater) ResolveRoundTx(tx kv.Tx, userID int64, o Outcome) (user.Rates, error) {
	if err := o.Validate(); err != nil {
		return user.Rates{}, err
	}
	rec, err := u.users.GetTx(tx, userID)
	if err != nil {
		return user.Rates{}, err
	}
	rates := Blend(rec.Rates, o.Vector(), o.Points, o.MaxPoints)
	cleared := false
	if err := u.users.PutTx(tx, userID, user.Patch{Rates: &rates, Penalty: &cleared}); err != nil {
		return user.Rates{}, err
	}
	return rates, nil
}

// Rates returns the current trust state of a player.
func (u *Updater) Rates(ctx context.Context, userID int64) (Record, error) {
	rec, err := u.users.Get(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	return Record{Rates: rec.Rates, Penalty: rec.Penalty}, nil
}
