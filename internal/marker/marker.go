// Package marker keeps crowd-sourced marker statistics.
//
// Each marker is a hash of counts plus an entry in two sorted sets, one
// ranking by how often the marker was used and one by how often it was
// used on a correct classification. Every write keeps the three in step
// inside a single store batch.
package marker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
	"spotthebot/internal/metrics"
)

const (
	keyPrefix  = "marker:"
	countIndex = "marker_total_count"
	ratioIndex = "marker_correct_ratio"

	fieldTotal   = "total_count"
	fieldCorrect = "correct_count"
)

const (
	DefaultMaxMarkers = 100
	DefaultMinCount   = 10
)

// Marker is the primary record of one label.
type Marker struct {
	Label        string `json:"label"`
	TotalCount   int64  `json:"total_count"`
	CorrectCount int64  `json:"correct_count"`
}

// SuccessRatio is CorrectCount/TotalCount, or 0 for an unused marker.
func (m Marker) SuccessRatio() float64 {
	if m.TotalCount <= 0 {
		return 0
	}
	return float64(m.CorrectCount) / float64(m.TotalCount)
}

// Ranked is one row of a reliability ranking.
type Ranked struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Counted is one row of the popularity ranking.
type Counted struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

type Config struct {
	// MaxMarkers is the capacity Evict trims the store down to.
	MaxMarkers int
	// AutoEvict runs Evict after every successful Update.
	AutoEvict bool
}

// evictChunk bounds how many markers one eviction batch removes.
const evictChunk = 256

type Store struct {
	kv    kv.Store
	cfg   Config
	log   *zap.Logger
	chunk int
}

func New(store kv.Store, cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxMarkers <= 0 {
		cfg.MaxMarkers = DefaultMaxMarkers
	}
	return &Store{kv: store, cfg: cfg, log: log.Named("marker"), chunk: evictChunk}
}

func key(label string) string { return keyPrefix + label }

func checkLabel(label string) error {
	switch {
	case label == "":
		return fault.ErrEmptyLabel
	case strings.IndexByte(label, 0) >= 0:
		return fault.ErrInvalidLabel
	}
	return nil
}

// Validate checks a label multiset the way Update does, without touching
// the store.
func Validate(labels []string) error {
	_, _, err := tally(labels)
	return err
}

// tally counts labels, returning the distinct ones in order.
func tally(labels []string) ([]string, map[string]int64, error) {
	if len(labels) == 0 {
		return nil, nil, fault.ErrEmptyLabels
	}
	counts := make(map[string]int64, len(labels))
	for _, l := range labels {
		if err := checkLabel(l); err != nil {
			return nil, nil, err
		}
		counts[l]++
	}
	distinct := make([]string, 0, len(counts))
	for l := range counts {
		distinct = append(distinct, l)
	}
	sort.Strings(distinct)
	return distinct, counts, nil
}

// Update counts one round's labels. labels is a multiset: a label given
// twice is counted twice. When correct is set the labels are credited as
// correct too. Either every label and both indices reflect the round or,
// on error, none of them do.
func (s *Store) Update(ctx context.Context, labels []string, correct bool) error {
	if err := Validate(labels); err != nil {
		return err
	}
	if err := s.kv.Update(ctx, func(tx kv.Tx) error {
		return UpdateTx(tx, labels, correct)
	}); err != nil {
		return fmt.Errorf("update markers: %w", err)
	}
	s.log.Debug("markers updated", zap.Int("labels", len(labels)), zap.Bool("correct", correct))
	s.Settle(ctx)
	return nil
}

// UpdateTx is the body of Update inside a caller's batch. Callers that
// commit it themselves should call Settle afterwards.
func UpdateTx(tx kv.Tx, labels []string, correct bool) error {
	distinct, counts, err := tally(labels)
	if err != nil {
		return err
	}
	for _, label := range distinct {
		n := counts[label]
		total, err := tx.HIncrBy(key(label), fieldTotal, n)
		if err != nil {
			return err
		}
		var credit int64
		if correct {
			credit = n
		}
		right, err := tx.HIncrBy(key(label), fieldCorrect, credit)
		if err != nil {
			return err
		}
		if total <= 0 {
			return fmt.Errorf("%w: %q has %d", fault.ErrNonPositiveTotal, label, total)
		}
		if err := index(tx, Marker{Label: label, TotalCount: total, CorrectCount: right}); err != nil {
			return err
		}
	}
	return nil
}

// Settle runs the eviction AutoEvict asks for after a committed update.
// The update already landed, so a failed eviction is only logged and left
// to the housekeeping worker.
func (s *Store) Settle(ctx context.Context) {
	if !s.cfg.AutoEvict {
		return
	}
	if _, err := s.Evict(ctx); err != nil {
		metrics.RecordEvictionFailure()
		s.log.Warn("eviction after update failed", zap.Error(err))
	}
}

func index(tx kv.Tx, m Marker) error {
	if err := tx.ZAdd(countIndex, m.Label, float64(m.TotalCount)); err != nil {
		return err
	}
	return tx.ZAdd(ratioIndex, m.Label, m.SuccessRatio())
}

// MostSuccessful returns up to n markers used at least minCount times,
// most reliable first, with their success ratio.
func (s *Store) MostSuccessful(ctx context.Context, n, minCount int) ([]Ranked, error) {
	return s.ranked(ctx, n, minCount, true)
}

// LeastSuccessful returns up to n markers used at least minCount times,
// least reliable first, with their failure ratio.
func (s *Store) LeastSuccessful(ctx context.Context, n, minCount int) ([]Ranked, error) {
	return s.ranked(ctx, n, minCount, false)
}

func (s *Store) ranked(ctx context.Context, n, minCount int, best bool) ([]Ranked, error) {
	if n < 0 || minCount < 0 {
		return nil, fault.ErrInvalidCount
	}
	out := []Ranked{}
	if n == 0 {
		return out, nil
	}
	err := s.kv.View(ctx, func(r kv.Reader) error {
		eligible, err := r.ZRangeByScore(countIndex, float64(minCount), math.Inf(1), false)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}
		ok := make(map[string]struct{}, len(eligible))
		for _, z := range eligible {
			ok[z.Member] = struct{}{}
		}
		byRatio, err := r.ZRange(ratioIndex, 0, -1, best)
		if err != nil {
			return err
		}
		for _, z := range byRatio {
			if _, found := ok[z.Member]; !found {
				continue
			}
			v := z.Score
			if !best {
				v = 1 - v
			}
			out = append(out, Ranked{Label: z.Member, Value: v})
			if len(out) == n {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rank markers: %w", err)
	}
	return out, nil
}

// ByCount returns the n most used markers.
func (s *Store) ByCount(ctx context.Context, n int) ([]Counted, error) {
	if n < 0 {
		return nil, fault.ErrInvalidCount
	}
	out := []Counted{}
	if n == 0 {
		return out, nil
	}
	err := s.kv.View(ctx, func(r kv.Reader) error {
		zs, err := r.ZRange(countIndex, 0, n-1, true)
		if err != nil {
			return err
		}
		for _, z := range zs {
			out = append(out, Counted{Label: z.Member, Count: int64(z.Score)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rank markers by count: %w", err)
	}
	return out, nil
}

// Get returns the primary record of label.
func (s *Store) Get(ctx context.Context, label string) (Marker, error) {
	if err := checkLabel(label); err != nil {
		return Marker{}, err
	}
	var m Marker
	err := s.kv.View(ctx, func(r kv.Reader) error {
		var err error
		m, err = read(r, label)
		return err
	})
	return m, err
}

func read(r kv.Reader, label string) (Marker, error) {
	fields, err := r.HGetAll(key(label))
	if err != nil {
		return Marker{}, err
	}
	if len(fields) == 0 {
		return Marker{}, fmt.Errorf("%w: %q", fault.ErrMarkerNotFound, label)
	}
	m := Marker{Label: label}
	if m.TotalCount, err = strconv.ParseInt(fields[fieldTotal], 10, 64); err != nil {
		return Marker{}, fmt.Errorf("marker %q total count: %w", label, err)
	}
	if m.CorrectCount, err = strconv.ParseInt(fields[fieldCorrect], 10, 64); err != nil {
		return Marker{}, fmt.Errorf("marker %q correct count: %w", label, err)
	}
	return m, nil
}

// Len is the number of stored markers.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.kv.View(ctx, func(r kv.Reader) error {
		var err error
		n, err = r.ZCard(countIndex)
		return err
	})
	return n, err
}

// Evict trims the store to its capacity by removing the least used
// markers; among equally used ones the lexicographically smallest label
// goes first. Markers go in batches of bounded size, each removing whole
// markers atomically. It returns how many markers were removed, including
// those of batches that landed before a failing one.
func (s *Store) Evict(ctx context.Context) (int, error) {
	evicted := 0
	for {
		victims, err := s.evictBatch(ctx)
		if err != nil {
			s.recordEvicted(evicted)
			return evicted, fmt.Errorf("evict markers: %w", err)
		}
		if len(victims) == 0 {
			break
		}
		evicted += len(victims)
		s.log.Debug("eviction batch", zap.Int("count", len(victims)), zap.String("lowest", victims[0].Member))
	}
	s.recordEvicted(evicted)
	return evicted, nil
}

func (s *Store) evictBatch(ctx context.Context) ([]kv.Z, error) {
	var victims []kv.Z
	err := s.kv.Update(ctx, func(tx kv.Tx) error {
		victims = nil
		n, err := tx.ZCard(countIndex)
		if err != nil {
			return err
		}
		excess := min(n-s.cfg.MaxMarkers, s.chunk)
		if excess <= 0 {
			return nil
		}
		victims, err = tx.ZRange(countIndex, 0, excess-1, false)
		if err != nil {
			return err
		}
		for _, z := range victims {
			if err := remove(tx, z.Member); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return victims, nil
}

func (s *Store) recordEvicted(n int) {
	if n == 0 {
		return
	}
	metrics.RecordEviction(n)
	s.log.Info("evicted markers", zap.Int("count", n), zap.Int("capacity", s.cfg.MaxMarkers))
}

// Remove deletes label from the record and both indices. Removing an
// unknown label is not an error.
func (s *Store) Remove(ctx context.Context, label string) error {
	if err := checkLabel(label); err != nil {
		return err
	}
	if err := s.kv.Update(ctx, func(tx kv.Tx) error {
		return remove(tx, label)
	}); err != nil {
		return fmt.Errorf("remove marker %q: %w", label, err)
	}
	return nil
}

func remove(tx kv.Tx, label string) error {
	if err := tx.Delete(key(label)); err != nil {
		return err
	}
	if err := tx.ZRem(countIndex, label); err != nil {
		return err
	}
	return tx.ZRem(ratioIndex, label)
}
