package badgerkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"spotthebot/internal/kv"
)

// physical key prefixes
const (
	prefixMeta   = 'm'
	prefixString = 's'
	prefixHash   = 'h'
	prefixSet    = 'e'
	prefixMember = 'z'
	prefixRank   = 'r'
)

func metaKey(key string) []byte { return append([]byte{prefixMeta, 0}, key...) }
func stringKey(key string) []byte {
	return append([]byte{prefixString, 0}, key...)
}

// itemPrefix is the common prefix of every physical entry of a collection.
func itemPrefix(p byte, key string) []byte {
	b := make([]byte, 0, len(key)+3)
	b = append(b, p, 0)
	b = append(b, key...)
	return append(b, 0)
}

func itemKey(p byte, key, name string) []byte {
	return append(itemPrefix(p, key), name...)
}

// itemPrefixes lists the physical prefixes a collection kind spreads over.
func itemPrefixes(k kv.Kind) []byte {
	switch k {
	case kv.KindHash:
		return []byte{prefixHash}
	case kv.KindSet:
		return []byte{prefixSet}
	case kv.KindZSet:
		return []byte{prefixMember, prefixRank}
	}
	return nil
}

func rankKey(key, member string, score float64) []byte {
	b := itemPrefix(prefixRank, key)
	b = append(b, encodeScore(score)...)
	return append(b, member...)
}

// encodeScore maps a float64 onto 8 bytes whose byte order matches the
// numeric order.
func encodeScore(f float64) []byte {
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		u = ^u
	} else {
		u |= 1 << 63
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, u)
	return b
}

func decodeScore(b []byte) float64 {
	u := binary.BigEndian.Uint64(b)
	if u&(1<<63) != 0 {
		u &^= 1 << 63
	} else {
		u = ^u
	}
	return math.Float64frombits(u)
}

func expiresAt(ttl time.Duration) uint64 {
	return uint64(time.Now().Add(ttl).Unix())
}

type tx struct {
	txn *badger.Txn
}

var _ kv.Tx = (*tx)(nil)

func (t *tx) get(k []byte) ([]byte, uint64, bool, error) {
	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, storeErr(err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, false, storeErr(err)
	}
	return v, item.ExpiresAt(), true, nil
}

func (t *tx) put(k, v []byte, exp uint64) error {
	e := badger.NewEntry(k, v)
	e.ExpiresAt = exp
	return storeErr(t.txn.SetEntry(e))
}

func (t *tx) del(k []byte) error {
	return storeErr(t.txn.Delete(k))
}

// kind reports the kind of key and its expiration.
func (t *tx) kind(key string) (kv.Kind, uint64, bool, error) {
	if err := kv.CheckKey(key); err != nil {
		return 0, 0, false, err
	}
	v, exp, ok, err := t.get(metaKey(key))
	if err != nil || !ok {
		return 0, 0, false, err
	}
	if len(v) != 1 {
		return 0, 0, false, fmt.Errorf("corrupt meta entry for %q", key)
	}
	return kv.Kind(v[0]), exp, true, nil
}

// expect returns whether key exists with kind k.
func (t *tx) expect(key string, k kv.Kind) (bool, error) {
	got, _, ok, err := t.kind(key)
	if err != nil || !ok {
		return false, err
	}
	if got != k {
		return false, kv.ErrWrongType
	}
	return true, nil
}

// ensure creates key with kind k if missing and returns its expiration.
func (t *tx) ensure(key string, k kv.Kind) (uint64, error) {
	got, exp, ok, err := t.kind(key)
	if err != nil {
		return 0, err
	}
	if ok {
		if got != k {
			return 0, kv.ErrWrongType
		}
		return exp, nil
	}
	return 0, t.put(metaKey(key), []byte{byte(k)}, 0)
}

type entry struct {
	key, val []byte
}

// scan collects the entries under prefix starting at from. Iterators of a
// read-write transaction must be closed before the next one opens, so
// results are gathered before the caller writes anything.
func (t *tx) scan(prefix, from []byte, values bool, limit int) ([]entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []entry
	for it.Seek(from); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		e := entry{key: item.KeyCopy(nil)}
		if values {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return nil, storeErr(err)
			}
			e.val = v
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *tx) Get(key string) (string, bool, error) {
	ok, err := t.expect(key, kv.KindString)
	if err != nil || !ok {
		return "", false, err
	}
	v, _, ok, err := t.get(stringKey(key))
	return string(v), ok, err
}

func (t *tx) Exists(key string) (bool, error) {
	_, _, ok, err := t.kind(key)
	return ok, err
}

func (t *tx) HGet(key, field string) (string, bool, error) {
	ok, err := t.expect(key, kv.KindHash)
	if err != nil || !ok {
		return "", false, err
	}
	v, _, ok, err := t.get(itemKey(prefixHash, key, field))
	return string(v), ok, err
}

func (t *tx) HGetAll(key string) (map[string]string, error) {
	out := map[string]string{}
	ok, err := t.expect(key, kv.KindHash)
	if err != nil || !ok {
		return out, err
	}
	p := itemPrefix(prefixHash, key)
	entries, err := t.scan(p, p, true, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[string(e.key[len(p):])] = string(e.val)
	}
	return out, nil
}

func (t *tx) SMembers(key string) ([]string, error) {
	ok, err := t.expect(key, kv.KindSet)
	if err != nil || !ok {
		return nil, err
	}
	p := itemPrefix(prefixSet, key)
	entries, err := t.scan(p, p, false, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.key[len(p):]))
	}
	return out, nil
}

func (t *tx) SIsMember(key, member string) (bool, error) {
	ok, err := t.expect(key, kv.KindSet)
	if err != nil || !ok {
		return false, err
	}
	_, _, ok, err = t.get(itemKey(prefixSet, key, member))
	return ok, err
}

func (t *tx) ZScore(key, member string) (float64, bool, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return 0, false, err
	}
	v, _, ok, err := t.get(itemKey(prefixMember, key, member))
	if err != nil || !ok {
		return 0, false, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v)), true, nil
}

func (t *tx) ZCard(key string) (int, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return 0, err
	}
	p := itemPrefix(prefixMember, key)
	entries, err := t.scan(p, p, false, 0)
	return len(entries), err
}

// ranked returns sorted-set entries in ascending order starting at from.
func (t *tx) ranked(key string, from []byte) ([]kv.Z, error) {
	p := itemPrefix(prefixRank, key)
	if from == nil {
		from = p
	}
	entries, err := t.scan(p, from, false, 0)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Z, 0, len(entries))
	for _, e := range entries {
		rest := e.key[len(p):]
		out = append(out, kv.Z{Member: string(rest[8:]), Score: decodeScore(rest[:8])})
	}
	return out, nil
}

func reverse(zs []kv.Z) {
	for i, j := 0, len(zs)-1; i < j; i, j = i+1, j-1 {
		zs[i], zs[j] = zs[j], zs[i]
	}
}

func (t *tx) ZRange(key string, start, stop int, rev bool) ([]kv.Z, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return nil, err
	}
	all, err := t.ranked(key, nil)
	if err != nil {
		return nil, err
	}
	if rev {
		reverse(all)
	}
	from, to, ok := kv.RankWindow(start, stop, len(all))
	if !ok {
		return nil, nil
	}
	return all[from : to+1], nil
}

func (t *tx) ZRangeByScore(key string, min, max float64, rev bool) ([]kv.Z, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok || min > max {
		return nil, err
	}
	from := append(itemPrefix(prefixRank, key), encodeScore(min)...)
	all, err := t.ranked(key, from)
	if err != nil {
		return nil, err
	}
	n := sort.Search(len(all), func(i int) bool { return all[i].Score > max })
	out := all[:n]
	if rev {
		reverse(out)
	}
	return out, nil
}

func (t *tx) Set(key, value string, ttl time.Duration) error {
	k, _, ok, err := t.kind(key)
	if err != nil {
		return err
	}
	if ok && k != kv.KindString {
		if err := t.Delete(key); err != nil {
			return err
		}
	}
	var exp uint64
	if ttl > 0 {
		exp = expiresAt(ttl)
	}
	if err := t.put(metaKey(key), []byte{byte(kv.KindString)}, exp); err != nil {
		return err
	}
	return t.put(stringKey(key), []byte(value), exp)
}

func (t *tx) Incr(key string) (int64, error) {
	exp, err := t.ensure(key, kv.KindString)
	if err != nil {
		return 0, err
	}
	v, _, _, err := t.get(stringKey(key))
	if err != nil {
		return 0, err
	}
	n, err := parseInt(v)
	if err != nil {
		return 0, err
	}
	n++
	return n, t.put(stringKey(key), []byte(strconv.FormatInt(n, 10)), exp)
}

func parseInt(v []byte) (int64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, kv.ErrNotInt
	}
	return n, nil
}

func (t *tx) Delete(keys ...string) error {
	for _, key := range keys {
		k, _, ok, err := t.kind(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var physical [][]byte
		if k == kv.KindString {
			physical = append(physical, stringKey(key))
		}
		for _, p := range itemPrefixes(k) {
			ip := itemPrefix(p, key)
			entries, err := t.scan(ip, ip, false, 0)
			if err != nil {
				return err
			}
			for _, e := range entries {
				physical = append(physical, e.key)
			}
		}
		physical = append(physical, metaKey(key))
		for _, pk := range physical {
			if err := t.del(pk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tx) Expire(key string, ttl time.Duration) error {
	k, _, ok, err := t.kind(key)
	if err != nil || !ok {
		return err
	}
	if ttl <= 0 {
		return t.Delete(key)
	}
	exp := expiresAt(ttl)

	var entries []entry
	switch k {
	case kv.KindString:
		v, _, _, err := t.get(stringKey(key))
		if err != nil {
			return err
		}
		entries = append(entries, entry{key: stringKey(key), val: v})
	default:
		for _, p := range itemPrefixes(k) {
			ip := itemPrefix(p, key)
			found, err := t.scan(ip, ip, true, 0)
			if err != nil {
				return err
			}
			entries = append(entries, found...)
		}
	}
	entries = append(entries, entry{key: metaKey(key), val: []byte{byte(k)}})
	for _, e := range entries {
		if err := t.put(e.key, e.val, exp); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) HSet(key string, fields map[string]string) error {
	if len(fields) == 0 {
		return kv.CheckKey(key)
	}
	exp, err := t.ensure(key, kv.KindHash)
	if err != nil {
		return err
	}
	for f, v := range fields {
		if err := t.put(itemKey(prefixHash, key, f), []byte(v), exp); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) HIncrBy(key, field string, n int64) (int64, error) {
	exp, err := t.ensure(key, kv.KindHash)
	if err != nil {
		return 0, err
	}
	k := itemKey(prefixHash, key, field)
	v, _, _, err := t.get(k)
	if err != nil {
		return 0, err
	}
	cur, err := parseInt(v)
	if err != nil {
		return 0, err
	}
	cur += n
	return cur, t.put(k, []byte(strconv.FormatInt(cur, 10)), exp)
}

func (t *tx) SAdd(key string, members ...string) error {
	if len(members) == 0 {
		return kv.CheckKey(key)
	}
	exp, err := t.ensure(key, kv.KindSet)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := t.put(itemKey(prefixSet, key, m), nil, exp); err != nil {
			return err
		}
	}
	return nil
}

// dropIfEmpty removes the meta entry of a collection with no items left.
func (t *tx) dropIfEmpty(key string, p byte) error {
	ip := itemPrefix(p, key)
	left, err := t.scan(ip, ip, false, 1)
	if err != nil || len(left) > 0 {
		return err
	}
	return t.del(metaKey(key))
}

func (t *tx) SRem(key string, members ...string) error {
	ok, err := t.expect(key, kv.KindSet)
	if err != nil || !ok {
		return err
	}
	for _, m := range members {
		if err := t.del(itemKey(prefixSet, key, m)); err != nil {
			return err
		}
	}
	return t.dropIfEmpty(key, prefixSet)
}

func (t *tx) ZAdd(key, member string, score float64) error {
	if math.IsNaN(score) {
		return kv.ErrNaNScore
	}
	exp, err := t.ensure(key, kv.KindZSet)
	if err != nil {
		return err
	}
	mk := itemKey(prefixMember, key, member)
	old, _, ok, err := t.get(mk)
	if err != nil {
		return err
	}
	if ok {
		prev := math.Float64frombits(binary.BigEndian.Uint64(old))
		if err := t.del(rankKey(key, member, prev)); err != nil {
			return err
		}
	}
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, math.Float64bits(score))
	if err := t.put(mk, v, exp); err != nil {
		return err
	}
	return t.put(rankKey(key, member, score), nil, exp)
}

func (t *tx) ZRem(key string, members ...string) error {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return err
	}
	for _, m := range members {
		mk := itemKey(prefixMember, key, m)
		old, _, found, err := t.get(mk)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		prev := math.Float64frombits(binary.BigEndian.Uint64(old))
		if err := t.del(rankKey(key, m, prev)); err != nil {
			return err
		}
		if err := t.del(mk); err != nil {
			return err
		}
	}
	return t.dropIfEmpty(key, prefixMember)
}
