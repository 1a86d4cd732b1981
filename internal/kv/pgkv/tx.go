package pgkv

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"spotthebot/internal/kv"
)

var (
	live    = sq.Or{sq.Eq{"expires_at": nil}, sq.Expr("expires_at > now()")}
	expired = sq.Expr("expires_at <= now()")
)

const (
	byRankAsc  = `score ASC, member COLLATE "C" ASC`
	byRankDesc = `score DESC, member COLLATE "C" DESC`
)

type tx struct {
	ctx context.Context
	tx  pgx.Tx
}

/* ===================== SQUIRREL HELPERS ===================== */

func (t *tx) exec(q sq.Sqlizer) (pgconn.CommandTag, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := t.tx.Exec(t.ctx, sql, args...)
	return tag, dbErr(err)
}

func (t *tx) query(q sq.Sqlizer) (pgx.Rows, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(t.ctx, sql, args...)
	return rows, dbErr(err)
}

// scanOne runs q and scans its single row into dest. found is false when
// there is no row.
func (t *tx) scanOne(q sq.Sqlizer, dest ...any) (bool, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return false, err
	}
	err = t.tx.QueryRow(t.ctx, sql, args...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, dbErr(err)
}

/* ===================== KEY META ===================== */

func (t *tx) kind(key string) (kv.Kind, bool, error) {
	if err := kv.CheckKey(key); err != nil {
		return 0, false, err
	}
	var k string
	ok, err := t.scanOne(psql.Select("kind").From("kv_keys").
		Where(sq.Eq{"key": key}).Where(live), &k)
	if err != nil || !ok || k == "" {
		return 0, false, err
	}
	return kv.Kind(k[0]), true, nil
}

// expect reports whether key holds a live value of kind k.
func (t *tx) expect(key string, k kv.Kind) (bool, error) {
	got, ok, err := t.kind(key)
	if err != nil || !ok {
		return false, err
	}
	if got != k {
		return false, kv.ErrWrongType
	}
	return true, nil
}

// ensure creates key as an empty value of kind k unless it already holds
// one. A dead row left behind by an expiration is purged first.
func (t *tx) ensure(key string, k kv.Kind) error {
	if err := kv.CheckKey(key); err != nil {
		return err
	}
	if _, err := t.exec(psql.Delete("kv_keys").Where(sq.Eq{"key": key}).Where(expired)); err != nil {
		return err
	}
	var got string
	_, err := t.scanOne(psql.Insert("kv_keys").
		Columns("key", "kind").
		Values(key, string(rune(k))).
		Suffix("ON CONFLICT (key) DO UPDATE SET kind = kv_keys.kind RETURNING kind"), &got)
	if err != nil {
		return err
	}
	if got == "" || kv.Kind(got[0]) != k {
		return kv.ErrWrongType
	}
	return nil
}

// dropIfEmpty removes a collection key with no items left.
func (t *tx) dropIfEmpty(key, table string) error {
	_, err := t.exec(psql.Delete("kv_keys").
		Where(sq.Eq{"key": key}).
		Where(sq.Expr("NOT EXISTS (SELECT 1 FROM "+table+" WHERE key = ?)", key)))
	return err
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return sq.Expr("now() + make_interval(secs => ?)", ttl.Seconds())
}

/* ===================== READS ===================== */

func (t *tx) Get(key string) (string, bool, error) {
	ok, err := t.expect(key, kv.KindString)
	if err != nil || !ok {
		return "", false, err
	}
	var v string
	ok, err = t.scanOne(psql.Select("value").From("kv_strings").Where(sq.Eq{"key": key}), &v)
	return v, ok, err
}

func (t *tx) Exists(key string) (bool, error) {
	_, ok, err := t.kind(key)
	return ok, err
}

func (t *tx) HGet(key, field string) (string, bool, error) {
	ok, err := t.expect(key, kv.KindHash)
	if err != nil || !ok {
		return "", false, err
	}
	var v string
	ok, err = t.scanOne(psql.Select("value").From("kv_hashes").
		Where(sq.Eq{"key": key, "field": field}), &v)
	return v, ok, err
}

func (t *tx) HGetAll(key string) (map[string]string, error) {
	out := map[string]string{}
	ok, err := t.expect(key, kv.KindHash)
	if err != nil || !ok {
		return out, err
	}
	rows, err := t.query(psql.Select("field", "value").From("kv_hashes").Where(sq.Eq{"key": key}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, dbErr(err)
		}
		out[f] = v
	}
	return out, dbErr(rows.Err())
}

func (t *tx) SMembers(key string) ([]string, error) {
	ok, err := t.expect(key, kv.KindSet)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := t.query(psql.Select("member").From("kv_sets").
		Where(sq.Eq{"key": key}).OrderBy(`member COLLATE "C"`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, dbErr(err)
		}
		out = append(out, m)
	}
	return out, dbErr(rows.Err())
}

func (t *tx) SIsMember(key, member string) (bool, error) {
	ok, err := t.expect(key, kv.KindSet)
	if err != nil || !ok {
		return false, err
	}
	var one int
	return t.scanOne(psql.Select("1").From("kv_sets").
		Where(sq.Eq{"key": key, "member": member}), &one)
}

func (t *tx) ZScore(key, member string) (float64, bool, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return 0, false, err
	}
	var score float64
	ok, err = t.scanOne(psql.Select("score").From("kv_zsets").
		Where(sq.Eq{"key": key, "member": member}), &score)
	return score, ok, err
}

func (t *tx) ZCard(key string) (int, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return 0, err
	}
	return t.zcard(key)
}

func (t *tx) zcard(key string) (int, error) {
	var n int
	_, err := t.scanOne(psql.Select("count(*)").From("kv_zsets").Where(sq.Eq{"key": key}), &n)
	return n, err
}

func (t *tx) ranked(q sq.SelectBuilder) ([]kv.Z, error) {
	rows, err := t.query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []kv.Z
	for rows.Next() {
		var z kv.Z
		if err := rows.Scan(&z.Member, &z.Score); err != nil {
			return nil, dbErr(err)
		}
		out = append(out, z)
	}
	return out, dbErr(rows.Err())
}

func (t *tx) ZRange(key string, start, stop int, rev bool) ([]kv.Z, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok {
		return nil, err
	}
	n, err := t.zcard(key)
	if err != nil {
		return nil, err
	}
	from, to, ok := kv.RankWindow(start, stop, n)
	if !ok {
		return nil, nil
	}
	order := byRankAsc
	if rev {
		order = byRankDesc
	}
	return t.ranked(psql.Select("member", "score").From("kv_zsets").
		Where(sq.Eq{"key": key}).
		OrderBy(order).
		Offset(uint64(from)).
		Limit(uint64(to - from + 1)))
}

func (t *tx) ZRangeByScore(key string, min, max float64, rev bool) ([]kv.Z, error) {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok || min > max {
		return nil, err
	}
	order := byRankAsc
	if rev {
		order = byRankDesc
	}
	return t.ranked(psql.Select("member", "score").From("kv_zsets").
		Where(sq.Eq{"key": key}).
		Where(sq.GtOrEq{"score": min}).
		Where(sq.LtOrEq{"score": max}).
		OrderBy(order))
}

/* ===================== WRITES ===================== */

func (t *tx) Set(key, value string, ttl time.Duration) error {
	k, ok, err := t.kind(key)
	if err != nil {
		return err
	}
	if ok && k != kv.KindString {
		if err := t.Delete(key); err != nil {
			return err
		}
	}
	if _, err := t.exec(psql.Delete("kv_keys").Where(sq.Eq{"key": key}).Where(expired)); err != nil {
		return err
	}
	if _, err := t.exec(psql.Insert("kv_keys").
		Columns("key", "kind", "expires_at").
		Values(key, string(rune(kv.KindString)), expiry(ttl)).
		Suffix("ON CONFLICT (key) DO UPDATE SET kind = EXCLUDED.kind, expires_at = EXCLUDED.expires_at")); err != nil {
		return err
	}
	_, err = t.exec(psql.Insert("kv_strings").
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value"))
	return err
}

func (t *tx) Incr(key string) (int64, error) {
	if err := t.ensure(key, kv.KindString); err != nil {
		return 0, err
	}
	var v string
	if _, err := t.scanOne(psql.Select("value").From("kv_strings").
		Where(sq.Eq{"key": key}).Suffix("FOR UPDATE"), &v); err != nil {
		return 0, err
	}
	n, err := parseInt(v)
	if err != nil {
		return 0, err
	}
	n++
	_, err = t.exec(psql.Insert("kv_strings").
		Columns("key", "value").
		Values(key, strconv.FormatInt(n, 10)).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value"))
	return n, err
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, kv.ErrNotInt
	}
	return n, nil
}

func (t *tx) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if err := kv.CheckKey(key); err != nil {
			return err
		}
	}
	_, err := t.exec(psql.Delete("kv_keys").Where(sq.Eq{"key": keys}))
	return err
}

func (t *tx) Expire(key string, ttl time.Duration) error {
	_, ok, err := t.kind(key)
	if err != nil || !ok {
		return err
	}
	if ttl <= 0 {
		return t.Delete(key)
	}
	_, err = t.exec(psql.Update("kv_keys").
		Set("expires_at", expiry(ttl)).
		Where(sq.Eq{"key": key}))
	return err
}

func (t *tx) HSet(key string, fields map[string]string) error {
	if len(fields) == 0 {
		return kv.CheckKey(key)
	}
	if err := t.ensure(key, kv.KindHash); err != nil {
		return err
	}
	q := psql.Insert("kv_hashes").Columns("key", "field", "value")
	for f, v := range fields {
		q = q.Values(key, f, v)
	}
	_, err := t.exec(q.Suffix("ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value"))
	return err
}

func (t *tx) HIncrBy(key, field string, n int64) (int64, error) {
	if err := t.ensure(key, kv.KindHash); err != nil {
		return 0, err
	}
	var v string
	if _, err := t.scanOne(psql.Select("value").From("kv_hashes").
		Where(sq.Eq{"key": key, "field": field}).Suffix("FOR UPDATE"), &v); err != nil {
		return 0, err
	}
	cur, err := parseInt(v)
	if err != nil {
		return 0, err
	}
	cur += n
	_, err = t.exec(psql.Insert("kv_hashes").
		Columns("key", "field", "value").
		Values(key, field, strconv.FormatInt(cur, 10)).
		Suffix("ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value"))
	return cur, err
}

func (t *tx) SAdd(key string, members ...string) error {
	if len(members) == 0 {
		return kv.CheckKey(key)
	}
	if err := t.ensure(key, kv.KindSet); err != nil {
		return err
	}
	q := psql.Insert("kv_sets").Columns("key", "member")
	for _, m := range members {
		q = q.Values(key, m)
	}
	_, err := t.exec(q.Suffix("ON CONFLICT (key, member) DO NOTHING"))
	return err
}

func (t *tx) SRem(key string, members ...string) error {
	ok, err := t.expect(key, kv.KindSet)
	if err != nil || !ok || len(members) == 0 {
		return err
	}
	if _, err := t.exec(psql.Delete("kv_sets").Where(sq.Eq{"key": key, "member": members})); err != nil {
		return err
	}
	return t.dropIfEmpty(key, "kv_sets")
}

func (t *tx) ZAdd(key, member string, score float64) error {
	if math.IsNaN(score) {
		return kv.ErrNaNScore
	}
	if err := t.ensure(key, kv.KindZSet); err != nil {
		return err
	}
	_, err := t.exec(psql.Insert("kv_zsets").
		Columns("key", "member", "score").
		Values(key, member, score).
		Suffix("ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score"))
	return err
}

func (t *tx) ZRem(key string, members ...string) error {
	ok, err := t.expect(key, kv.KindZSet)
	if err != nil || !ok || len(members) == 0 {
		return err
	}
	if _, err := t.exec(psql.Delete("kv_zsets").Where(sq.Eq{"key": key, "member": members})); err != nil {
		return err
	}
	return t.dropIfEmpty(key, "kv_zsets")
}
