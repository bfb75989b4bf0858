// Package redisstore is the Redis-backed implementation of internal/store's
// Store interface: structured error wrapping and TTL handling around every
// keyed/ordered/plain/counter primitive, plus a SET-NX-EX lease (acquire) with
// Lua-script check-and-delete/check-and-extend (release/extend).
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/store"
)

// releaseScript deletes key only if its current value still matches the
// presented token, preventing a caller from releasing a lease it no longer
// holds (e.g. after expiry and re-acquisition by another process).
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// extendScript refreshes key's TTL only if its current value still matches
// the presented token.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisStore implements store.Store on top of a single *redis.Client.
type RedisStore struct {
	client *redis.Client
}

// New wraps an existing *redis.Client as a store.Store.
func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for health checks and pool metrics.
func (s *RedisStore) Client() *redis.Client { return s.client }

func wrapErr(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return pulseerr.Transient(fmt.Errorf("redisstore: %s: %w", op, err))
}

// --- KeyedStore ---

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return wrapErr("set", s.client.Set(ctx, key, value, redis.KeepTTL).Err())
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapErr("set_with_ttl", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("get", err)
	}
	return b, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, wrapErr("delete", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("get_ttl", err)
	}
	return d, nil
}

func (s *RedisStore) ExtendTTL(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr("extend_ttl", s.client.Expire(ctx, key, ttl).Err())
}

// --- OrderedSet ---

func (s *RedisStore) AddWithScore(ctx context.Context, key, member string, score float64) error {
	return wrapErr("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) RemoveScored(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr("zrem", s.client.ZRem(ctx, key, args...).Err())
}

func (s *RedisStore) RangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: scoreStr(min), Max: scoreStr(max), Offset: offset, Count: count}
	members, err := s.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, wrapErr("zrangebyscore", err)
	}
	return members, nil
}

func (s *RedisStore) RangeByScoreWithScores(ctx context.Context, key string, min, max float64, offset, count int64) ([]store.ScoredMember, error) {
	opt := &redis.ZRangeBy{Min: scoreStr(min), Max: scoreStr(max), Offset: offset, Count: count}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, wrapErr("zrangebyscore_withscores", err)
	}
	out := make([]store.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, store.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ReverseRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error) {
	// go-redis's ZRevRangeByScore takes Max before Min in the string fields
	// but keeps the same Min/Max semantics; order is descending by score.
	opt := &redis.ZRangeBy{Min: scoreStr(min), Max: scoreStr(max), Offset: offset, Count: count}
	members, err := s.client.ZRevRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, wrapErr("zrevrangebyscore", err)
	}
	return members, nil
}

func (s *RedisStore) CountInScoreRange(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZCount(ctx, key, scoreStr(min), scoreStr(max)).Result()
	if err != nil {
		return 0, wrapErr("zcount", err)
	}
	return n, nil
}

func (s *RedisStore) RemoveByScoreRange(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, scoreStr(min), scoreStr(max)).Result()
	if err != nil {
		return 0, wrapErr("zremrangebyscore", err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr("expire", s.client.Expire(ctx, key, ttl).Err())
}

func scoreStr(f float64) string {
	return fmt.Sprintf("%f", f)
}

// --- PlainSet ---

func (s *RedisStore) Add(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr("sadd", s.client.SAdd(ctx, key, args...).Err())
}

func (s *RedisStore) Remove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr("srem", s.client.SRem(ctx, key, args...).Err())
}

func (s *RedisStore) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("smembers", err)
	}
	return members, nil
}

func (s *RedisStore) Size(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("scard", err)
	}
	return n, nil
}

// --- AtomicCounter ---

func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, wrapErr("incrby", err)
	}
	return n, nil
}

func (s *RedisStore) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, wrapErr("decrby", err)
	}
	if n < 0 {
		// Floor at 0: a counter never goes negative.
		if _, setErr := s.client.Set(ctx, key, 0, 0).Result(); setErr == nil {
			n = 0
		}
	}
	return n, nil
}

func (s *RedisStore) GetCounter(ctx context.Context, key string) (int64, error) {
	v, found, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	var n int64
	if _, scanErr := fmt.Sscanf(string(v), "%d", &n); scanErr != nil {
		return 0, pulseerr.Fatal(fmt.Errorf("redisstore: get_counter: non-integer value %q: %w", string(v), scanErr))
	}
	return n, nil
}

func (s *RedisStore) SetCounter(ctx context.Context, key string, value int64) error {
	return wrapErr("set_counter", s.client.Set(ctx, key, value, 0).Err())
}

// --- Scripter ---

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("eval", err)
	}
	return res, nil
}

// --- Lease ---

func (s *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := generateToken()
	if err != nil {
		return "", false, pulseerr.Fatal(err)
	}
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, wrapErr("lease_acquire", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	_, err := s.client.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("lease_release", err)
	}
	return nil
}

func (s *RedisStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, extendScript, []string{key}, token, ttl.Milliseconds()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, wrapErr("lease_extend", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// --- Scanner ---

// ScanKeys enumerates every key under prefix using a non-blocking cursor
// scan (SCAN, not KEYS), so it never blocks the server for the duration of
// a full keyspace walk. Used by counter:reset to rebuild the expiry index
// from the primary store without a stop-the-world operation.
func (s *RedisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("scan", err)
	}
	return keys, nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
