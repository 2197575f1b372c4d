package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/hqm/observability"
	"github.com/itskum47/hqm/store"
)

// dequeueScript pops the lowest-score id from the priority queue and claims
// it in the processing set. ARGV[1] = claim time (epoch ms).
const dequeueScript = `
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
return id
`

// zmoveScript moves every member of KEYS[1] with score <= ARGV[1] into
// KEYS[2] at score ARGV[2]. Shared by scheduled-promotion and orphan reclaim.
const zmoveScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
end
return due
`

// cancelScript removes the id from the priority and scheduled sets and drops
// the snapshot when anything was removed. ARGV[1] = request id.
const cancelScript = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
	redis.call('DEL', KEYS[3])
end
return removed
`

// rateLimitScript is the atomic token-bucket refill+consume.
// ARGV: rate (tokens/sec), burst, now (epoch ms). Returns {allowed, waitMs}.
const rateLimitScript = `
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_update')
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
	tokens = burst
	last = now
end
tokens = math.min(burst, tokens + (now - last) * rate / 1000)
if tokens >= 1 then
	redis.call('HSET', KEYS[1], 'tokens', tokens - 1, 'last_update', now)
	redis.call('EXPIRE', KEYS[1], 60)
	return {1, 0}
end
local wait = math.ceil((1 - tokens) / rate * 1000)
return {0, wait}
`

// releaseLockScript is a compare-and-delete: the lock is removed only when
// still owned by the caller's token.
const releaseLockScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end
`

// deadSnapshotTTL keeps dead-letter snapshots around for operator retry.
const deadSnapshotTTL = 7 * 24 * time.Hour

// RedisIndex implements Index on Redis. All read-dependent multi-step
// operations run as preloaded Lua scripts; write-only compositions use
// MULTI/EXEC pipelines.
type RedisIndex struct {
	client *redis.Client
	keys   Keys

	dequeueSHA   string
	zmoveSHA     string
	cancelSHA    string
	rateLimitSHA string
	releaseSHA   string
}

// NewRedisIndex connects to Redis, verifies the connection and preloads the
// Lua scripts so only SHAs travel on the hot path.
func NewRedisIndex(addr, password string, db int, prefix string) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	idx := &RedisIndex{client: client, keys: NewKeys(prefix)}
	for _, load := range []struct {
		script string
		sha    *string
	}{
		{dequeueScript, &idx.dequeueSHA},
		{zmoveScript, &idx.zmoveSHA},
		{cancelScript, &idx.cancelSHA},
		{rateLimitScript, &idx.rateLimitSHA},
		{releaseLockScript, &idx.releaseSHA},
	} {
		sha, err := client.ScriptLoad(ctx, load.script).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to preload script: %w", err)
		}
		*load.sha = sha
	}
	return idx, nil
}

// NewRedisIndexFromClient wraps an existing client (used by tests).
func NewRedisIndexFromClient(ctx context.Context, client *redis.Client, prefix string) (*RedisIndex, error) {
	idx := &RedisIndex{client: client, keys: NewKeys(prefix)}
	for _, load := range []struct {
		script string
		sha    *string
	}{
		{dequeueScript, &idx.dequeueSHA},
		{zmoveScript, &idx.zmoveSHA},
		{cancelScript, &idx.cancelSHA},
		{rateLimitScript, &idx.rateLimitSHA},
		{releaseLockScript, &idx.releaseSHA},
	} {
		sha, err := client.ScriptLoad(ctx, load.script).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to preload script: %w", err)
		}
		*load.sha = sha
	}
	return idx, nil
}

func (x *RedisIndex) Close() error {
	return x.client.Close()
}

func observeLatency(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

func (x *RedisIndex) Enqueue(ctx context.Context, r *store.Request) error {
	start := time.Now()
	defer observeLatency(start)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	now := time.Now()
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, x.keys.Request(r.ID), data, 0)
		pipe.ZAdd(ctx, x.keys.Pending, redis.Z{Score: priorityScore(r.Priority, now), Member: r.ID})
		pipe.Publish(ctx, x.keys.ChannelNewRequest, r.ID)
		return nil
	})
	return err
}

func (x *RedisIndex) EnqueueBatch(ctx context.Context, rs []*store.Request) error {
	start := time.Now()
	defer observeLatency(start)

	now := time.Now()
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range rs {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to marshal request %s: %w", r.ID, err)
			}
			pipe.Set(ctx, x.keys.Request(r.ID), data, 0)
			pipe.ZAdd(ctx, x.keys.Pending, redis.Z{Score: priorityScore(r.Priority, now), Member: r.ID})
		}
		pipe.Publish(ctx, x.keys.ChannelNewRequest, fmt.Sprintf("batch:%d", len(rs)))
		return nil
	})
	return err
}

func (x *RedisIndex) EnqueueScheduled(ctx context.Context, r *store.Request, at time.Time) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, x.keys.Request(r.ID), data, 0)
		pipe.ZAdd(ctx, x.keys.Scheduled, redis.Z{Score: float64(at.UnixMilli()), Member: r.ID})
		return nil
	})
	return err
}

func (x *RedisIndex) Dequeue(ctx context.Context) (*store.Request, error) {
	start := time.Now()
	defer observeLatency(start)

	for {
		res, err := x.client.EvalSha(ctx, x.dequeueSHA,
			[]string{x.keys.Pending, x.keys.Processing},
			time.Now().UnixMilli(),
		).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		id, ok := res.(string)
		if !ok || id == "" {
			return nil, nil
		}

		data, err := x.client.Get(ctx, x.keys.Request(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// snapshot gone (expired or cancelled mid-flight); drop the claim
			x.client.ZRem(ctx, x.keys.Processing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		var r store.Request
		if err := json.Unmarshal(data, &r); err != nil {
			x.client.ZRem(ctx, x.keys.Processing, id)
			return nil, fmt.Errorf("failed to unmarshal request %s: %w", id, err)
		}
		return &r, nil
	}
}

type retryMessage struct {
	RequestID string    `json:"requestId"`
	RetryAt   time.Time `json:"retryAt"`
}

func (x *RedisIndex) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	msg, err := json.Marshal(retryMessage{RequestID: id, RetryAt: at})
	if err != nil {
		return err
	}
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, x.keys.Processing, id)
		pipe.ZAdd(ctx, x.keys.Scheduled, redis.Z{Score: float64(at.UnixMilli()), Member: id})
		pipe.Publish(ctx, x.keys.ChannelRetry, msg)
		return nil
	})
	return err
}

func (x *RedisIndex) PromoteScheduled(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer observeLatency(start)

	now := time.Now()
	res, err := x.client.EvalSha(ctx, x.zmoveSHA,
		[]string{x.keys.Scheduled, x.keys.Pending},
		now.UnixMilli(), priorityScore(neutralPriority, now),
	).Result()
	if err != nil {
		return nil, err
	}
	ids := toStrings(res)
	if len(ids) > 0 {
		x.client.Publish(ctx, x.keys.ChannelNewRequest, fmt.Sprintf("promoted:%d", len(ids)))
	}
	return ids, nil
}

func (x *RedisIndex) MarkComplete(ctx context.Context, id string) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, x.keys.Processing, id)
		pipe.Del(ctx, x.keys.Request(id))
		return nil
	})
	return err
}

func (x *RedisIndex) MoveToDead(ctx context.Context, id string) error {
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, x.keys.Processing, id)
		pipe.ZAdd(ctx, x.keys.Dead, redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
		pipe.Expire(ctx, x.keys.Request(id), deadSnapshotTTL)
		return nil
	})
	return err
}

func (x *RedisIndex) RetryDead(ctx context.Context, r *store.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	now := time.Now()
	_, err = x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, x.keys.Dead, r.ID)
		pipe.Set(ctx, x.keys.Request(r.ID), data, 0)
		pipe.ZAdd(ctx, x.keys.Pending, redis.Z{Score: priorityScore(r.Priority, now), Member: r.ID})
		pipe.Publish(ctx, x.keys.ChannelNewRequest, r.ID)
		return nil
	})
	return err
}

func (x *RedisIndex) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := x.client.EvalSha(ctx, x.cancelSHA,
		[]string{x.keys.Pending, x.keys.Scheduled, x.keys.Request(id)},
		id,
	).Result()
	if err != nil {
		return false, err
	}
	removed, _ := res.(int64)
	return removed > 0, nil
}

func (x *RedisIndex) ReclaimOrphans(ctx context.Context, olderThan time.Duration) ([]string, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan).UnixMilli()
	res, err := x.client.EvalSha(ctx, x.zmoveSHA,
		[]string{x.keys.Processing, x.keys.Pending},
		cutoff, priorityScore(neutralPriority, now),
	).Result()
	if err != nil {
		return nil, err
	}
	ids := toStrings(res)
	if len(ids) > 0 {
		x.client.Publish(ctx, x.keys.ChannelNewRequest, fmt.Sprintf("promoted:%d", len(ids)))
	}
	return ids, nil
}

func (x *RedisIndex) Counts(ctx context.Context) (Counts, error) {
	var cards []*redis.IntCmd
	_, err := x.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		cards = []*redis.IntCmd{
			pipe.ZCard(ctx, x.keys.Pending),
			pipe.ZCard(ctx, x.keys.Scheduled),
			pipe.ZCard(ctx, x.keys.Processing),
			pipe.ZCard(ctx, x.keys.Dead),
		}
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Pending:    cards[0].Val(),
		Scheduled:  cards[1].Val(),
		Processing: cards[2].Val(),
		Dead:       cards[3].Val(),
	}, nil
}

func (x *RedisIndex) RateLimit(ctx context.Context, scope string, ratePerSec float64, burst int) (RateResult, error) {
	start := time.Now()
	defer observeLatency(start)

	res, err := x.client.EvalSha(ctx, x.rateLimitSHA,
		[]string{x.keys.RateLimit(scope)},
		ratePerSec, burst, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return RateResult{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return RateResult{}, errors.New("unexpected return shape from rate limit script")
	}
	allowed, _ := vals[0].(int64)
	waitMs, _ := vals[1].(int64)
	return RateResult{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

func (x *RedisIndex) GetBreaker(ctx context.Context, host string) (*BreakerSnapshot, error) {
	fields, err := x.client.HGetAll(ctx, x.keys.Breaker(host)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return breakerFromFields(fields), nil
}

func breakerFromFields(fields map[string]string) *BreakerSnapshot {
	snap := &BreakerSnapshot{State: fields["state"]}
	snap.Failures, _ = strconv.Atoi(fields["failures"])
	snap.Successes, _ = strconv.Atoi(fields["successes"])
	if ms, err := strconv.ParseInt(fields["state_changed_at"], 10, 64); err == nil {
		snap.StateChangedAt = time.UnixMilli(ms)
	}
	return snap
}

// UpdateBreaker applies fn under WATCH so concurrent workers serialize their
// breaker transitions. Retries a few times on contention.
func (x *RedisIndex) UpdateBreaker(ctx context.Context, host string, fn func(*BreakerSnapshot) *BreakerSnapshot) (*BreakerSnapshot, error) {
	key := x.keys.Breaker(host)
	var out *BreakerSnapshot

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		var current *BreakerSnapshot
		if len(fields) > 0 {
			current = breakerFromFields(fields)
		}
		next := fn(current)
		out = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.HSet(ctx, key,
				"state", next.State,
				"failures", next.Failures,
				"successes", next.Successes,
				"state_changed_at", next.StateChangedAt.UnixMilli(),
			)
			pipe.Expire(ctx, key, BreakerTTL)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := x.client.Watch(ctx, txn, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, errors.New("breaker update contention exceeded retries")
}

func (x *RedisIndex) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := x.client.SetNX(ctx, x.keys.Lock(resource), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (x *RedisIndex) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	res, err := x.client.EvalSha(ctx, x.releaseSHA, []string{x.keys.Lock(resource)}, token).Result()
	if err != nil {
		return false, err
	}
	deleted, _ := res.(int64)
	return deleted == 1, nil
}

// redisSubscription adapts *redis.PubSub to the Subscription interface.
type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Notification
	done   chan struct{}
	keys   Keys
}

func (s *redisSubscription) C() <-chan Notification { return s.ch }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (s *redisSubscription) run() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		kind := NotifyNewRequest
		if msg.Channel == s.keys.ChannelRetry {
			kind = NotifyRetry
		}
		select {
		case s.ch <- Notification{Kind: kind, Payload: msg.Payload}:
		case <-s.done:
			return
		}
	}
}

func (x *RedisIndex) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := x.client.Subscribe(ctx, x.keys.ChannelNewRequest, x.keys.ChannelRetry)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Notification, 64),
		done:   make(chan struct{}),
		keys:   x.keys,
	}
	go sub.run()
	return sub, nil
}

func toStrings(res interface{}) []string {
	vals, ok := res.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
