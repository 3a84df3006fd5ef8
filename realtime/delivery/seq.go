package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errs "PulseIM/tools/errs"
)

// SeqAllocator hands out per-conversation sequence numbers. Numbers are
// strictly increasing; gaps may only appear through the unique-seq conflict
// path in the pipeline, never from the allocator itself.
type SeqAllocator interface {
	Next(ctx context.Context, convID string) (int64, error)
	// ReconcileAndNext raises the counter to at least dbMax, then allocates.
	// 只升不降：计数器落后（redis 重建）时用 DB 侧的 max(seq) 矫正。
	ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error)
}

// ===== redis 实现 =====

type RedisSeqAllocator struct {
	rdb        redis.UniversalClient
	store      Store
	seqPrefix  string
	lockPrefix string
	lockTTL    time.Duration
	spinWait   time.Duration
}

func NewRedisSeqAllocator(rdb redis.UniversalClient, store Store) *RedisSeqAllocator {
	return &RedisSeqAllocator{
		rdb:        rdb,
		store:      store,
		seqPrefix:  "im:seq",
		lockPrefix: "im:seq:init",
		lockTTL:    10 * time.Second,
		spinWait:   50 * time.Millisecond,
	}
}

func (a *RedisSeqAllocator) seqKey(convID string) string  { return a.seqPrefix + ":" + convID }
func (a *RedisSeqAllocator) lockKey(convID string) string { return a.lockPrefix + ":" + convID }

// Next：若 redis 未初始化（无/0），读 DB max(seq) 种入后再 INCR
func (a *RedisSeqAllocator) Next(ctx context.Context, convID string) (int64, error) {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return a.rdb.Incr(ctx, key).Result()
	}
	if err := a.initIfNeeded(ctx, convID); err != nil {
		return 0, err
	}
	return a.rdb.Incr(ctx, key).Result()
}

func (a *RedisSeqAllocator) initIfNeeded(ctx context.Context, convID string) error {
	key := a.seqKey(convID)
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	// 加锁防止初始化风暴
	lock := a.lockKey(convID)
	token := randToken(16)
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return errs.Wrap(err)
	}
	if !ok {
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
			return nil
		}
		return errs.New("seq init contention, retry")
	}
	defer func() { _ = unlock(ctx, a.rdb, lock, token) }()

	// 双检
	if v, err := a.rdb.Get(ctx, key).Int64(); err == nil && v > 0 {
		return nil
	}
	maxSeq, err := a.store.QueryMaxSeq(ctx, convID)
	if err != nil {
		return err
	}
	return errs.Wrap(a.rdb.Set(ctx, key, maxSeq, 0).Err())
}

// 矫正后 INCR 取新号，脚本保证原子
var reconcileAndNextLua = `
local k = KEYS[1]
local dbMax = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < dbMax) then
  redis.call('SET', k, dbMax)
end
return redis.call('INCR', k)
`

func (a *RedisSeqAllocator) ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error) {
	return a.rdb.Eval(ctx, reconcileAndNextLua, []string{a.seqKey(convID)}, dbMax).Int64()
}

var unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

func unlock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return rdb.Eval(ctx, unlockLua, []string{key}, token).Err()
}

func randToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ===== 内存实现（单机/单测）=====

type MemSeqAllocator struct {
	mu    sync.Mutex
	seqs  map[string]int64
	store Store // 可为 nil；非 nil 时首次分配从 DB 续号
}

func NewMemSeqAllocator(store Store) *MemSeqAllocator {
	return &MemSeqAllocator{seqs: make(map[string]int64), store: store}
}

func (a *MemSeqAllocator) Next(ctx context.Context, convID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seqs[convID]; !ok && a.store != nil {
		max, err := a.store.QueryMaxSeq(ctx, convID)
		if err != nil {
			return 0, err
		}
		a.seqs[convID] = max
	}
	a.seqs[convID]++
	return a.seqs[convID], nil
}

func (a *MemSeqAllocator) ReconcileAndNext(ctx context.Context, convID string, dbMax int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seqs[convID] < dbMax {
		a.seqs[convID] = dbMax
	}
	a.seqs[convID]++
	return a.seqs[convID], nil
}
