package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errs "PulseIM/tools/errs"
)

// ClientMsgIndex 幂等占位表：同一 (sender, clientMsgID) 的重复提交要命中
// 占位记录而不是重新走提交协议。DB 的唯一约束是兜底，索引是快路径。

type IndexStatus string

const (
	IndexPending   IndexStatus = "PENDING"
	IndexCommitted IndexStatus = "COMMITTED"
)

type IndexEntry struct {
	Status      IndexStatus `json:"status"`
	PayloadHash string      `json:"payload_hash"`
	MessageID   string      `json:"message_id,omitempty"`
}

type ClientMsgIndex interface {
	// Ensure places a PENDING marker; existed reports a prior submit with
	// the stored entry.
	Ensure(ctx context.Context, sender, clientMsgID, payloadHash, messageID string) (IndexEntry, bool, error)
	MarkCommitted(ctx context.Context, sender, clientMsgID, messageID string) error
	// RollbackShortTTL 提交失败后缩短占位 TTL，让客户端重试尽快可过
	RollbackShortTTL(ctx context.Context, sender, clientMsgID string) error
}

// HashPayload 内容指纹，用于识别“同 clientMsgID 不同内容”的错误复用
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func indexKey(sender, clientMsgID string) string {
	return "im:cid:" + sender + ":" + clientMsgID
}

// ===== redis 实现 =====

type RedisClientMsgIndex struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	shortTTL time.Duration
}

func NewRedisClientMsgIndex(rdb redis.UniversalClient) *RedisClientMsgIndex {
	return &RedisClientMsgIndex{rdb: rdb, ttl: 24 * time.Hour, shortTTL: 30 * time.Second}
}

func (i *RedisClientMsgIndex) Ensure(ctx context.Context, sender, clientMsgID, payloadHash, messageID string) (IndexEntry, bool, error) {
	entry := IndexEntry{Status: IndexPending, PayloadHash: payloadHash, MessageID: messageID}
	raw, _ := json.Marshal(entry)
	key := indexKey(sender, clientMsgID)

	ok, err := i.rdb.SetNX(ctx, key, raw, i.ttl).Result()
	if err != nil {
		return IndexEntry{}, false, errs.Wrap(err)
	}
	if ok {
		return entry, false, nil
	}
	prev, err := i.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// 占位恰好过期，重走一次
		return i.Ensure(ctx, sender, clientMsgID, payloadHash, messageID)
	}
	if err != nil {
		return IndexEntry{}, false, errs.Wrap(err)
	}
	var existed IndexEntry
	if err := json.Unmarshal(prev, &existed); err != nil {
		return IndexEntry{}, false, errs.Wrap(err)
	}
	return existed, true, nil
}

func (i *RedisClientMsgIndex) MarkCommitted(ctx context.Context, sender, clientMsgID, messageID string) error {
	key := indexKey(sender, clientMsgID)
	prev, err := i.rdb.Get(ctx, key).Bytes()
	if err != nil && err != redis.Nil {
		return errs.Wrap(err)
	}
	var entry IndexEntry
	if len(prev) > 0 {
		_ = json.Unmarshal(prev, &entry)
	}
	entry.Status = IndexCommitted
	entry.MessageID = messageID
	raw, _ := json.Marshal(entry)
	return errs.Wrap(i.rdb.Set(ctx, key, raw, i.ttl).Err())
}

func (i *RedisClientMsgIndex) RollbackShortTTL(ctx context.Context, sender, clientMsgID string) error {
	return errs.Wrap(i.rdb.Expire(ctx, indexKey(sender, clientMsgID), i.shortTTL).Err())
}

// ===== 内存实现 =====

type MemClientMsgIndex struct {
	mu      sync.Mutex
	entries map[string]IndexEntry
}

func NewMemClientMsgIndex() *MemClientMsgIndex {
	return &MemClientMsgIndex{entries: make(map[string]IndexEntry)}
}

func (i *MemClientMsgIndex) Ensure(ctx context.Context, sender, clientMsgID, payloadHash, messageID string) (IndexEntry, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := indexKey(sender, clientMsgID)
	if prev, ok := i.entries[key]; ok {
		return prev, true, nil
	}
	entry := IndexEntry{Status: IndexPending, PayloadHash: payloadHash, MessageID: messageID}
	i.entries[key] = entry
	return entry, false, nil
}

func (i *MemClientMsgIndex) MarkCommitted(ctx context.Context, sender, clientMsgID, messageID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := indexKey(sender, clientMsgID)
	entry := i.entries[key]
	entry.Status = IndexCommitted
	entry.MessageID = messageID
	i.entries[key] = entry
	return nil
}

func (i *MemClientMsgIndex) RollbackShortTTL(ctx context.Context, sender, clientMsgID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, indexKey(sender, clientMsgID))
	return nil
}
