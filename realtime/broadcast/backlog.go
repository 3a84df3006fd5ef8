package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"PulseIM/realtime/event"
	errs "PulseIM/tools/errs"
)

// NotificationBacklog buffers notifications for offline users. A bounded
// rolling window: when the queue is full the oldest entries fall off.
type NotificationBacklog interface {
	Enqueue(recipientID string, ev event.Envelope) error
	// Drain returns and removes up to n entries, oldest first.
	Drain(recipientID string, n int) ([]event.Envelope, error)
}

// ===== redis 实现：每用户一个 List，LPUSH+LTRIM 做滚动窗口 =====

const backlogMaxLen = 9999 // 每用户最多保留最近 1 万条

type RedisBacklog struct {
	rdb redis.UniversalClient
}

func NewRedisBacklog(rdb redis.UniversalClient) *RedisBacklog {
	return &RedisBacklog{rdb: rdb}
}

func backlogKey(user string) string { return "im:notify:backlog:" + user }

func (b *RedisBacklog) Enqueue(recipientID string, ev event.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, backlogKey(recipientID), ev.Encode())
	pipe.LTrim(ctx, backlogKey(recipientID), 0, backlogMaxLen)
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

// Drain 从尾部取保证 FIFO，取完裁掉
func (b *RedisBacklog) Drain(recipientID string, n int) ([]event.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if n <= 0 {
		n = 100
	}
	key := backlogKey(recipientID)

	llen, err := b.rdb.LLen(ctx, key).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if llen == 0 {
		return nil, nil
	}
	if int64(n) > llen {
		n = int(llen)
	}

	start := llen - int64(n)
	vals, err := b.rdb.LRange(ctx, key, start, llen-1).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if start == 0 {
		err = b.rdb.Del(ctx, key).Err()
	} else {
		err = b.rdb.LTrim(ctx, key, 0, start-1).Err()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}

	// LPUSH 存储最新在头部，尾段逆序即为时间序
	out := make([]event.Envelope, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		ev, err := event.Decode([]byte(vals[i]))
		if err != nil {
			continue // 坏记录跳过
		}
		out = append(out, ev)
	}
	return out, nil
}

// ===== 内存实现 =====

type MemBacklog struct {
	mu     sync.Mutex
	queues map[string][]event.Envelope
	max    int
}

func NewMemBacklog(max int) *MemBacklog {
	if max <= 0 {
		max = backlogMaxLen + 1
	}
	return &MemBacklog{queues: make(map[string][]event.Envelope), max: max}
}

func (b *MemBacklog) Enqueue(recipientID string, ev event.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := append(b.queues[recipientID], ev)
	if len(q) > b.max {
		q = q[len(q)-b.max:]
	}
	b.queues[recipientID] = q
	return nil
}

func (b *MemBacklog) Drain(recipientID string, n int) ([]event.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[recipientID]
	if len(q) == 0 {
		return nil, nil
	}
	if n <= 0 || n > len(q) {
		n = len(q)
	}
	out := append([]event.Envelope(nil), q[:n]...)
	rest := q[n:]
	if len(rest) == 0 {
		delete(b.queues, recipientID)
	} else {
		b.queues[recipientID] = append([]event.Envelope(nil), rest...)
	}
	return out, nil
}
