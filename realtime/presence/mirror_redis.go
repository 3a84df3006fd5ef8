package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	errs "PulseIM/tools/errs"
)

// redis 在线镜像：key = im:presence:<user>，value = 网关节点 ID。
// 其他节点查到 key 即知道该用户从哪个网关路由。TTL 由心跳续期兜底，
// 节点崩溃后记录自动过期。

const presenceKeyPrefix = "im:presence:"

type RedisMirror struct {
	rdb       redis.UniversalClient
	gatewayID string
	ttl       time.Duration
}

func NewRedisMirror(rdb redis.UniversalClient, gatewayID string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{rdb: rdb, gatewayID: gatewayID, ttl: ttl}
}

func (m *RedisMirror) Online(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.rdb.Set(ctx, presenceKeyPrefix+userID, m.gatewayID, m.ttl).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

func (m *RedisMirror) Offline(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.rdb.Del(ctx, presenceKeyPrefix+userID).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// Renew 心跳续期，保持 key 不过期
func (m *RedisMirror) Renew(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := m.rdb.Expire(ctx, presenceKeyPrefix+userID, m.ttl).Result()
	if err != nil {
		return errs.Wrap(err)
	}
	if !ok {
		// key 已经过期丢失，重写找回
		return m.Online(userID)
	}
	return nil
}

// GatewayOf 返回用户所在网关节点 ID，离线返回空串
func (m *RedisMirror) GatewayOf(userID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := m.rdb.Get(ctx, presenceKeyPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(err)
	}
	return v, nil
}
