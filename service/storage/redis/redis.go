package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	redisMgr  *Manager
)

type Manager struct {
	client redis.UniversalClient
}

// Config 用于初始化 Redis
type Config struct {
	Addrs    []string // 单地址走普通 client，多地址走 cluster
	Password string
	DB       int
	PoolSize int
}

// Init 初始化 Redis 管理器（单例）
func Init(c Config) error {
	var initErr error
	redisOnce.Do(func() {
		if len(c.Addrs) == 0 {
			c.Addrs = []string{"127.0.0.1:6379"}
		}
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Password,
			DB:       c.DB,
			PoolSize: c.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			initErr = err
			return
		}
		redisMgr = &Manager{client: rdb}
	})
	return initErr
}

// GetRedis 获取 Redis Client
func GetRedis() redis.UniversalClient {
	if redisMgr == nil {
		panic("redis not initialized, call Init first")
	}
	return redisMgr.client
}

// Initialized 供可选依赖探测（redis 缺席时回退内存实现）
func Initialized() bool { return redisMgr != nil }

// Close 关闭连接
func Close() error {
	if redisMgr != nil && redisMgr.client != nil {
		return redisMgr.client.Close()
	}
	return nil
}
