package mgo

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"PulseIM/logger"
)

type Config struct {
	URI      string
	Database string
	// MaxPoolSize 0 取驱动默认
	MaxPoolSize uint64
}

type MongoManager struct {
	mu        sync.RWMutex
	db        *mongo.Database
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
}

var globalMgr = MongoManager{readyCh: make(chan struct{})}

// StartAsync: 一直运行到 ctx.Done()；首次连上时 close readyCh，掉线自动重连
func StartAsync(ctx context.Context, cfg Config) {
	go func() {
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second
			failThresh  = 3
		)

		for {
			// ===== 连接阶段（带退避重试）=====
			attempt := 0
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				cli, err := connect(ctx, cfg)
				if err == nil {
					globalMgr.mu.Lock()
					globalMgr.db = cli.Database(cfg.Database)
					globalMgr.mu.Unlock()
					globalMgr.readyOnce.Do(func() { close(globalMgr.readyCh) })
					break
				}

				globalMgr.lastErr.Store(err)
				logger.Warnf("[mgo] connect failed: %v", err)

				backoff := baseBackoff << attempt
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
				timer := time.NewTimer(backoff - jitter/2)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				if attempt < 6 {
					attempt++
				}
			}

			// ===== 健康检查阶段（掉线→回到连接阶段）=====
			if !healthLoop(ctx, healthEvery, failThresh) {
				return // ctx 结束
			}
		}
	}()
}

func connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// healthLoop 返回 false 表示 ctx 结束
func healthLoop(ctx context.Context, every time.Duration, failThresh int) bool {
	tick := time.NewTicker(every)
	defer tick.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			disconnect()
			return false
		case <-tick.C:
			globalMgr.mu.RLock()
			db := globalMgr.db
			globalMgr.mu.RUnlock()
			if db == nil {
				return true
			}
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := db.Client().Ping(pctx, nil)
			cancel()
			if err == nil {
				fail = 0
				continue
			}
			fail++
			globalMgr.lastErr.Store(err)
			logger.Warnf("[mgo] health check failed (%d/%d): %v", fail, failThresh, err)
			if fail >= failThresh {
				disconnect()
				return true // 回到连接阶段
			}
		}
	}
}

func disconnect() {
	globalMgr.mu.Lock()
	defer globalMgr.mu.Unlock()
	if globalMgr.db != nil {
		_ = globalMgr.db.Client().Disconnect(context.Background())
		globalMgr.db = nil
	}
}

// WaitReady 阻塞到首次连接成功或超时
func WaitReady(timeout time.Duration) bool {
	select {
	case <-globalMgr.readyCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetDB 返回当前数据库句柄；未就绪/掉线时为 nil
func GetDB() *mongo.Database {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	return globalMgr.db
}

func LastErr() error {
	if v := globalMgr.lastErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}
