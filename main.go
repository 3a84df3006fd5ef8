package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PulseIM/config"
	"PulseIM/global"
	"PulseIM/logger"
	"PulseIM/realtime/broadcast"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/delivery"
	"PulseIM/realtime/presence"
	"PulseIM/realtime/typing"
	"PulseIM/service/gateway"
	"PulseIM/service/kafka"
	"PulseIM/service/mgo"
	"PulseIM/service/natsx"
	redisstore "PulseIM/service/storage/redis"
	"PulseIM/tools/ids"
	"PulseIM/tools/safe"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "app.yaml", "config file path")
	flag.Parse()

	cfg, err := global.Load(cfgPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.Node.ID)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// ===== 外部依赖（都可缺省，缺了落内存实现）=====

	if cfg.Redis.Enable {
		if err := redisstore.Init(redisstore.Config{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}); err != nil {
			logger.Errorf("redis init: %v", err)
			os.Exit(1)
		}
		defer redisstore.Close()
	}

	mongoReady := false
	if cfg.Mongo.Enable {
		mgo.StartAsync(rootCtx, mgo.Config{
			URI:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
		})
		mongoReady = mgo.WaitReady(15 * time.Second)
		if !mongoReady {
			logger.Warnf("mongo not ready, falling back to memory store: %v", mgo.LastErr())
		}
	}

	// ===== 存储面 =====

	var store delivery.Store
	if mongoReady {
		ms := delivery.NewMongoStore(mgo.GetDB())
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		if err := ms.EnsureIndexes(ctx); err != nil {
			logger.Errorf("mongo indexes: %v", err)
			cancel()
			os.Exit(1)
		}
		cancel()
		store = ms
	} else {
		store = delivery.NewMemStore()
	}

	var seq delivery.SeqAllocator
	var idx delivery.ClientMsgIndex
	var backlog broadcast.NotificationBacklog
	var mirror presence.Mirror
	if cfg.Redis.Enable && redisstore.Initialized() {
		rdb := redisstore.GetRedis()
		seq = delivery.NewRedisSeqAllocator(rdb, store)
		idx = delivery.NewRedisClientMsgIndex(rdb)
		backlog = broadcast.NewRedisBacklog(rdb)
		if cfg.Gateway.PresenceMirror {
			ttl := time.Duration(cfg.Gateway.MirrorTTLSeconds) * time.Second
			mirror = presence.NewRedisMirror(rdb, cfg.Node.GatewayID, ttl)
		}
	} else {
		seq = delivery.NewMemSeqAllocator(store)
		idx = delivery.NewMemClientMsgIndex()
		backlog = broadcast.NewMemBacklog(cfg.Broadcast.BacklogMax)
	}

	// ===== 归档 =====

	var archiver delivery.Archiver
	if cfg.Kafka.Enable {
		if err := kafka.Init(kafka.Config{
			Brokers:            cfg.Kafka.Brokers,
			ArchiveTopic:       cfg.Kafka.ArchiveTopic,
			Partitions:         cfg.Kafka.Partitions,
			EnsureTopicOnStart: cfg.Kafka.EnsureTopic,
		}); err != nil {
			logger.Errorf("kafka init: %v", err)
			os.Exit(1)
		}
		defer kafka.Close()
		archiver = kafka.Archiver{}
	}

	// ===== 实时核心 =====

	b := bus.New(bus.Config{QueueSize: cfg.Bus.QueueSize})
	tracker := presence.NewTracker(presence.Config{
		AwayAfter:    time.Duration(cfg.Presence.AwayAfterSec) * time.Second,
		OfflineGrace: time.Duration(cfg.Presence.OfflineGraceSec) * time.Second,
	}, b, mirror)
	coord := typing.NewCoordinator(typing.Config{
		TTL: time.Duration(cfg.Typing.TTLMS) * time.Millisecond,
	}, b)
	pipe := delivery.NewPipeline(delivery.Config{}, store, seq, idx, b, archiver)

	var srv *gateway.Server
	online := func(userID string) bool {
		return srv != nil && srv.Manager().UserOnline(userID)
	}
	bcast := broadcast.New(broadcast.Config{
		CoalesceWindow: time.Duration(cfg.Broadcast.CoalesceWindowMS) * time.Millisecond,
	}, b, backlog, online)

	srv = gateway.NewServer(gateway.Config{
		Addr:           cfg.Gateway.Addr,
		GatewayID:      cfg.Node.GatewayID,
		JWTSecret:      []byte(cfg.Gateway.JWTSecret),
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Manager: gateway.ManagerConf{
			HeartbeatEvery: cfg.Gateway.Heartbeat(),
			MissLimit:      cfg.Gateway.HeartbeatMisses,
			MaxPerUser:     cfg.Gateway.MaxSessionsUser,
			EvictOldest:    true,
		},
		SendQueue:     cfg.Gateway.SendQueue,
		ReseqHold:     cfg.Gateway.ReorderHold(),
		FrameRate:     cfg.Gateway.FrameRatePerSec,
		FrameBurst:    cfg.Gateway.FrameBurst,
		FanoutWorkers: cfg.Gateway.FanoutWorkers,
	}, gateway.Deps{
		Bus:         b,
		Presence:    tracker,
		Typing:      coord,
		Pipeline:    pipe,
		Broadcaster: bcast,
		Store:       store,
	})

	// ===== 跨节点事件桥 =====

	var bridge *natsx.Bridge
	if cfg.Nats.Enable {
		if err := natsx.Start(natsx.Config{
			Servers:  cfg.Nats.Servers,
			Name:     "pulseim-" + cfg.Node.GatewayID,
			User:     cfg.Nats.User,
			Password: cfg.Nats.Password,
		}); err != nil {
			logger.Errorf("nats start: %v", err)
			os.Exit(1)
		}
		var idem natsx.IdemStore
		if cfg.Redis.Enable && redisstore.Initialized() {
			idem = natsx.NewRedisIdem(redisstore.GetRedis(), 10*time.Minute)
		} else {
			idem = natsx.NewMemIdem(10 * time.Minute)
		}
		bridge, err = natsx.StartBridge(cfg.Node.GatewayID, b, idem)
		if err != nil {
			logger.Errorf("nats bridge: %v", err)
			os.Exit(1)
		}
	}

	// 配置热更新目前只感知不热生效，提示运维重启
	stopWatch := config.StartWatcher(cfgPath, 10*time.Second, func(raw []byte) {
		fresh := global.Default()
		if err := global.Apply(&fresh, raw); err != nil {
			logger.Warnf("config changed but invalid: %v", err)
			return
		}
		logger.Infof("config changed on disk; restart to apply")
	})
	defer stopWatch()

	// ===== 启动与停机 =====

	errCh := make(chan error, 1)
	safe.SafeGo(func() { errCh <- srv.Run() })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Infof("signal %v, shutting down", s)
	case err := <-errCh:
		if err != nil {
			logger.Errorf("gateway: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
	if bridge != nil {
		bridge.Close()
	}
	if cfg.Nats.Enable {
		_ = natsx.Stop()
	}
	bcast.Close()
	coord.Close()
	tracker.Close()
	pipe.Close()
	b.Close()
	rootCancel()
}
