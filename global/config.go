package global

import (
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"PulseIM/tools/errs"
)

// ===== 应用配置 =====
// YAML 先解成弱类型 map，再经 mapstructure 落到结构体，
// 这样布尔/数字写成字符串也能吃进来（运维手改配置常见）。

type AppConfig struct {
	Node    NodeConfig    `mapstructure:"node"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Bus     BusConfig     `mapstructure:"bus"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Nats    NatsConfig    `mapstructure:"nats"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`

	Presence  PresenceConfig  `mapstructure:"presence"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
}

type NodeConfig struct {
	ID        int64  `mapstructure:"id"` // snowflake 节点号
	GatewayID string `mapstructure:"gateway_id"`
}

type GatewayConfig struct {
	Addr             string   `mapstructure:"addr"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	JWTSecret        string   `mapstructure:"jwt_secret"` // 建议走 PULSEIM_JWT_SECRET
	HeartbeatSec     int      `mapstructure:"heartbeat_sec"`
	HeartbeatMisses  int      `mapstructure:"heartbeat_misses"`
	MaxSessionsUser  int      `mapstructure:"max_sessions_per_user"`
	SendQueue        int      `mapstructure:"send_queue"`
	ReorderHoldMS    int      `mapstructure:"reorder_hold_ms"`
	FrameRatePerSec  float64  `mapstructure:"frame_rate_per_sec"`
	FrameBurst       int      `mapstructure:"frame_burst"`
	FanoutWorkers    int      `mapstructure:"fanout_workers"`
	OfflineGraceSec  int      `mapstructure:"offline_grace_sec"`
	PresenceMirror   bool     `mapstructure:"presence_mirror"`
	MirrorTTLSeconds int      `mapstructure:"mirror_ttl_sec"`
}

type BusConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type RedisConfig struct {
	Enable   bool     `mapstructure:"enable"`
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	PoolSize int      `mapstructure:"pool_size"`
}

type MongoConfig struct {
	Enable      bool   `mapstructure:"enable"`
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize uint64 `mapstructure:"max_pool_size"`
}

type NatsConfig struct {
	Enable   bool     `mapstructure:"enable"`
	Servers  []string `mapstructure:"servers"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type KafkaConfig struct {
	Enable       bool     `mapstructure:"enable"`
	Brokers      []string `mapstructure:"brokers"`
	ArchiveTopic string   `mapstructure:"archive_topic"`
	Partitions   int32    `mapstructure:"partitions"`
	EnsureTopic  bool     `mapstructure:"ensure_topic"`
}

type PresenceConfig struct {
	AwayAfterSec    int `mapstructure:"away_after_sec"`
	OfflineGraceSec int `mapstructure:"offline_grace_sec"`
}

type TypingConfig struct {
	TTLMS int `mapstructure:"ttl_ms"`
}

type BroadcastConfig struct {
	CoalesceWindowMS int `mapstructure:"coalesce_window_ms"`
	BacklogMax       int `mapstructure:"backlog_max"`
}

// Default 单机开发态可用的兜底配置；外部依赖全部关着。
func Default() AppConfig {
	return AppConfig{
		Node:    NodeConfig{ID: 1, GatewayID: "gw-1"},
		Gateway: GatewayConfig{Addr: ":8080", HeartbeatSec: 25, HeartbeatMisses: 2},
		Bus:     BusConfig{QueueSize: 1024},
	}
}

// Load 读取 YAML 并套到默认值上；path 为空或文件不存在时返回默认配置。
// JWT 密钥优先取环境变量 PULSEIM_JWT_SECRET。
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errs.WrapMsg(err, "read config", "path", path)
			}
		} else if err := Apply(&cfg, raw); err != nil {
			return cfg, err
		}
	}
	if sec := os.Getenv("PULSEIM_JWT_SECRET"); sec != "" {
		cfg.Gateway.JWTSecret = sec
	}
	return cfg, nil
}

// Apply 把一段 YAML 合并进现有配置，热更新走同一入口。
func Apply(cfg *AppConfig, raw []byte) error {
	var loose map[string]any
	if err := yaml.Unmarshal(raw, &loose); err != nil {
		return errs.WrapMsg(err, "parse config yaml")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errs.Wrap(err)
	}
	if err := dec.Decode(loose); err != nil {
		return errs.WrapMsg(err, "decode config")
	}
	return nil
}

func (c GatewayConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

func (c GatewayConfig) ReorderHold() time.Duration {
	return time.Duration(c.ReorderHoldMS) * time.Millisecond
}
