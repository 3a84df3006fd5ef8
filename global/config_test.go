package global

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Gateway.Addr)
	assert.Equal(t, 25, cfg.Gateway.HeartbeatSec)
	assert.False(t, cfg.Redis.Enable)
}

func TestApplyMergesOverDefaults(t *testing.T) {
	cfg := Default()
	raw := []byte(`
gateway:
  addr: ":9001"
  heartbeat_sec: "30"   # 字符串数字也要能吃
  allowed_origins: ["https://app.example.com"]
redis:
  enable: true
  addrs: ["10.0.0.1:6379"]
typing:
  ttl_ms: 5000
`)
	require.NoError(t, Apply(&cfg, raw))

	assert.Equal(t, ":9001", cfg.Gateway.Addr)
	assert.Equal(t, 30, cfg.Gateway.HeartbeatSec)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Heartbeat())
	assert.True(t, cfg.Redis.Enable)
	assert.Equal(t, []string{"10.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 5000, cfg.Typing.TTLMS)
	// 没提到的字段保持默认
	assert.Equal(t, 2, cfg.Gateway.HeartbeatMisses)
	assert.Equal(t, 1024, cfg.Bus.QueueSize)
}

func TestApplyRejectsBadYAML(t *testing.T) {
	cfg := Default()
	assert.Error(t, Apply(&cfg, []byte("gateway: [not a map")))
}

func TestLoadPrefersEnvSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  jwt_secret: from-file\n"), 0o600))

	t.Setenv("PULSEIM_JWT_SECRET", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.JWTSecret)
}
