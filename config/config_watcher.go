package config

import (
	"bytes"
	"os"
	"sync"
	"time"

	"PulseIM/logger"
	"PulseIM/tools/safe"
)

// 配置热更新：轮询文件内容，变化时回调。没有 inotify 依赖，
// 容器里挂 configmap 这种整文件替换的场景也能正确感知。

var (
	currentRaw []byte
	configMu   sync.RWMutex
)

// Current 最近一次成功读到的原始配置内容。
func Current() []byte {
	configMu.RLock()
	defer configMu.RUnlock()
	return currentRaw
}

// StartWatcher 启动轮询；onChange 在内容变化时被调（含第一次读取）。
// 返回停止函数。
func StartWatcher(path string, every time.Duration, onChange func(raw []byte)) func() {
	if every <= 0 {
		every = 10 * time.Second
	}
	stop := make(chan struct{})
	var stopOnce sync.Once

	safe.SafeGo(func() {
		t := time.NewTicker(every)
		defer t.Stop()
		poll(path, onChange)
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				poll(path, onChange)
			}
		}
	})
	return func() { stopOnce.Do(func() { close(stop) }) }
}

func poll(path string, onChange func(raw []byte)) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("[config] read %s: %v", path, err)
		}
		return
	}
	configMu.Lock()
	changed := !bytes.Equal(raw, currentRaw)
	if changed {
		currentRaw = raw
	}
	configMu.Unlock()

	if changed && onChange != nil {
		logger.Infof("[config] reload %s (%d bytes)", path, len(raw))
		onChange(raw)
	}
}
