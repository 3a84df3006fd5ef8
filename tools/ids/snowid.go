package ids

import (
	"strconv"
	"sync"
	"time"
)

// 雪花ID：41 位毫秒时间戳 | 10 位节点号 | 12 位毫秒内序列。
// 节点号在 main() 里用 SetNodeID 配置，多网关部署必须互不相同。

const (
	nodeBits = 10
	seqBits  = 12
	nodeMax  = (1 << nodeBits) - 1
	seqMask  = (1 << seqBits) - 1
	tsMask   = (1 << 41) - 1
)

type generator struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64
	seq      int64
	lastTSMS int64
}

var (
	defaultGen *generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = &generator{
			epochMS: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			nodeID:  1,
		}
	})
}

// Generate 生成一个新的雪花ID。
func Generate() int64 {
	initDefault()
	return defaultGen.next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 设置节点号（0~1023），越界时退回 1。
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > nodeMax {
		nodeID = 1
	}
	defaultGen.mu.Lock()
	defaultGen.nodeID = nodeID
	defaultGen.mu.Unlock()
}

func (g *generator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	// 时钟回拨：在回拨窗口内睡过去，不回退也不重复
	for now < g.lastTSMS {
		time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
		now = time.Now().UnixMilli()
	}

	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 同一毫秒内序列用尽，自旋到下一毫秒
			for now <= g.lastTSMS {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - g.epochMS) & tsMask
	return (ts << (nodeBits + seqBits)) | (g.nodeID << seqBits) | g.seq
}
