package gateway

import (
	"context"
	"encoding/json"
	"time"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/delivery"
	"PulseIM/realtime/event"
	"PulseIM/tools/safe"
)

// ===== 扇出 =====

// Fanout 把总线事件分发到各会话的发送队列。一个固定 worker 池扛住
// 热点话题的广播毛刺；jobs 打满时退化为在订阅 pump 里同步投递，
// 宁可慢也不丢。
type Fanout struct {
	jobs     chan fanJob
	pipeline *delivery.Pipeline
	stop     chan struct{}
}

type fanJob struct {
	s  *Session
	ev event.Envelope
}

func NewFanout(workers, queue int, pipeline *delivery.Pipeline) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{
		jobs:     make(chan fanJob, queue),
		pipeline: pipeline,
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		safe.SafeGo(f.worker)
	}
	return f
}

func (f *Fanout) Close() { close(f.stop) }

// SinkFor 给某个会话构造总线 Sink，用于 bus.Subscribe。
func (f *Fanout) SinkFor(s *Session) bus.Sink {
	return bus.SinkFunc(func(ev event.Envelope) {
		job := fanJob{s: s, ev: ev}
		select {
		case f.jobs <- job:
		default:
			f.handle(job) // 池子满了：就地投递
		}
	})
}

func (f *Fanout) worker() {
	for {
		select {
		case <-f.stop:
			return
		case job := <-f.jobs:
			f.handle(job)
		}
	}
}

func (f *Fanout) handle(job fanJob) {
	if job.s.Closed() {
		return
	}
	job.s.Deliver(job.ev)

	// 首次路由到非发送者的活跃会话即视为送达
	if job.ev.Type == event.TypeMessageSubmitted {
		f.markDelivered(job.s, job.ev)
	}
}

func (f *Fanout) markDelivered(s *Session, ev event.Envelope) {
	if f.pipeline == nil {
		return
	}
	var p event.MessageSubmittedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.MessageID == "" {
		return
	}
	if p.SenderID == s.UserID {
		return // 自己发的不算送达
	}
	userID := s.UserID
	safe.SafeGo(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// 状态机单调推进，重复/迟到的标记会被吞掉，这里不用去重
		if err := f.pipeline.MarkStatus(ctx, p.MessageID, delivery.StatusDelivered, userID); err != nil {
			logger.Debugf("[gateway] mark delivered msg=%s: %v", p.MessageID, err)
		}
	})
}
