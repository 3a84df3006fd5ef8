package natsx

import (
	"context"
	"fmt"
	"time"

	"PulseIM/logger"
	"PulseIM/realtime/bus"
	"PulseIM/realtime/event"
)

// Bridge 把本地总线接到 NATS，让多网关节点共享同一条事件流：
// 本地发布 → tap → NATS 广播；远端事件 → Inject 回本地总线（保留 seq）。
// 环路防护双保险：X-Origin-Node 自跳过 + 消费端幂等中间件。

const (
	bizEvents    = "im.events"
	eventSubject = "im.events.relay"
	originHeader = "X-Origin-Node"
)

type Bridge struct {
	nodeID string
	tap    *bus.Subscription
	b      *bus.Bus
}

// StartBridge wires the local bus to the global NATS connection. Call after
// Start(); idem should be shared across nodes (redis) in real deployments.
func StartBridge(nodeID string, b *bus.Bus, idem IdemStore) (*Bridge, error) {
	if err := RegisterRoute(Route{
		Biz:     bizEvents,
		Subject: eventSubject,
		Mode:    Core, // 广播：每个节点都要收到，各自投给本地 socket
	}); err != nil {
		return nil, err
	}

	br := &Bridge{nodeID: nodeID, b: b}

	inbound := func(ctx context.Context, msg Message) error {
		if msg.Header[originHeader] == nodeID {
			return nil // 自己发出的
		}
		ev, err := event.Decode(msg.Data)
		if err != nil {
			logger.Warnf("[bridge] bad envelope from %s: %v", msg.Header[originHeader], err)
			return nil // 坏消息不重投
		}
		b.Inject(ev)
		return nil
	}
	if idem != nil {
		inbound = IdemMiddleware(idem, 10*time.Minute)(inbound)
	}
	if err := RegisterHandler(bizEvents, inbound); err != nil {
		return nil, err
	}

	br.tap = b.Tap(bus.SinkFunc(func(ev event.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		hdr := map[string]string{originHeader: nodeID}
		msgID := fmt.Sprintf("%s#%d@%s", ev.TopicID, ev.Seq, nodeID)
		if err := PublishOnce(ctx, bizEvents, ev.Encode(), hdr, msgID); err != nil {
			logger.Warnf("[bridge] relay topic=%s seq=%d err=%v", ev.TopicID, ev.Seq, err)
		}
	}))
	return br, nil
}

func (br *Bridge) Close() {
	if br == nil || br.tap == nil {
		return
	}
	br.b.Unsubscribe(br.tap)
}
