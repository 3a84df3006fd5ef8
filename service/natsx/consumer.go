package natsx

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	errs "PulseIM/tools/errs"
)

// Consumer 消费端
type Consumer struct {
	c   *Client
	mws []Middleware
}

func NewConsumer(c *Client, mws ...Middleware) *Consumer {
	return &Consumer{c: c, mws: mws}
}

// Subscribe Core / JetStream Push 订阅（JS 手动 ACK/NACK）
func (cs *Consumer) Subscribe(biz string, h Handler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return errs.New("route not found", "biz", biz)
	}
	h = Chain(h, cs.mws...)

	switch r.Mode {
	case Core:
		var (
			sub *nats.Subscription
			err error
		)
		cb := func(m *nats.Msg) {
			_ = h(context.Background(), Message{
				Subject: m.Subject,
				Data:    append([]byte(nil), m.Data...),
				Header:  headerToMap(m.Header),
			})
		}
		if r.Queue == "" {
			sub, err = cs.c.nc.Subscribe(r.Subject, cb)
		} else {
			sub, err = cs.c.nc.QueueSubscribe(r.Subject, r.Queue, cb)
		}
		if err != nil {
			return errs.Wrap(err)
		}
		_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
		cs.c.mu.Lock()
		cs.c.subs[biz] = sub
		cs.c.mu.Unlock()
		return nil

	case JetStreamPush:
		if cs.c.js == nil {
			return errs.New("jetstream not initialized")
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckWait(r.AckWait),
			nats.MaxAckPending(r.MaxAckPending),
		}
		if r.Durable != "" {
			opts = append(opts, nats.Durable(r.Durable))
		}

		cb := func(m *nats.Msg) {
			msg := Message{
				Subject: m.Subject,
				Data:    append([]byte(nil), m.Data...),
				Header:  headerToMap(m.Header),
			}
			if err := h(context.Background(), msg); err == nil {
				_ = m.Ack()
			} else {
				_ = m.Nak()
			}
		}

		var (
			sub *nats.Subscription
			err error
		)
		if r.Queue == "" {
			sub, err = cs.c.js.Subscribe(r.Subject, cb, opts...)
		} else {
			sub, err = cs.c.js.QueueSubscribe(r.Subject, r.Queue, cb, opts...)
		}
		if err != nil {
			return errs.Wrap(err)
		}
		cs.c.mu.Lock()
		cs.c.subs[biz] = sub
		cs.c.mu.Unlock()
		return nil

	default:
		return errs.New("mode not supported in Subscribe", "biz", biz)
	}
}

// PullConsume JetStream Pull 拉取消费（批量，适合后端 worker 池）
func (cs *Consumer) PullConsume(ctx context.Context, biz string, batch int, wait time.Duration, h Handler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return errs.New("route not found", "biz", biz)
	}
	if r.Mode != JetStreamPull {
		return errs.New("route not JetStreamPull", "biz", biz)
	}
	if cs.c.js == nil {
		return errs.New("jetstream not initialized")
	}
	if r.Durable == "" {
		return errs.New("pull consumer requires durable name", "biz", biz)
	}

	sub, err := cs.c.js.PullSubscribe(r.Subject, r.Durable, nats.PullMaxWaiting(8))
	if err != nil {
		return errs.Wrap(err)
	}
	h = Chain(h, cs.mws...)
	if batch <= 0 {
		batch = 64
	}
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msgs, err := sub.Fetch(batch, nats.MaxWait(wait))
			if err == nats.ErrTimeout {
				continue
			}
			if err != nil {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			for _, m := range msgs {
				msg := Message{
					Subject: m.Subject,
					Data:    append([]byte(nil), m.Data...),
					Header:  headerToMap(m.Header),
				}
				if err := h(context.Background(), msg); err == nil {
					_ = m.Ack()
				} else {
					_ = m.Nak()
				}
			}
		}
	}
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
