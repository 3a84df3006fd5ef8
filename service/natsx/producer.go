package natsx

import (
	"context"

	"github.com/nats-io/nats.go"

	"PulseIM/logger"
	errs "PulseIM/tools/errs"
	"PulseIM/tools/ids"
)

// Producer 生产端
type Producer struct{ c *Client }

func NewProducer(c *Client) *Producer { return &Producer{c: c} }

// Publish 按 Biz 路由发送
func (p *Producer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return errs.New("route not found", "biz", biz)
	}
	switch r.Mode {
	case Core:
		return p.sendCore(r.Subject, data, hdr)
	case JetStreamPush, JetStreamPull:
		return p.sendJS(ctx, r.Subject, data, hdr)
	default:
		return errs.New("unsupported mode", "biz", biz)
	}
}

// PublishOnce：带 Nats-Msg-Id 的发布（JetStream 端去重）。msgID 为空则自动生成。
func (p *Producer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	if hdr == nil {
		hdr = map[string]string{}
	}
	if msgID == "" {
		msgID = ids.GenerateString()
	}
	hdr["Nats-Msg-Id"] = msgID
	return p.Publish(ctx, biz, data, hdr)
}

func (p *Producer) sendCore(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := p.c.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "publish failed", "subject", subject)
	}
	return nil
}

func (p *Producer) sendJS(ctx context.Context, subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	ack, err := p.c.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return errs.WrapMsg(err, "publish failed", "subject", subject)
	}
	logger.Debugf("[natsx] published stream=%s seq=%d", ack.Stream, ack.Sequence)
	return nil
}
