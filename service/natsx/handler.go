package natsx

import "context"

// Message 统一消息对象
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// Handler 业务处理函数
type Handler func(ctx context.Context, msg Message) error

// Middleware 中间件（幂等、日志、指标）
type Middleware func(Handler) Handler

// Chain 组合中间件
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
