package global

// Msg 统一的 HTTP 响应壳。
type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Sucess(data any) *Msg {
	return &Msg{Code: 200, Data: data}
}

func Fail(code int, msg string) *Msg {
	return &Msg{Code: code, Msg: msg}
}
