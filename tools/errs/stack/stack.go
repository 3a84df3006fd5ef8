package stack

import (
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// 错误栈包装：采集交给 pkg/errors，这里只负责把栈压成
// 单行短格式（函数名:行号 <- ...），方便塞进结构化日志。

type stackError struct {
	err   error
	stack string
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// New 包装 err 并采集调用栈；skip 为跳过的栈帧数。
// 已经带栈的错误不重复包装，避免栈串联成面条。
func New(err error, skip int) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if pkgerrors.As(err, &st) {
		return err
	}
	var inner *stackError
	if pkgerrors.As(err, &inner) {
		return err
	}
	// skip 按老的 runtime.Callers 口径传进来，这里少了两层内部帧
	return &stackError{err: err, stack: render(pkgerrors.WithStack(err), skip-2)}
}

func (e *stackError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.err.Error())
	if e.stack != "" {
		sb.WriteString(" | ")
		sb.WriteString(e.stack)
	}
	return sb.String()
}

func (e *stackError) Unwrap() error { return e.err }

func (e *stackError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		_, _ = fmt.Fprint(s, e.Error())
	case 's':
		_, _ = fmt.Fprint(s, e.err.Error())
	}
}

const maxFrames = 8

func render(err error, skip int) string {
	var st stackTracer
	if !pkgerrors.As(err, &st) {
		return ""
	}
	trace := st.StackTrace()
	if skip < 0 {
		skip = 0
	}
	if skip >= len(trace) {
		return ""
	}
	trace = trace[skip:]
	if len(trace) > maxFrames {
		trace = trace[:maxFrames]
	}
	parts := make([]string, 0, len(trace))
	for _, fr := range trace {
		// %n 短函数名，%d 行号
		name := fmt.Sprintf("%n", fr)
		line, _ := strconv.Atoi(fmt.Sprintf("%d", fr))
		parts = append(parts, name+":"+strconv.Itoa(line))
	}
	return strings.Join(parts, " <- ")
}
