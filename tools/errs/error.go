package errs

import (
	"PulseIM/tools/errs/stack"
	"errors"
	"fmt"
	"strings"
)

type Error interface {
	Is(err error) bool
	Wrap() error
	WrapMsg(msg string, kv ...any) error
	error
}

type ErrWrapper interface {
	Unwrap() error
	error
}

func New(msg string, kv ...any) Error {
	return &errorString{s: toString(msg, kv)}
}

type errorString struct {
	s string
}

func (e *errorString) Error() string { return e.s }

func (e *errorString) Is(err error) bool {
	if err == nil {
		return false
	}
	var t *errorString
	if errors.As(err, &t) {
		return t.s == e.s
	}
	return false
}

func (e *errorString) Wrap() error { return stack.New(e, stackSkip) }

func (e *errorString) WrapMsg(msg string, kv ...any) error {
	return stack.New(&errorString{s: e.s + ", " + toString(msg, kv)}, stackSkip)
}

// NewErrorWrapper 附加上下文信息的包装错误
func NewErrorWrapper(err error, s string) error {
	return &errorWrapper{err: err, s: s}
}

type errorWrapper struct {
	err error
	s   string
}

func (e *errorWrapper) Error() string {
	if e.s == "" {
		return e.err.Error()
	}
	return e.s + ": " + e.err.Error()
}

func (e *errorWrapper) Unwrap() error { return e.err }

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprintf(" %v=%v", kv[i], kv[i+1]))
		} else {
			sb.WriteString(fmt.Sprintf(" %v", kv[i]))
		}
	}
	return sb.String()
}
