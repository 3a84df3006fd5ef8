package safe

import (
	"fmt"
	"reflect"

	"PulseIM/logger"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required fields during struct initialization.
func MustNotNil(v any, name string) {
	if reflect.ValueOf(v).IsNil() {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
}

// DefaultString returns s, or the fallback when s is empty.
func DefaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// DefaultDur returns d, or the fallback when d is zero or negative.
func DefaultDur[D ~int64](d D, fallback D) D {
	if d <= 0 {
		return fallback
	}
	return d
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
