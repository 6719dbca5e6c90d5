package safe

import (
	"fmt"
	"reflect"

	"HaksaPresence/logger"
	"HaksaPresence/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required dependencies during construction.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// Go starts f in a new goroutine that recovers from panic, so that a panic in
// one connection's worker doesn't crash the whole gateway.
func Go(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover logs a recovered panic. Use as `defer safe.Recover("writer")`.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered", zap.String("goroutine", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
	}
}
