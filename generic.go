package detour

import (
	"fmt"
	"reflect"
	"unsafe"
)

// HookFunc redirects the Go function target to replacement and returns a
// function that runs the original target.
//
// replacement must not capture variables: it is entered with the closure
// context of target, not its own. Calls to
// target that the compiler inlined are not redirected. If possible, add a
// noinline directive to work around this:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func HookFunc[T any](target, replacement T) (T, error) {
	var zero T

	tv, err := funcValue(target)
	if err != nil {
		return zero, err
	}
	rv, err := funcValue(replacement)
	if err != nil {
		return zero, err
	}

	e, err := Default()
	if err != nil {
		return zero, err
	}

	trampoline, err := e.Install(tv.Pointer(), rv.Pointer())
	if err != nil {
		return zero, err
	}
	return funcAt[T](trampoline), nil
}

// Replace redirects fn to newFn. It returns an error if either isn't a function
// or if their signatures differ. Use Original to call the replaced function.
func Replace(fn, newFn any) error {
	fnv, err := funcValue(fn)
	if err != nil {
		return err
	}
	newFnv, err := funcValue(newFn)
	if err != nil {
		return err
	}

	if err := diffFuncs(fnv.Type(), newFnv.Type()).Err(); err != nil {
		return fmt.Errorf("function signatures do not match: %w", err)
	}

	e, err := Default()
	if err != nil {
		return err
	}

	_, err = e.Install(fnv.Pointer(), newFnv.Pointer())
	return err
}

// Original returns a function that behaves like fn did before it was hooked. If
// fn isn't hooked, fn itself is returned. If fn isn't a function the zero value
// is returned.
func Original[T any](fn T) T {
	fnv, err := funcValue(fn)
	if err != nil {
		var zero T
		return zero
	}

	e, err := Default()
	if err != nil {
		return fn
	}

	h, ok := e.Lookup(fnv.Pointer())
	if !ok {
		return fn
	}
	return funcAt[T](h.Trampoline)
}

// Unhook restores fn. Functions returned by HookFunc or Original for fn must not be
// called afterward.
func Unhook[T any](fn T) error {
	fnv, err := funcValue(fn)
	if err != nil {
		return err
	}

	e, err := Default()
	if err != nil {
		return err
	}
	return e.Uninstall(fnv.Pointer())
}

func funcValue(fn any) (reflect.Value, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("not a function, kind: %v", v.Kind())
	}
	if v.IsNil() {
		return reflect.Value{}, ErrNullAddress
	}
	return v, nil
}

// funcAt makes a func value of type T that calls the code at pc. A func value
// is a pointer to a closure, whose first word is the code address.
func funcAt[T any](pc uintptr) T {
	closure := new(uintptr)
	*closure = pc
	return *(*T)(unsafe.Pointer(&closure))
}
