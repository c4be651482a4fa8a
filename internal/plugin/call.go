package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"
)

// PanicError is what a recovered plugin panic turns into.
type PanicError struct {
	Label string
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Label, e.Value) }

// SafeCall runs fn and converts a panic into a *PanicError.
func SafeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Label: label, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// ErrAbandoned is reported when a plugin call ignores cancellation past its
// grace period. The call keeps running in the background.
var ErrAbandoned = errors.New("plugin call did not return after cancel")

const defaultGrace = 100 * time.Millisecond

// CallWithTimeout runs fn under a child context bounded by timeout. Once the
// child context ends the call is reported as failed with the context error,
// after waiting up to grace for fn to return.
func CallWithTimeout(ctx context.Context, label string, timeout, grace time.Duration, fn func(ctx context.Context) error) error {
	_, err := CallValue(ctx, label, timeout, grace, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type outcome[T any] struct {
	v   T
	err error
}

// CallValue is CallWithTimeout for calls that produce a value. The value
// only travels over the call's own channel, so a call that finishes after
// being abandoned never touches the caller's state. On timeout the zero
// value is returned.
func CallValue[T any](ctx context.Context, label string, timeout, grace time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	run := func(ctx context.Context) (v T, err error) {
		err = SafeCall(label, func() error {
			var ferr error
			v, ferr = fn(ctx)
			return ferr
		})
		return v, err
	}
	if timeout <= 0 {
		return run(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := run(cctx)
		done <- outcome[T]{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-cctx.Done():
	}
	select {
	case o := <-done:
		return o.v, o.err
	default:
	}

	cause := cctx.Err()
	if grace <= 0 {
		grace = defaultGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return zero, fmt.Errorf("%s: %w", label, cause)
	case <-t.C:
		return zero, fmt.Errorf("%s: %w: %w", label, cause, ErrAbandoned)
	}
}

// DecodeStrict decodes raw into dst, rejecting unknown fields and trailing data.
func DecodeStrict(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("decode plugin config: trailing data")
	}
	return nil
}
