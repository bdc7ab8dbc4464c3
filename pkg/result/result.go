// Package result carries the outcome of a pipeline step that may legitimately
// do nothing, without using errors for control flow.
package result

import "fmt"

type Kind int

const (
	KindOk Kind = iota
	KindIgnored
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindIgnored:
		return "ignored"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Result[T any] struct {
	kind   Kind
	value  T
	reason string
	err    error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{kind: KindOk, value: v}
}

func Ignored[T any](reason string) Result[T] {
	return Result[T]{kind: KindIgnored, reason: reason}
}

func Failed[T any](err error) Result[T] {
	return Result[T]{kind: KindFailed, err: err}
}

func (r Result[T]) Kind() Kind      { return r.kind }
func (r Result[T]) IsOk() bool      { return r.kind == KindOk }
func (r Result[T]) IsIgnored() bool { return r.kind == KindIgnored }
func (r Result[T]) IsFailed() bool  { return r.kind == KindFailed }
func (r Result[T]) Value() T        { return r.value }
func (r Result[T]) Reason() string  { return r.reason }
func (r Result[T]) Err() error      { return r.err }

func (r Result[T]) String() string {
	switch r.kind {
	case KindIgnored:
		return "ignored: " + r.reason
	case KindFailed:
		return fmt.Sprintf("failed: %v", r.err)
	default:
		return "ok"
	}
}
