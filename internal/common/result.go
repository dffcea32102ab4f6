package common

// Result is the success/error envelope returned across public service boundaries,
// so callers can render partial failures instead of unwinding on the first error.
type Result[T any] struct {
	Data T
	Err  error
}

// OK wraps a successful value.
func OK[T any](data T) Result[T] {
	return Result[T]{Data: data}
}

// Fail wraps an error.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Succeeded reports whether the result carries no error.
func (r Result[T]) Succeeded() bool {
	return r.Err == nil
}

// Unwrap returns the value and error in the usual Go shape.
func (r Result[T]) Unwrap() (T, error) {
	return r.Data, r.Err
}
