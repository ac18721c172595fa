package exchange

// ErrorKind classifies a failed call so callers can branch without parsing
// messages.
type ErrorKind string

const (
	ErrKindTransport    ErrorKind = "transport"
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindVenue        ErrorKind = "venue"
	ErrKindUnauthorized ErrorKind = "unauthorized"
	ErrKindDecode       ErrorKind = "decode"
	ErrKindInvalid      ErrorKind = "invalid_request"
)

// Empty is the payload of operations that only report success.
type Empty struct{}

// Result is either Ok(value) or Err(message). Callers must check IsOk before
// using Value.
type Result[T any] struct {
	value  T
	ok     bool
	msg    string
	kind   ErrorKind
	status int
}

func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

func Err[T any](kind ErrorKind, msg string) Result[T] {
	return Result[T]{kind: kind, msg: msg}
}

// withStatus attaches the HTTP status that produced an error.
func (r Result[T]) withStatus(status int) Result[T] {
	r.status = status
	return r
}

func (r Result[T]) IsOk() bool { return r.ok }

// Value returns the payload and whether the result is Ok.
func (r Result[T]) Value() (T, bool) { return r.value, r.ok }

// Error returns the failure message, empty for Ok results.
func (r Result[T]) Error() string { return r.msg }

func (r Result[T]) Kind() ErrorKind { return r.kind }

// HTTPStatus is the venue status code behind an error, zero when none.
func (r Result[T]) HTTPStatus() int { return r.status }

// failure carries an error between internal helpers of different payload types.
type failure struct {
	kind   ErrorKind
	msg    string
	status int
}

func failWith[T any](f *failure) Result[T] {
	return Err[T](f.kind, f.msg).withStatus(f.status)
}
