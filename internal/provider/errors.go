package provider

import "fmt"

// Errno represents a verbs provider error code (positive errno value).
type Errno int32

// Error codes returned by verbs providers. Values mirror Linux errno numbers so
// the ibverbs provider can surface libibverbs return codes unchanged.
const (
	Success        Errno = 0
	ErrPerm        Errno = 1
	ErrNoEntry     Errno = 2
	ErrIO          Errno = 5
	ErrAgain       Errno = 11
	ErrNoMemory    Errno = 12
	ErrAccess      Errno = 13
	ErrFault       Errno = 14
	ErrBusy        Errno = 16
	ErrExist       Errno = 17
	ErrNoDevice    Errno = 19
	ErrInvalid     Errno = 22
	ErrNoSpace     Errno = 28
	ErrRange       Errno = 34
	ErrNotSupp     Errno = 38
	ErrOverflow    Errno = 75
	ErrMsgSize     Errno = 90
	ErrOpNotSupp   Errno = 95
	ErrTimedOut    Errno = 110
	ErrConnRefused Errno = 111
)

var errnoText = map[Errno]string{
	Success:        "success",
	ErrPerm:        "operation not permitted",
	ErrNoEntry:     "no such entry",
	ErrIO:          "input/output error",
	ErrAgain:       "resource temporarily unavailable",
	ErrNoMemory:    "cannot allocate memory",
	ErrAccess:      "permission denied",
	ErrFault:       "bad address",
	ErrBusy:        "device or resource busy",
	ErrExist:       "already exists",
	ErrNoDevice:    "no such device",
	ErrInvalid:     "invalid argument",
	ErrNoSpace:     "no space left",
	ErrRange:       "result out of range",
	ErrNotSupp:     "function not implemented",
	ErrOverflow:    "value too large",
	ErrMsgSize:     "message too long",
	ErrOpNotSupp:   "operation not supported",
	ErrTimedOut:    "timed out",
	ErrConnRefused: "connection refused",
}

// Error returns the human-readable description of the code.
func (e Errno) Error() string {
	return e.String()
}

// String returns the description for known codes and "errno N" otherwise.
func (e Errno) String() string {
	if msg, ok := errnoText[e]; ok {
		return msg
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a verbs return code into a Go error. libibverbs
// reports failures either as a positive errno or as its negation depending on
// the call, so both signs are accepted; zero is success.
func ErrorFromStatus(status int, op string) error {
	if status == 0 {
		return nil
	}
	if status < 0 {
		status = -status
	}
	return Errno(status).WithOp(op)
}
