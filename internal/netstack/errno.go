package netstack

import "fmt"

// Errno is the error numbering used throughout the core. These are the
// source kernel's own negative error codes, not POSIX errno values, and
// must never be confused with golang.org/x/sys/unix's errno constants
// (EINVAL there is a small positive number; here it is -107).
type Errno int

// Error numbers used by the core.
const (
	errnoNone    Errno = 0
	EINVAL       Errno = -107
	EAGAIN       Errno = -106
	EINTR        Errno = -108
	ENOSPC       Errno = -117
	EADDRINUSE   Errno = -135
	ENOTCONN     Errno = -136
	ETIMEDOUT    Errno = -137
	ECONNRESET   Errno = -141
	ECONNREFUSED Errno = -142
	EISDIR       Errno = -130
)

var errnoNames = map[Errno]string{
	EINVAL:       "EINVAL",
	EAGAIN:       "EAGAIN",
	EINTR:        "EINTR",
	ENOSPC:       "ENOSPC",
	EADDRINUSE:   "EADDRINUSE",
	ENOTCONN:     "ENOTCONN",
	ETIMEDOUT:    "ETIMEDOUT",
	ECONNRESET:   "ECONNRESET",
	ECONNREFUSED: "ECONNREFUSED",
	EISDIR:       "EISDIR",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return fmt.Sprintf("%s (%d)", name, int(e))
	}
	return fmt.Sprintf("errno %d", int(e))
}

// sticky reports whether e is a permanent connection failure that must be
// latched on the TCB and returned to every subsequent user call.
func (e Errno) sticky() bool {
	switch e {
	case ECONNRESET, ECONNREFUSED, ETIMEDOUT:
		return true
	default:
		return false
	}
}
