package plc

import "fmt"

// Status is the closed set of result codes that flow between the core, the
// layer stack, and the collaborator interfaces (Socket, Timer). Layer
// implementations may only ever return one of these — anything else the
// core receives is folded into BadGateway and treated as a transient
// protocol error (see Run's error handling).
type Status int

const (
	// OK means the operation completed; for a layer's connect/disconnect/
	// build_layer/process_response this specifically means "this layer is
	// done", not "the whole stack is done" — only the top layer's view of
	// OK closes out the whole frame.
	OK Status = iota
	// Pending means the operation produced bytes to send, or permits
	// another request to be batched in, or needs another round trip.
	// Exact meaning is per-operation; see the Layer doc comments.
	Pending
	// Partial means process_response needs more bytes before it can
	// decode anything; the caller should re-arm a read and wait.
	Partial
	// Retry means a connect/disconnect handshake needs another
	// request/response round trip (e.g. session registration then
	// forward-open).
	Retry
	NullPtr
	NoMem
	BadGateway
	OutOfBounds
	TooSmall
	Busy
	NotFound
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Pending:
		return "PENDING"
	case Partial:
		return "PARTIAL"
	case Retry:
		return "RETRY"
	case NullPtr:
		return "NULL_PTR"
	case NoMem:
		return "NO_MEM"
	case BadGateway:
		return "BAD_GATEWAY"
	case OutOfBounds:
		return "OUT_OF_BOUNDS"
	case TooSmall:
		return "TOO_SMALL"
	case Busy:
		return "BUSY"
	case NotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Error lets Status satisfy the error interface so state functions and
// layer callbacks can return it directly with plain Go error handling.
func (s Status) Error() string {
	return s.String()
}

// IsTransient reports whether a status returned by a layer or collaborator
// should be treated as a transient protocol/transport error: disconnect,
// back off, retry the whole connection (spec bucket 2 in the error design).
// OK, Pending, Partial, and Retry are all expected in-band results, never
// transient errors.
func (s Status) IsTransient() bool {
	switch s {
	case OK, Pending, Partial, Retry:
		return false
	default:
		return true
	}
}

// asStatus normalizes an arbitrary error returned from a layer callback
// into the closed Status set. A layer is only supposed to return Status
// values, but process_response callbacks are also user client code (the
// tag layer's response handler) and may return ordinary errors; those are
// folded into BadGateway per spec: "a successful process_response callback
// return of an error code is treated as a protocol error and disconnects."
func asStatus(err error) Status {
	if err == nil {
		return OK
	}
	if st, ok := err.(Status); ok {
		return st
	}
	return BadGateway
}
