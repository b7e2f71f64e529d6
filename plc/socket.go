package plc

// Socket is the non-blocking transport collaborator the core drives. Its
// concrete implementation is deliberately kept out of this package; package
// plcnet provides the default, built on net.Conn and a shared
// EventLoop. The core only ever calls these six methods and never blocks
// on them: each "CallbackWhen*" registers a completion and returns
// immediately; the callback fires later from whatever goroutine the
// collaborator uses to drive I/O, and must itself acquire the PLC's lock
// before touching PLC state (the state runner does this for it).
type Socket interface {
	// CallbackWhenConnectionReady dials host:port and invokes cb(arg)
	// once the connection is established or has failed; Status() then
	// reports the outcome.
	CallbackWhenConnectionReady(cb func(arg interface{}), arg interface{}, host string, port int) Status

	// CallbackWhenWriteDone writes buf[:*n] and invokes cb(arg) once the
	// write completes or fails.
	CallbackWhenWriteDone(cb func(arg interface{}), arg interface{}, buf []byte, n *int) Status

	// CallbackWhenReadDone reads into buf[:capacity] and invokes cb(arg)
	// once at least one byte has arrived or the read failed; *n is set
	// to the number of bytes read.
	CallbackWhenReadDone(cb func(arg interface{}), arg interface{}, buf []byte, capacity int, n *int) Status

	// Status reports the outcome of the most recently completed
	// operation: OK, or a transient error.
	Status() Status

	// Close closes the underlying connection synchronously; the
	// collaborator guarantees no callback fires against this
	// socket after Close returns.
	Close() Status

	// Destroy releases the socket's resources. Close should be called
	// first.
	Destroy()
}

// Timer is the one-shot, re-armable wake collaborator. The
// heartbeat (plc/heartbeat.go) is the only user that repeatedly re-arms
// one; layers never see a Timer directly.
type Timer interface {
	// WakeAt arms the timer to fire cb(arg) at or after deadlineMS
	// (Clock.NowMS() units), replacing any previously armed deadline.
	WakeAt(deadlineMS int64, cb func(arg interface{}), arg interface{}) Status

	// Snooze cancels any armed deadline without destroying the timer.
	Snooze()

	// Destroy releases the timer's resources.
	Destroy()
}

// Clock is the event loop's notion of time, used for retry/idle deadlines
// so tests can supply a fake clock without real sleeps.
type Clock interface {
	NowMS() int64
}

// SocketFactory creates a fresh, unconnected Socket for a PLC instance.
// state_start_connect calls this only when the PLC has no Socket yet (not
// once per connect attempt — the same Socket is reused across reconnects).
type SocketFactory interface {
	NewSocket() Socket
}

// TimerFactory creates a fresh Timer, used both for the heartbeat and by
// SocketFactory-adjacent collaborators that need their own timeouts.
type TimerFactory interface {
	NewTimer() Timer
}
