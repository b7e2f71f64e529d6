// Package plc implements the PLC connection core: a per-gateway driver
// that multiplexes tag-level read/write requests from many clients onto a
// single stateful byte-stream connection to an industrial controller. This
// file covers the PLC instance itself and the process-wide registry.
package plc

import (
	"fmt"
	"sync"
	"time"

	"plcconn/plclog"
)

const (
	heartbeatIntervalMS = 200
	defaultIdleTimeoutMS = 5000
	maxIdleTimeoutMS     = 5000
	minRetryIntervalMS   = 1000
	maxRetryIntervalMS   = 16000
	destroyGraceMS       = 500
	destroyPollMS        = 10
)

// Constructor builds a PLC's layer chain (via SetLayers) and reports the
// family's default gateway port, used when the gateway string omits one.
// Called once per newly created PLC, with no lock held, before the PLC is
// published into the registry.
type Constructor func(p *PLC, attrs Attrs) (defaultPort int, st Status)

// stateFunc is one state in the dispatch/connect/request/disconnect
// machine. It returns OK (suspend; wait for a callback or
// timer), Pending (re-enter immediately), or a transient error.
type stateFunc func(p *PLC) Status

// PLC is one interned connection to a controller, keyed by
// family/gateway/path.
type PLC struct {
	key    string
	family string
	host   string
	port   int

	sock     Socket
	sockFac  SocketFactory
	timerFac TimerFactory
	clock    Clock

	buffer       []byte
	dataCapacity int
	payloadStart int
	payloadEnd   int

	topLayer Layer

	requests     requestQueue
	currentReqID RequestID

	currentState stateFunc

	heartbeat Timer

	retryIntervalMS int
	nextRetryTime   int64

	idleTimeoutMS   int
	nextIdleTimeout int64

	isConnected   bool
	isTerminating bool
	dispatching   bool // true while suspended in stateDispatchRequests; read by heartbeatCallback

	context           interface{}
	contextDestructor func(p *PLC, context interface{})

	mu       sync.Mutex
	refCount int

	reg *Registry
}

// Registry interns one PLC per (family, gateway, path), reference-counted.
type Registry struct {
	mu   sync.Mutex
	plcs map[string]*PLC
}

// NewRegistry creates an empty registry. A process normally owns exactly
// one, created by ModuleInit.
func NewRegistry() *Registry {
	return &Registry{plcs: make(map[string]*PLC)}
}

func buildKey(family, gateway, path string) string {
	return family + "/" + gateway + "/" + path
}

// GetOrCreate interns one PLC instance per (family, gateway, path),
// reference-counted: a second call with the same key returns the existing
// instance with its reference count bumped rather than constructing a new
// one. The original C lookup's key-comparison loop reads as inverted; the
// intent preserved here is simply "return the existing PLC on an exact key
// match".
func (r *Registry) GetOrCreate(family string, attrs Attrs, sockFac SocketFactory, timerFac TimerFactory, clock Clock, ctor Constructor) (*PLC, Status) {
	if attrs == nil || sockFac == nil || timerFac == nil || clock == nil || ctor == nil {
		return nil, NullPtr
	}

	gateway, _ := attrs.GetString("gateway")
	path, _ := attrs.GetString("path")
	key := buildKey(family, gateway, path)

	r.mu.Lock()
	if existing, ok := r.plcs[key]; ok {
		existing.mu.Lock()
		existing.refCount++
		existing.mu.Unlock()
		r.mu.Unlock()
		return existing, OK
	}
	r.mu.Unlock()

	p := &PLC{
		key:             key,
		family:          family,
		sockFac:         sockFac,
		timerFac:        timerFac,
		clock:           clock,
		currentReqID:    InvalidRequestID,
		retryIntervalMS: minRetryIntervalMS,
		idleTimeoutMS:   defaultIdleTimeoutMS,
		refCount:        1,
		reg:             r,
	}
	p.growBuffer(4096)

	defaultPort, st := ctor(p, attrs)
	if st != OK {
		return nil, st
	}
	if p.topLayer == nil {
		return nil, NullPtr
	}

	host, port, st := parseGateway(gateway, defaultPort)
	if st != OK {
		return nil, st
	}
	p.host = host
	p.port = port

	if n := attrs.GetInt("idle_timeout_ms", -1); n >= 0 {
		if st := setIdleTimeoutLocked(p, n); st != OK {
			return nil, st
		}
	}

	if st := p.topLayer.Initialize(); st != OK {
		return nil, st
	}

	p.heartbeat = timerFac.NewTimer()
	now := clock.NowMS()
	p.currentState = stateDispatchRequests
	run(p) // prime dispatching=true; nothing else will ever call run for the first time otherwise
	if st := p.heartbeat.WakeAt(now+heartbeatIntervalMS, heartbeatCallback, p); st != OK {
		return nil, st
	}

	r.mu.Lock()
	r.plcs[key] = p
	r.mu.Unlock()

	plclog.DebugLog("registry", "interned PLC %s (host=%s port=%d)", key, host, port)
	return p, OK
}

// parseGateway splits "host[:port]" and applies defaultPort, rejecting a
// parsed port outside (0, 65535].
func parseGateway(gateway string, defaultPort int) (host string, port int, st Status) {
	if gateway == "" {
		return "", 0, BadGateway
	}
	host = gateway
	port = defaultPort
	for i := len(gateway) - 1; i >= 0; i-- {
		if gateway[i] == ':' {
			host = gateway[:i]
			n := 0
			for _, c := range gateway[i+1:] {
				if c < '0' || c > '9' {
					return "", 0, BadGateway
				}
				n = n*10 + int(c-'0')
			}
			port = n
			break
		}
		if gateway[i] == ']' {
			// IPv6 literal with no port suffix, e.g. "[::1]".
			break
		}
	}
	if host == "" || port <= 0 || port > 65535 {
		return "", 0, BadGateway
	}
	return host, port, OK
}

// Release drops one reference; on the last reference it tears the PLC
// down.
func (r *Registry) Release(p *PLC) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.refCount--
	last := p.refCount <= 0
	p.mu.Unlock()
	if !last {
		return
	}

	r.mu.Lock()
	if cur, ok := r.plcs[p.key]; ok && cur == p {
		delete(r.plcs, p.key)
	}
	r.mu.Unlock()

	p.destroy()
}

// destroy runs the PLC down to termination with a grace deadline, then
// releases its resources.
func (p *PLC) destroy() {
	p.mu.Lock()
	if p.heartbeat != nil {
		p.heartbeat.Snooze()
		p.heartbeat.Destroy()
		p.heartbeat = nil
	}
	p.isTerminating = true
	p.mu.Unlock()

	deadline := time.Now().Add(destroyGraceMS * time.Millisecond)
	for {
		p.mu.Lock()
		run(p)
		connected := p.isConnected
		p.mu.Unlock()

		if !connected {
			break
		}
		if time.Now().After(deadline) {
			plclog.DebugLog("registry", "destroy grace period expired for %s, abandoning queued requests", p.key)
			break
		}
		time.Sleep(destroyPollMS * time.Millisecond)
	}

	p.mu.Lock()
	if p.sock != nil {
		p.sock.Close()
		p.sock.Destroy()
		p.sock = nil
	}
	if p.topLayer != nil {
		p.topLayer.DestroyLayer()
	}
	if p.contextDestructor != nil {
		p.contextDestructor(p, p.context)
	}
	p.context = nil
	p.buffer = nil
	for !p.requests.empty() {
		p.requests.popFront()
	}
	p.mu.Unlock()

	plclog.DebugLog("registry", "destroyed PLC %s", p.key)
}

// Reset closes the socket and reinitializes every layer, without
// unregistering the PLC. The socket's own mutex serializes
// Close against any in-flight callback, so no layer callback fires against
// a reset PLC after Reset returns.
func (p *PLC) Reset() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return resetLocked(p)
}

func resetLocked(p *PLC) Status {
	if p.sock != nil {
		p.sock.Close()
	}
	p.isConnected = false
	if p.topLayer != nil {
		return p.topLayer.Initialize()
	}
	return OK
}

// SetLayers installs the immutable layer chain for this PLC. Called only
// by family constructors, once, before the PLC is published.
func (p *PLC) SetLayers(top Layer) {
	p.topLayer = top
}

// Context returns the opaque family-specific context.
func (p *PLC) Context() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.context
}

// SetContext installs the opaque family-specific context and its
// destructor, invoked on Destroy if non-nil.
func (p *PLC) SetContext(context interface{}, destructor func(p *PLC, context interface{})) {
	p.mu.Lock()
	p.context = context
	p.contextDestructor = destructor
	p.mu.Unlock()
}

// IdleTimeout returns the current idle-disconnect timeout in milliseconds.
func (p *PLC) IdleTimeout() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTimeoutMS
}

// SetIdleTimeout sets the idle-disconnect timeout (0..5000 ms).
func (p *PLC) SetIdleTimeout(timeoutMS int) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return setIdleTimeoutLocked(p, timeoutMS)
}

func setIdleTimeoutLocked(p *PLC, timeoutMS int) Status {
	if timeoutMS < 0 || timeoutMS > maxIdleTimeoutMS {
		return OutOfBounds
	}
	p.idleTimeoutMS = timeoutMS
	return OK
}

// BufferSize returns the current buffer capacity in bytes.
func (p *PLC) BufferSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dataCapacity
}

// SetBufferSize grows the buffer to at least size bytes; it never shrinks
// an existing buffer.
func (p *PLC) SetBufferSize(size int) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if size <= p.dataCapacity {
		return OK
	}
	p.growBuffer(size)
	return OK
}

func (p *PLC) growBuffer(size int) {
	buf := make([]byte, size)
	copy(buf, p.buffer)
	p.buffer = buf
	p.dataCapacity = size
}

// Key returns the interned registry key (family/gateway/path).
func (p *PLC) Key() string { return p.key }

// IsConnected reports whether the PLC is currently connected.
func (p *PLC) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isConnected
}

// RetryIntervalMS returns the current backoff interval, for tests and
// diagnostics.
func (p *PLC) RetryIntervalMS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryIntervalMS
}

// QueueLen returns the number of requests currently pending, for tests and
// diagnostics.
func (p *PLC) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests.len()
}

func (p *PLC) String() string {
	return fmt.Sprintf("PLC{%s connected=%v retry=%dms queue=%d}", p.key, p.isConnected, p.retryIntervalMS, p.requests.len())
}
