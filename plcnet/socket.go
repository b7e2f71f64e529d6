// Package plcnet is the default Socket collaborator for package plc: a
// thin non-blocking wrapper around net.Conn. Every CallbackWhen* call
// starts a goroutine that performs the blocking operation, then hands the
// callback off to a shared EventLoop instead of invoking it inline; Status
// reports what that goroutine found. This mirrors the dial/keepalive
// pattern used throughout the blocking eip client, adapted to the core's
// register-a-callback-and-return contract.
package plcnet

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"plcconn/plc"
	"plcconn/plclog"
)

// DialTimeout bounds how long CallbackWhenConnectionReady waits for the
// TCP handshake before reporting BadGateway.
var DialTimeout = 5 * time.Second

// Factory creates Sockets backed by net.Conn. Loop, if non-nil, is where
// every Socket it creates posts completion callbacks; if nil, callbacks
// run directly on the goroutine that completed the I/O (matching the
// behavior before EventLoop existed, useful for tests).
type Factory struct {
	Loop *EventLoop
}

func (f Factory) NewSocket() plc.Socket {
	return &Socket{loop: f.Loop}
}

var _ plc.SocketFactory = Factory{}

// Socket is a single TCP connection driven by background goroutines. Only
// one operation (connect, read, or write) is ever in flight at a time,
// matching the core's own single-outstanding-operation usage.
type Socket struct {
	mu     sync.Mutex
	conn   net.Conn
	status plc.Status
	loop   *EventLoop
}

var _ plc.Socket = (*Socket)(nil)

// deliver runs cb(arg) on s.loop if one was configured, otherwise inline.
func (s *Socket) deliver(cb func(arg interface{}), arg interface{}) {
	if s.loop != nil {
		s.loop.Post(func() { cb(arg) })
		return
	}
	cb(arg)
}

func (s *Socket) CallbackWhenConnectionReady(cb func(arg interface{}), arg interface{}, host string, port int) plc.Status {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	s.mu.Lock()
	s.status = plc.Pending
	s.mu.Unlock()

	go func() {
		plclog.DebugConnect("plcnet", host, port)
		d := net.Dialer{Timeout: DialTimeout}
		conn, err := d.Dial("tcp", addr)

		s.mu.Lock()
		if err != nil {
			plclog.DebugConnectError("plcnet", host, port, err)
			s.status = plc.BadGateway
		} else {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(30 * time.Second)
			}
			s.conn = conn
			s.status = plc.OK
		}
		s.mu.Unlock()
		s.deliver(cb, arg)
	}()
	return plc.OK
}

func (s *Socket) CallbackWhenWriteDone(cb func(arg interface{}), arg interface{}, buf []byte, n *int) plc.Status {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return plc.BadGateway
	}

	payload := buf[:*n]

	s.mu.Lock()
	s.status = plc.Pending
	s.mu.Unlock()

	go func() {
		written, err := writeFull(conn, payload)
		s.mu.Lock()
		*n = written
		if err != nil {
			plclog.DebugLog("plcnet", "write failed: %v", err)
			s.status = plc.BadGateway
		} else {
			s.status = plc.OK
		}
		s.mu.Unlock()
		s.deliver(cb, arg)
	}()
	return plc.OK
}

func (s *Socket) CallbackWhenReadDone(cb func(arg interface{}), arg interface{}, buf []byte, capacity int, n *int) plc.Status {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return plc.BadGateway
	}

	s.mu.Lock()
	s.status = plc.Pending
	s.mu.Unlock()

	go func() {
		read, err := conn.Read(buf[:capacity])
		s.mu.Lock()
		*n = read
		if err != nil && read == 0 {
			plclog.DebugLog("plcnet", "read failed: %v", err)
			s.status = plc.BadGateway
		} else {
			s.status = plc.OK
		}
		s.mu.Unlock()
		s.deliver(cb, arg)
	}()
	return plc.OK
}

func (s *Socket) Status() plc.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Socket) Close() plc.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return plc.OK
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return plc.BadGateway
	}
	return plc.OK
}

func (s *Socket) Destroy() {
	s.Close()
}

func writeFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("plcnet: short write: %w", err)
		}
	}
	return total, nil
}
