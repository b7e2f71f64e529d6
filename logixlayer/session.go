// Package logixlayer implements a Logix-family (EtherNet/IP + CIP) layer
// chain for package plc: an outer session layer handling the EIP
// encapsulation header and RegisterSession handshake, wrapping an inner
// CIP layer that frames unconnected CIP service requests in a Common
// Packet Format (CPF) data item. It is grounded on the encapsulation and
// CPF wire formats of a blocking eip.EipClient, reworked onto the
// non-blocking plc.Layer contract instead of synchronous net.Conn calls.
package logixlayer

import (
	"encoding/binary"

	"plcconn/plc"
)

const (
	cmdRegisterSession   uint16 = 0x65
	cmdUnRegisterSession uint16 = 0x66
	cmdSendRRData        uint16 = 0x6F

	encapHeaderSize = 24
)

// Family is the plc.Constructor for the Logix family: it builds the
// session+CIP layer chain and installs it on p.
func Family(p *plc.PLC, attrs plc.Attrs) (defaultPort int, st plc.Status) {
	cip := &cipLayer{}
	sess := &sessionLayer{inner: cip}
	p.SetLayers(sess)
	return 44818, plc.OK
}

// sessionLayer is the outermost (link) layer: EIP encapsulation framing
// plus the RegisterSession/UnRegisterSession handshake. It mints nothing;
// the CIP layer inward mints RequestIDs, which this layer carries on the
// wire in the EIP sender-context field so responses demux for free.
type sessionLayer struct {
	inner *cipLayer

	sessionHandle uint32
}

func (s *sessionLayer) Next() plc.Layer { return s.inner }

func (s *sessionLayer) Initialize() plc.Status {
	s.sessionHandle = 0
	return s.inner.Initialize()
}

// Connect reports OK once a session handle has been obtained, Pending
// while the RegisterSession frame still needs to be sent. CIP itself has
// no connect-time handshake for unconnected messaging, so this layer does
// not delegate Connect further.
func (s *sessionLayer) Connect(win *plc.Window) plc.Status {
	if s.sessionHandle != 0 {
		return plc.OK
	}

	end, st := plc.SetU16LE(win.Buf, win.Capacity, 0, cmdRegisterSession)
	if st != plc.OK {
		return st
	}
	end, st = plc.SetU16LE(win.Buf, win.Capacity, end, 4) // length: 4 bytes of command data follow
	if st != plc.OK {
		return st
	}
	end, st = plc.SetU32LE(win.Buf, win.Capacity, end, 0) // session handle
	if st != plc.OK {
		return st
	}
	end, st = plc.SetU32LE(win.Buf, win.Capacity, end, 0) // status
	if st != plc.OK {
		return st
	}
	end, st = plc.SetBytes(win.Buf, win.Capacity, end, make([]byte, 8)) // sender context, unused here
	if st != plc.OK {
		return st
	}
	end, st = plc.SetU32LE(win.Buf, win.Capacity, end, 0) // options
	if st != plc.OK {
		return st
	}
	end, st = plc.SetBytes(win.Buf, win.Capacity, end, []byte{1, 0, 0, 0}) // protocol version 1, no flags
	if st != plc.OK {
		return st
	}

	win.Start, win.End = 0, end
	return plc.Pending
}

// Disconnect always reports OK without sending UnRegisterSession: the
// controller tears down the session as soon as the TCP connection closes,
// and a real UnRegisterSession exchange never waits for a reply anyway, so
// there is no protocol benefit to routing it through the request/response
// track here.
func (s *sessionLayer) Disconnect(win *plc.Window) plc.Status {
	s.sessionHandle = 0
	return plc.OK
}

func (s *sessionLayer) ReserveSpace(win *plc.Window, reqID *plc.RequestID) plc.Status {
	win.Start += encapHeaderSize
	return s.inner.ReserveSpace(win, reqID)
}

func (s *sessionLayer) AcceptRequests(requests *[]*plc.Request) plc.Status { return plc.OK }

func (s *sessionLayer) AbortRequest(req *plc.Request) { s.inner.AbortRequest(req) }

func (s *sessionLayer) BuildLayer(win *plc.Window, reqID *plc.RequestID) plc.Status {
	// Before a session is registered the only frame in the window is the
	// RegisterSession request Connect wrote, which is already complete.
	if s.sessionHandle == 0 {
		return plc.OK
	}

	st := s.inner.BuildLayer(win, reqID)
	if st != plc.OK && st != plc.Pending {
		return st
	}

	ctx := make([]byte, 8)
	binary.LittleEndian.PutUint64(ctx, uint64(*reqID))

	offset := 0
	var setSt plc.Status
	offset, setSt = plc.SetU16LE(win.Buf, win.Capacity, offset, cmdSendRRData)
	if setSt != plc.OK {
		return setSt
	}
	offset, setSt = plc.SetU16LE(win.Buf, win.Capacity, offset, uint16(win.End-encapHeaderSize))
	if setSt != plc.OK {
		return setSt
	}
	offset, setSt = plc.SetU32LE(win.Buf, win.Capacity, offset, s.sessionHandle)
	if setSt != plc.OK {
		return setSt
	}
	offset, setSt = plc.SetU32LE(win.Buf, win.Capacity, offset, 0)
	if setSt != plc.OK {
		return setSt
	}
	offset, setSt = plc.SetBytes(win.Buf, win.Capacity, offset, ctx)
	if setSt != plc.OK {
		return setSt
	}
	_, setSt = plc.SetU32LE(win.Buf, win.Capacity, offset, 0)
	if setSt != plc.OK {
		return setSt
	}

	return st
}

func (s *sessionLayer) ProcessResponse(win *plc.Window, reqID *plc.RequestID) plc.Status {
	if win.End < encapHeaderSize {
		return plc.Partial
	}

	command, offset, st := plc.GetU16LE(win.Buf, win.Capacity, 0)
	if st != plc.OK {
		return st
	}
	length, offset, st := plc.GetU16LE(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	sessionHandle, offset, st := plc.GetU32LE(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	status, offset, st := plc.GetU32LE(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	ctx, offset, st := plc.GetBytes(win.Buf, win.Capacity, offset, 8)
	if st != plc.OK {
		return st
	}
	_, offset, st = plc.GetU32LE(win.Buf, win.Capacity, offset) // options, unused
	if st != plc.OK {
		return st
	}

	if win.End < encapHeaderSize+int(length) {
		return plc.Partial
	}
	if status != 0 {
		return plc.BadGateway
	}

	switch command {
	case cmdRegisterSession:
		if sessionHandle == 0 {
			return plc.BadGateway
		}
		s.sessionHandle = sessionHandle
		win.Start, win.End = offset, offset+int(length)
		return plc.OK

	case cmdSendRRData:
		*reqID = plc.RequestID(binary.LittleEndian.Uint64(ctx))
		win.Start, win.End = offset, offset+int(length)
		return s.inner.ProcessResponse(win, reqID)

	default:
		return plc.BadGateway
	}
}

func (s *sessionLayer) DestroyLayer() { s.inner.DestroyLayer() }

var _ plc.Layer = (*sessionLayer)(nil)
