// Package s7layer implements an S7 (Siemens) family layer chain for
// package plc: an outer cotpLayer handling ISO-on-TCP (TPKT, RFC 1006) and
// COTP connection-oriented framing plus the S7 Setup Communication
// handshake, wrapping an inner s7Layer that frames Job/Ack-Data PDUs for
// variable read/write. It is grounded on the wire formats in the
// teacher's blocking s7.transport and s7 protocol helpers, reworked from
// synchronous net.Conn calls onto the non-blocking plc.Layer contract.
// Package s7 itself is reused for address parsing and typed value
// decoding (s7.ParseAddress, s7.Address, s7.TagValue).
package s7layer

import (
	"plcconn/plc"
)

const (
	tpktVersion    = 0x03
	tpktHeaderSize = 4

	cotpCR = 0xE0
	cotpCC = 0xD0
	cotpDT = 0xF0

	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2
	cotpParamTPDUSize = 0xC0

	cotpTPDUSize1024 = 0x0A

	// cotpDTHeaderSize is the 3-byte COTP Data Transfer header that
	// precedes every S7 job/response PDU once the connection is up.
	cotpDTHeaderSize = 3
)

// Family is the plc.Constructor for the S7 family: it builds the cotp+s7
// layer chain and installs it on p. attrs supplies "rack" and "slot"
// (both default 0), matching the standard rack/slot addressing of the
// CPU's TSAP.
func Family(p *plc.PLC, attrs plc.Attrs) (defaultPort int, st plc.Status) {
	rack := attrs.GetInt("rack", 0)
	slot := attrs.GetInt("slot", 0)

	s7 := &s7Layer{}
	cotp := &cotpLayer{inner: s7, rack: rack, slot: slot}
	p.SetLayers(cotp)
	return 102, plc.OK
}

// cotpLayer is the outermost (link) layer: TPKT framing plus the COTP
// connection request/confirm and S7 Setup Communication handshake.
type cotpLayer struct {
	inner *s7Layer

	rack, slot int
	connected  bool
	awaitingCC bool
}

func (c *cotpLayer) Next() plc.Layer { return c.inner }

func (c *cotpLayer) Initialize() plc.Status {
	c.connected = false
	c.awaitingCC = false
	return c.inner.Initialize()
}

// Connect drives a two-step handshake: first COTP CR/CC, then (once the
// transport reports connected) S7 Setup Communication via the inner
// layer. Each step is a single Pending frame; the caller re-enters after
// the matching response has been processed.
func (c *cotpLayer) Connect(win *plc.Window) plc.Status {
	if c.connected {
		win.Start = tpktHeaderSize + cotpDTHeaderSize
		st := c.inner.Connect(win)
		if st != plc.Pending {
			return st
		}
		if st := wrapDT(win); st != plc.OK {
			return st
		}
		win.Start = 0
		return plc.Pending
	}
	if c.awaitingCC {
		return plc.Pending
	}

	srcTSAP := []byte{0x01, 0x00}
	dstTSAP := []byte{0x01, byte(c.rack<<5 | c.slot)}

	cr := make([]byte, 0, 32)
	cr = append(cr, 0x00, cotpCR, 0x00, 0x00, 0x00, 0x01, 0x00)
	cr = append(cr, cotpParamSrcTSAP, byte(len(srcTSAP)))
	cr = append(cr, srcTSAP...)
	cr = append(cr, cotpParamDstTSAP, byte(len(dstTSAP)))
	cr = append(cr, dstTSAP...)
	cr = append(cr, cotpParamTPDUSize, 0x01, cotpTPDUSize1024)
	cr[0] = byte(len(cr) - 1)

	st := writeTPKT(win, cr)
	if st != plc.OK {
		return st
	}
	c.awaitingCC = true
	return plc.Pending
}

func (c *cotpLayer) Disconnect(win *plc.Window) plc.Status {
	c.connected = false
	c.awaitingCC = false
	return plc.OK
}

func (c *cotpLayer) ReserveSpace(win *plc.Window, reqID *plc.RequestID) plc.Status {
	win.Start += tpktHeaderSize + cotpDTHeaderSize
	return c.inner.ReserveSpace(win, reqID)
}

func (c *cotpLayer) AcceptRequests(requests *[]*plc.Request) plc.Status { return plc.OK }

func (c *cotpLayer) AbortRequest(req *plc.Request) { c.inner.AbortRequest(req) }

func (c *cotpLayer) BuildLayer(win *plc.Window, reqID *plc.RequestID) plc.Status {
	// Until Setup Communication has completed, the window holds a
	// handshake frame that Connect has already framed completely.
	if !c.connected || !c.inner.setUp {
		return plc.OK
	}

	st := c.inner.BuildLayer(win, reqID)
	if st != plc.OK && st != plc.Pending {
		return st
	}
	if wrapSt := wrapDT(win); wrapSt != plc.OK {
		return wrapSt
	}
	return st
}

// wrapDT writes the 3-byte COTP Data Transfer header at buf[4:7] and the
// 4-byte TPKT header at buf[0:4] around the content already built in
// win.Buf[7:win.End], for a chain that has already passed the COTP
// connect handshake.
func wrapDT(win *plc.Window) plc.Status {
	contentStart := tpktHeaderSize + cotpDTHeaderSize
	contentLen := win.End - contentStart
	if contentLen < 0 {
		return plc.BadGateway
	}

	if _, st := plc.SetByte(win.Buf, win.Capacity, tpktHeaderSize, 0x02); st != plc.OK {
		return st
	}
	if _, st := plc.SetByte(win.Buf, win.Capacity, tpktHeaderSize+1, cotpDT); st != plc.OK {
		return st
	}
	if _, st := plc.SetByte(win.Buf, win.Capacity, tpktHeaderSize+2, 0x80); st != plc.OK {
		return st
	}
	return writeTPKTHeader(win.Buf, win.Capacity, contentLen+cotpDTHeaderSize)
}

func (c *cotpLayer) ProcessResponse(win *plc.Window, reqID *plc.RequestID) plc.Status {
	payload, st := readTPKT(win)
	if st != plc.OK {
		return st
	}
	if len(payload) < 2 {
		return plc.BadGateway
	}

	if !c.connected {
		if payload[1] != cotpCC {
			return plc.BadGateway
		}
		c.connected = true
		c.awaitingCC = false
		return plc.OK
	}

	if payload[1] != cotpDT {
		return plc.BadGateway
	}
	if len(payload) < cotpDTHeaderSize {
		return plc.BadGateway
	}

	win.Start = tpktHeaderSize + cotpDTHeaderSize
	win.End = win.Start + (len(payload) - cotpDTHeaderSize)
	return c.inner.ProcessResponse(win, reqID)
}

func (c *cotpLayer) DestroyLayer() { c.inner.DestroyLayer() }

var _ plc.Layer = (*cotpLayer)(nil)

// writeTPKTHeader fills the 4-byte TPKT header at buf[0:4] for a packet
// whose total length (header + payload) is payloadLen + tpktHeaderSize.
func writeTPKTHeader(buf []byte, capacity, payloadLen int) plc.Status {
	total := payloadLen + tpktHeaderSize
	if _, st := plc.SetByte(buf, capacity, 0, tpktVersion); st != plc.OK {
		return st
	}
	if _, st := plc.SetByte(buf, capacity, 1, 0x00); st != plc.OK {
		return st
	}
	_, st := plc.SetU16BE(buf, capacity, 2, uint16(total))
	return st
}

// writeTPKT writes a complete TPKT-framed packet (header + payload) into
// win starting at offset 0 and sets win.End to its length.
func writeTPKT(win *plc.Window, payload []byte) plc.Status {
	if st := writeTPKTHeader(win.Buf, win.Capacity, len(payload)); st != plc.OK {
		return st
	}
	_, st := plc.SetBytes(win.Buf, win.Capacity, tpktHeaderSize, payload)
	if st != plc.OK {
		return st
	}
	win.Start, win.End = 0, tpktHeaderSize+len(payload)
	return plc.OK
}

// readTPKT validates and strips the 4-byte TPKT header from the bytes
// already received into win, returning the COTP+payload bytes. Returns
// Partial if the declared length hasn't fully arrived yet.
func readTPKT(win *plc.Window) ([]byte, plc.Status) {
	if win.End < tpktHeaderSize {
		return nil, plc.Partial
	}
	version, _, st := plc.GetByte(win.Buf, win.Capacity, 0)
	if st != plc.OK {
		return nil, st
	}
	if version != tpktVersion {
		return nil, plc.BadGateway
	}
	length, _, st := plc.GetU16BE(win.Buf, win.Capacity, 2)
	if st != plc.OK {
		return nil, st
	}
	if int(length) < tpktHeaderSize {
		return nil, plc.BadGateway
	}
	if win.End < int(length) {
		return nil, plc.Partial
	}
	return win.Buf[tpktHeaderSize:length], plc.OK
}
