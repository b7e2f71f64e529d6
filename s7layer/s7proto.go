package s7layer

import (
	"plcconn/plc"
)

const (
	s7ProtocolID = 0x32

	s7MsgJob     = 0x01
	s7MsgAckData = 0x03

	s7FuncSetupComm = 0xF0
	s7FuncRead      = 0x04
	s7FuncWrite     = 0x05

	defaultPDUSize = 480
	maxPDUSize     = 960

	// s7JobHeaderSize is the 10-byte header on an outbound Job message:
	// protocol ID, message type, two reserved bytes, PDU reference,
	// parameter length, data length.
	s7JobHeaderSize = 10

	// s7AckHeaderSize is the 12-byte header on an inbound Ack-Data
	// reply: the Job header plus a trailing error class/code pair.
	s7AckHeaderSize = 12
)

// s7Layer is the innermost (application) layer: S7 Job/Ack-Data framing
// for Setup Communication and single-item Read/Write Variable requests.
// It mints the RequestID the core demuxes on, carried on the wire in the
// S7 header's PDU reference field (the same field the protocol itself
// uses to match a Job to its Ack-Data reply).
type s7Layer struct {
	pduRef       uint16
	pduSize      uint16
	setUp        bool
	headerOffset int
}

func (s *s7Layer) Next() plc.Layer { return nil }

func (s *s7Layer) Initialize() plc.Status {
	s.pduRef = 0
	s.pduSize = defaultPDUSize
	s.setUp = false
	return plc.OK
}

// Connect reports OK once Setup Communication has completed, Pending
// while the request still needs to be sent. Called by cotpLayer only
// after the COTP CR/CC exchange succeeds.
func (s *s7Layer) Connect(win *plc.Window) plc.Status {
	if s.setUp {
		return plc.OK
	}

	start := win.Start
	offset := start
	var st plc.Status
	offset, st = s.writeHeader(win, offset, s7MsgJob, 8, 0)
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7FuncSetupComm)
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, 0)
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, 1) // max AMQ calling
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, 1) // max AMQ called
	if st != plc.OK {
		return st
	}
	_, st = plc.SetU16BE(win.Buf, win.Capacity, offset, maxPDUSize)
	if st != plc.OK {
		return st
	}

	win.End = start + s7JobHeaderSize + 8
	return plc.Pending
}

func (s *s7Layer) Disconnect(win *plc.Window) plc.Status {
	s.setUp = false
	return plc.OK
}

func (s *s7Layer) ReserveSpace(win *plc.Window, reqID *plc.RequestID) plc.Status {
	s.headerOffset = win.Start
	win.Start += s7JobHeaderSize
	win.End = win.Capacity
	s.pduRef++
	*reqID = plc.RequestID(s.pduRef)
	return plc.OK
}

func (s *s7Layer) AcceptRequests(requests *[]*plc.Request) plc.Status { return plc.OK }

func (s *s7Layer) AbortRequest(req *plc.Request) {}

// BuildLayer fills in the 10-byte S7 header around the parameter+data
// bytes a Request.BuildRequest callback already wrote starting at
// win.Start. It never batches: a PLC's own Read/Write Variable service
// already supports multiple items in one PDU, so batching would belong
// at the request-callback level (building one multi-item PDU), not here.
func (s *s7Layer) BuildLayer(win *plc.Window, reqID *plc.RequestID) plc.Status {
	body := win.Buf[win.Start:win.End]
	if len(body) < 2 {
		return plc.BadGateway
	}
	function := body[0]

	var paramLen, dataLen int
	switch function {
	case s7FuncRead:
		itemCount := int(body[1])
		paramLen = 2 + itemCount*12
		dataLen = 0
	case s7FuncWrite:
		paramLen = 2 + 12
		dataLen = len(body) - paramLen
	default:
		return plc.BadGateway
	}

	_, st := s.writeHeader(win, s.headerOffset, s7MsgJob, paramLen, dataLen)
	if st != plc.OK {
		return st
	}
	return plc.OK
}

func (s *s7Layer) ProcessResponse(win *plc.Window, reqID *plc.RequestID) plc.Status {
	if win.End-win.Start < s7AckHeaderSize {
		return plc.Partial
	}

	offset := win.Start
	protocolID, offset, st := plc.GetByte(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	if protocolID != s7ProtocolID {
		return plc.BadGateway
	}
	msgType, offset, st := plc.GetByte(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	offset += 2 // reserved
	pduRef, offset, st := plc.GetU16BE(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	paramLen, offset, st := plc.GetU16BE(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	dataLen, offset, st := plc.GetU16BE(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	errClass, offset, st := plc.GetByte(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}
	errCode, _, st := plc.GetByte(win.Buf, win.Capacity, offset)
	if st != plc.OK {
		return st
	}

	if msgType != s7MsgAckData {
		return plc.BadGateway
	}
	if win.End-win.Start < s7AckHeaderSize+int(paramLen)+int(dataLen) {
		return plc.Partial
	}
	if errClass != 0 || errCode != 0 {
		return plc.BadGateway
	}

	paramsStart := win.Start + s7AckHeaderSize

	if !s.setUp {
		if paramLen < 8 {
			return plc.BadGateway
		}
		pduSize, _, st := plc.GetU16BE(win.Buf, win.Capacity, paramsStart+6)
		if st != plc.OK {
			return st
		}
		s.pduSize = pduSize
		s.setUp = true
		return plc.OK
	}

	*reqID = plc.RequestID(pduRef)
	win.Start = paramsStart
	win.End = win.Start + int(paramLen) + int(dataLen)
	return plc.OK
}

func (s *s7Layer) DestroyLayer() {}

var _ plc.Layer = (*s7Layer)(nil)

// writeHeader writes the 10-byte S7 Job/Ack-Data header at win.Buf[at:]
// and returns the offset immediately past it.
func (s *s7Layer) writeHeader(win *plc.Window, at int, msgType byte, paramLen, dataLen int) (int, plc.Status) {
	offset := at
	var st plc.Status
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7ProtocolID)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, msgType)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, 0) // reserved
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, s.pduRef)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, uint16(paramLen))
	if st != plc.OK {
		return offset, st
	}
	return plc.SetU16BE(win.Buf, win.Capacity, offset, uint16(dataLen))
}
