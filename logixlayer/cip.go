package logixlayer

import (
	"plcconn/cip"
	"plcconn/plc"
)

const (
	cpfUnconnectedMessageID uint16 = 0xB2
	cpfNullAddressID        uint16 = 0x00

	// interfaceHandle(4) + timeout(2) + itemCount(2) + null addr item(4) +
	// unconnected data item header(4)
	cipHeaderSize = 16

	svcMultipleServicePacket byte = cip.SvcMultipleServicePacket

	// maxBatchServices bounds how many CIP service requests cipLayer will
	// fold into a single Multiple Service Packet before forcing the frame
	// out; additional queued requests simply wait for the next frame.
	maxBatchServices = 32
)

// messageRouterPath addresses the Message Router object (class 2, instance
// 1), the target every Multiple Service Packet request is sent to
// regardless of which services it carries.
var messageRouterPath = mustEPath(cip.EPath().Class(0x02).Instance(0x01).Build())

func mustEPath(p cip.EPath_t, err error) cip.EPath_t {
	if err != nil {
		panic(err)
	}
	return p
}

// cipLayer is the innermost (application) layer: it frames one or more
// unconnected CIP service requests inside a Multiple Service Packet (CIP
// service 0x0A), itself carried in a CPF unconnected-data item, and mints
// the RequestID that sessionLayer carries in the EIP sender context. Every
// queued request's BuildRequest already writes the raw [service, path-len,
// path, data] bytes cipLayer's Multiple Service Packet wraps unmodified, so
// batching is purely a matter of cipLayer remembering where each one landed
// in the window and writing the packet's service count and offset table
// once the batch closes.
type cipLayer struct {
	headerOffset int
	nextReqID    int64

	mspHeaderOffset int
	itemOffsets     []int

	pendingRanges [][2]int
	pendingIdx    int
}

func (c *cipLayer) Next() plc.Layer { return nil }

func (c *cipLayer) Initialize() plc.Status {
	c.nextReqID = 0
	c.itemOffsets = nil
	c.pendingRanges = nil
	c.pendingIdx = 0
	return plc.OK
}

func (c *cipLayer) Connect(win *plc.Window) plc.Status    { return plc.OK }
func (c *cipLayer) Disconnect(win *plc.Window) plc.Status { return plc.OK }

// ReserveSpace reserves the CPF wrapper, the Multiple Service Packet's own
// service/path/count header, and a full maxBatchServices offset table,
// handing BuildRequest a window that starts right after all of that. The
// offset table is sized for the worst case up front rather than grown
// in place, since BuildRequest's own writes land immediately after it and
// nothing is free to shift once content has been written.
func (c *cipLayer) ReserveSpace(win *plc.Window, reqID *plc.RequestID) plc.Status {
	c.headerOffset = win.Start
	c.mspHeaderOffset = c.headerOffset + cipHeaderSize
	bodyOffset := c.mspHeaderOffset + 2 + len(messageRouterPath) + 2 + maxBatchServices*2

	win.Start = bodyOffset
	win.End = win.Capacity

	c.itemOffsets = c.itemOffsets[:0]

	c.nextReqID++
	*reqID = plc.RequestID(c.nextReqID)
	return plc.OK
}

func (c *cipLayer) AcceptRequests(requests *[]*plc.Request) plc.Status { return plc.OK }

func (c *cipLayer) AbortRequest(req *plc.Request) {}

// BuildLayer accepts one more already-built service request (the bytes
// between the window's prior Start and its current End), records its
// position, and rewrites the Multiple Service Packet + CPF headers so the
// frame is complete and sendable after every call; win.End is the end of
// the frame and win.Start is left there too, where the next batched
// request is built. It reports Pending (room for more) until
// maxBatchServices have been folded in, at which point it reports OK to
// force the frame out.
func (c *cipLayer) BuildLayer(win *plc.Window, reqID *plc.RequestID) plc.Status {
	c.itemOffsets = append(c.itemOffsets, win.Start)
	bodyEnd := win.End

	if st := c.finalize(win, bodyEnd); st != plc.OK {
		return st
	}
	win.Start = bodyEnd
	if len(c.itemOffsets) >= maxBatchServices {
		return plc.OK
	}
	return plc.Pending
}

// finalize writes the Multiple Service Packet header (service, path,
// service count, offset table) and the enclosing CPF envelope for the
// items accepted so far, leaving win.Start/win.End describing the complete
// frame in win.Buf.
func (c *cipLayer) finalize(win *plc.Window, bodyEnd int) plc.Status {
	mspBodyStart := c.mspHeaderOffset + 2 + len(messageRouterPath)

	offset := c.mspHeaderOffset
	var st plc.Status
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, svcMultipleServicePacket)
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, messageRouterPath.WordLen())
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetBytes(win.Buf, win.Capacity, offset, messageRouterPath)
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, uint16(len(c.itemOffsets)))
	if st != plc.OK {
		return st
	}
	for _, absOffset := range c.itemOffsets {
		offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, uint16(absOffset-mspBodyStart))
		if st != plc.OK {
			return st
		}
	}

	contentStart := c.mspHeaderOffset
	contentLen := bodyEnd - contentStart

	offset = c.headerOffset
	offset, st = plc.SetU32LE(win.Buf, win.Capacity, offset, 0) // interface handle: CIP
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, 0) // timeout: let the target decide
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, 2) // two CPF items
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, cpfNullAddressID)
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, 0) // null address item has no data
	if st != plc.OK {
		return st
	}
	offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, cpfUnconnectedMessageID)
	if st != plc.OK {
		return st
	}
	_, st = plc.SetU16LE(win.Buf, win.Capacity, offset, uint16(contentLen))
	if st != plc.OK {
		return st
	}

	win.Start, win.End = c.headerOffset, bodyEnd
	return plc.OK
}

// ProcessResponse demuxes a Multiple Service Packet reply: the first call
// for a frame parses the CPF envelope and the reply's service/status
// header, validates the batch with cip.ParseMultipleServiceResponse, then
// walks its own offset table (mirroring parseCPF's style) to hand back one
// sub-reply's raw bytes per call, Pending while more remain and OK on the
// last one.
func (c *cipLayer) ProcessResponse(win *plc.Window, reqID *plc.RequestID) plc.Status {
	if len(c.pendingRanges) == 0 {
		offset := win.Start

		_, offset, st := plc.GetU32LE(win.Buf, win.Capacity, offset) // interface handle
		if st != plc.OK {
			return st
		}
		_, offset, st = plc.GetU16LE(win.Buf, win.Capacity, offset) // timeout
		if st != plc.OK {
			return st
		}

		cpf, err := parseCPF(win.Buf[offset:win.End])
		if err != nil {
			return plc.BadGateway
		}

		var svcAbsStart int
		var svcData []byte
		found := false
		for _, item := range cpf.items {
			if item.typeID == cpfUnconnectedMessageID {
				svcAbsStart = offset + item.dataOffset
				svcData = item.data
				found = true
				break
			}
		}
		if !found || len(svcData) < 4 {
			return plc.BadGateway
		}
		if svcData[0] != svcMultipleServicePacket|0x80 || svcData[2] != 0 {
			return plc.BadGateway
		}

		extWords := int(svcData[3])
		mspBodyAbsStart := svcAbsStart + 4 + extWords*2
		if mspBodyAbsStart > win.End {
			return plc.BadGateway
		}
		mspBody := win.Buf[mspBodyAbsStart:win.End]

		if _, err := cip.ParseMultipleServiceResponse(mspBody); err != nil {
			return plc.BadGateway
		}
		if len(mspBody) < 2 {
			return plc.BadGateway
		}
		count := int(mspBody[0]) | int(mspBody[1])<<8
		if count == 0 || len(mspBody) < 2+count*2 {
			return plc.BadGateway
		}

		c.pendingRanges = c.pendingRanges[:0]
		for i := 0; i < count; i++ {
			lo := 2 + i*2
			start := mspBodyAbsStart + (int(mspBody[lo]) | int(mspBody[lo+1])<<8)
			end := win.End
			if i < count-1 {
				nlo := lo + 2
				end = mspBodyAbsStart + (int(mspBody[nlo]) | int(mspBody[nlo+1])<<8)
			}
			c.pendingRanges = append(c.pendingRanges, [2]int{start, end})
		}
		c.pendingIdx = 0
	}

	if c.pendingIdx >= len(c.pendingRanges) {
		c.pendingRanges = nil
		return plc.BadGateway
	}
	rng := c.pendingRanges[c.pendingIdx]
	c.pendingIdx++
	win.Start, win.End = rng[0], rng[1]

	if c.pendingIdx < len(c.pendingRanges) {
		return plc.Pending
	}
	c.pendingRanges = nil
	return plc.OK
}

func (c *cipLayer) DestroyLayer() {}

var _ plc.Layer = (*cipLayer)(nil)

type cpfItem struct {
	typeID     uint16
	dataOffset int
	data       []byte
}

type commonPacket struct {
	items []cpfItem
}

// parseCPF decodes a raw Common Packet Format body (item count followed by
// type/length/data items), reporting back the absolute offset of each
// item's data within raw so callers can address into the shared window
// buffer without copying.
func parseCPF(raw []byte) (*commonPacket, error) {
	if len(raw) < 2 {
		return nil, errShortCPF
	}
	count := int(raw[0]) | int(raw[1])<<8
	pos := 2

	cp := &commonPacket{}
	for i := 0; i < count; i++ {
		if len(raw) < pos+4 {
			return nil, errShortCPF
		}
		typeID := uint16(raw[pos]) | uint16(raw[pos+1])<<8
		length := int(uint16(raw[pos+2]) | uint16(raw[pos+3])<<8)
		pos += 4
		if len(raw) < pos+length {
			return nil, errShortCPF
		}
		cp.items = append(cp.items, cpfItem{typeID: typeID, dataOffset: pos, data: raw[pos : pos+length]})
		pos += length
	}
	return cp, nil
}

var errShortCPF = plc.BadGateway
