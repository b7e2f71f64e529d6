package logixlayer

import (
	"plcconn/cip"
	"plcconn/plc"
)

// CIP service codes for Allen-Bradley's symbolic tag addressing extension.
const (
	svcReadTag  byte = 0x4C
	svcWriteTag byte = 0x4D
)

// TagValue carries a tag's CIP data-type code and raw little-endian element
// bytes, as delivered to ReadTagRequest's response callback.
type TagValue struct {
	DataType uint16
	Data     []byte
}

// ReadTagRequest builds a *plc.Request that reads count elements of tag
// name, reporting the decoded TagValue (or an error) through onResult. It
// is grounded on the Read Tag Service framing of a blocking
// logix.PLC.ReadTagCount call, reworked onto the core's BuildRequest/
// ProcessResponse callback pair instead of a synchronous round trip.
func ReadTagRequest(name string, count uint16, onResult func(TagValue, plc.Status)) *plc.Request {
	path, pathErr := cip.EPath().Symbol(name).Build()

	req := &plc.Request{ReqID: plc.InvalidRequestID}
	req.BuildRequest = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		if pathErr != nil {
			return plc.BadGateway
		}
		offset := win.Start
		var st plc.Status
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, svcReadTag)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, path.WordLen())
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetBytes(win.Buf, win.Capacity, offset, path)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, count)
		if st != plc.OK {
			return st
		}
		win.End = offset
		return plc.OK
	}
	req.ProcessResponse = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		tv, st := parseReadTagReply(win.Buf[win.Start:win.End])
		onResult(tv, st)
		return st
	}
	return req
}

// WriteTagRequest builds a *plc.Request that writes data (already encoded
// for dataType) to tag name, reporting the outcome through onResult.
func WriteTagRequest(name string, dataType uint16, data []byte, onResult func(plc.Status)) *plc.Request {
	path, pathErr := cip.EPath().Symbol(name).Build()
	count := uint16(1)

	req := &plc.Request{ReqID: plc.InvalidRequestID}
	req.BuildRequest = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		if pathErr != nil {
			return plc.BadGateway
		}
		offset := win.Start
		var st plc.Status
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, svcWriteTag)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, path.WordLen())
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetBytes(win.Buf, win.Capacity, offset, path)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, dataType)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetU16LE(win.Buf, win.Capacity, offset, count)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetBytes(win.Buf, win.Capacity, offset, data)
		if st != plc.OK {
			return st
		}
		win.End = offset
		return plc.OK
	}
	req.ProcessResponse = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		st := checkServiceReply(win.Buf[win.Start:win.End], svcWriteTag)
		onResult(st)
		return st
	}
	return req
}

// parseReadTagReply decodes a Read Tag Service reply: service(1) |
// general-status(1) | ext-status-size(1) | ext-status(n*2) |
// data-type(2) | element-data.
func parseReadTagReply(data []byte) (TagValue, plc.Status) {
	if len(data) < 4 {
		return TagValue{}, plc.TooSmall
	}
	service, status, extWords := data[0], data[2], int(data[3])
	if service != svcReadTag|0x80 {
		return TagValue{}, plc.BadGateway
	}
	pos := 4 + extWords*2
	if status != 0 || len(data) < pos+2 {
		return TagValue{}, plc.BadGateway
	}
	dataType := uint16(data[pos]) | uint16(data[pos+1])<<8
	return TagValue{DataType: dataType, Data: data[pos+2:]}, plc.OK
}

func checkServiceReply(data []byte, wantService byte) plc.Status {
	if len(data) < 3 {
		return plc.TooSmall
	}
	if data[0] != wantService|0x80 || data[2] != 0 {
		return plc.BadGateway
	}
	return plc.OK
}
