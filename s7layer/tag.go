package s7layer

import (
	"plcconn/plc"
	"plcconn/s7"
)

const (
	s7AnySpecType = 0x12
	s7AnyLen      = 0x0A
	s7AnySyntaxID = 0x10

	tsBIT   = 0x01
	tsBYTE  = 0x02
	tsWORD  = 0x04
	tsDWORD = 0x06
	tsREAL  = 0x08

	dataItemSuccess = 0xFF

	// ackParamSize is the fixed 2-byte (function, item count) parameter
	// echo on a single-item Read/Write Variable acknowledgement.
	ackParamSize = 2
)

// TagValue is an alias for s7.TagValue so package-local callers and tests
// can refer to it without importing plcconn/s7 directly.
type TagValue = s7.TagValue

// ReadRequest builds a *plc.Request that reads the single address addr
// (e.g. "DB1.DBW0", "MB10", "I0.0") and reports a *s7.TagValue through
// onResult. It is grounded on the S7ANY item encoding and response
// layout of a typical addressToS7Any/parseReadResponse pairing, adapted to
// a single (non-batched) item per frame and the core's BuildRequest/
// ProcessResponse callback pair.
func ReadRequest(addr string, onResult func(*s7.TagValue, plc.Status)) *plc.Request {
	parsed, parseErr := s7.ParseAddress(addr)

	req := &plc.Request{ReqID: plc.InvalidRequestID}
	req.BuildRequest = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		if parseErr != nil {
			return plc.BadGateway
		}
		offset := win.Start
		var st plc.Status
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7FuncRead)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, 1)
		if st != plc.OK {
			return st
		}
		offset, st = writeS7AnyItem(win, offset, parsed)
		if st != plc.OK {
			return st
		}
		win.End = offset
		return plc.OK
	}
	req.ProcessResponse = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		tv, st := parseReadReply(win.Buf[win.Start:win.End], addr, parsed)
		onResult(tv, st)
		return st
	}
	return req
}

// WriteRequest builds a *plc.Request that writes data (already encoded
// big-endian for parsed.DataType) to addr, reporting the outcome through
// onResult.
func WriteRequest(addr string, data []byte, onResult func(plc.Status)) *plc.Request {
	parsed, parseErr := s7.ParseAddress(addr)

	req := &plc.Request{ReqID: plc.InvalidRequestID}
	req.BuildRequest = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		if parseErr != nil {
			return plc.BadGateway
		}
		offset := win.Start
		var st plc.Status
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7FuncWrite)
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, 1)
		if st != plc.OK {
			return st
		}
		offset, st = writeS7AnyItem(win, offset, parsed)
		if st != plc.OK {
			return st
		}

		bitLen := len(data) * 8
		if parsed.BitNum >= 0 {
			bitLen = 1
		}
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, 0) // return code placeholder
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetByte(win.Buf, win.Capacity, offset, transportSizeFor(parsed))
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, uint16(bitLen))
		if st != plc.OK {
			return st
		}
		offset, st = plc.SetBytes(win.Buf, win.Capacity, offset, data)
		if st != plc.OK {
			return st
		}
		if len(data)%2 == 1 {
			offset, st = plc.SetByte(win.Buf, win.Capacity, offset, 0)
			if st != plc.OK {
				return st
			}
		}

		win.End = offset
		return plc.OK
	}
	req.ProcessResponse = func(ctx interface{}, win *plc.Window, reqID plc.RequestID) plc.Status {
		st := parseWriteReply(win.Buf[win.Start:win.End])
		onResult(st)
		return st
	}
	return req
}

func writeS7AnyItem(win *plc.Window, offset int, addr *s7.Address) (int, plc.Status) {
	var areaCode byte
	switch addr.Area {
	case s7.AreaI:
		areaCode = 0x81
	case s7.AreaQ:
		areaCode = 0x82
	case s7.AreaM:
		areaCode = 0x83
	case s7.AreaDB:
		areaCode = 0x84
	case s7.AreaT:
		areaCode = 0x1D
	case s7.AreaC:
		areaCode = 0x1C
	default:
		areaCode = 0x84
	}

	count := addr.Size
	if addr.BitNum >= 0 {
		count = 1
	}
	if count == 0 {
		count = 1
	}

	bitAddr := addr.Offset * 8
	if addr.BitNum >= 0 {
		bitAddr += addr.BitNum
	}

	dbNumber := addr.DBNumber
	if addr.Area != s7.AreaDB {
		dbNumber = 0
	}

	var st plc.Status
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7AnySpecType)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7AnyLen)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, s7AnySyntaxID)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, transportSizeFor(addr))
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, uint16(count))
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetU16BE(win.Buf, win.Capacity, offset, uint16(dbNumber))
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, areaCode)
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, byte(bitAddr>>16))
	if st != plc.OK {
		return offset, st
	}
	offset, st = plc.SetByte(win.Buf, win.Capacity, offset, byte(bitAddr>>8))
	if st != plc.OK {
		return offset, st
	}
	return plc.SetByte(win.Buf, win.Capacity, offset, byte(bitAddr))
}

func transportSizeFor(addr *s7.Address) byte {
	if addr.BitNum >= 0 {
		return tsBIT
	}
	baseType := addr.DataType &^ 0x1000
	switch baseType {
	case s7.TypeBool:
		return tsBIT
	case s7.TypeByte, s7.TypeSInt, s7.TypeChar:
		return tsBYTE
	case s7.TypeWord, s7.TypeInt, s7.TypeDate, s7.TypeWChar:
		return tsWORD
	case s7.TypeDWord, s7.TypeDInt, s7.TypeTime, s7.TypeTimeOfDay:
		return tsDWORD
	case s7.TypeReal:
		return tsREAL
	default:
		return tsBYTE
	}
}

// parseReadReply decodes a single-item Read Variable reply: a 2-byte
// (function, item count) parameter echo, then one data item (return
// code, transport size, bit length, value bytes).
func parseReadReply(body []byte, name string, addr *s7.Address) (*s7.TagValue, plc.Status) {
	if len(body) < ackParamSize+4 {
		return nil, plc.TooSmall
	}
	item := body[ackParamSize:]

	returnCode := item[0]
	if returnCode != dataItemSuccess {
		return &s7.TagValue{Name: name}, plc.BadGateway
	}

	transportSize := item[1]
	bitLen := uint16(item[2])<<8 | uint16(item[3])

	var byteLen int
	switch transportSize {
	case tsBIT:
		byteLen = 1
	default:
		byteLen = int((bitLen + 7) / 8)
	}
	if len(item) < 4+byteLen {
		return nil, plc.TooSmall
	}

	bitNum := -1
	dataType := uint16(0)
	if addr != nil {
		bitNum = addr.BitNum
		dataType = addr.DataType
	}

	return &s7.TagValue{
		Name:     name,
		DataType: dataType,
		Bytes:    append([]byte(nil), item[4:4+byteLen]...),
		BitNum:   bitNum,
		Count:    1,
	}, plc.OK
}

// parseWriteReply decodes a single-item Write Variable reply: the same
// 2-byte parameter echo, followed by a single return-code byte.
func parseWriteReply(body []byte) plc.Status {
	if len(body) < ackParamSize+1 {
		return plc.TooSmall
	}
	if body[ackParamSize] != dataItemSuccess {
		return plc.BadGateway
	}
	return plc.OK
}
