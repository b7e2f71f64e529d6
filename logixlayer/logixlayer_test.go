package logixlayer

import (
	"encoding/binary"
	"testing"

	"plcconn/plc"
)

func TestSessionConnectBuildsRegisterSessionFrame(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}}
	win := &plc.Window{Buf: make([]byte, 64), Capacity: 64}

	st := s.Connect(win)
	if st != plc.Pending {
		t.Fatalf("Connect = %v, want Pending", st)
	}
	if win.End != 28 {
		t.Fatalf("built frame length = %d, want 28", win.End)
	}

	command := binary.LittleEndian.Uint16(win.Buf[0:2])
	if command != cmdRegisterSession {
		t.Errorf("command = %#x, want %#x", command, cmdRegisterSession)
	}
	length := binary.LittleEndian.Uint16(win.Buf[2:4])
	if length != 4 {
		t.Errorf("length = %d, want 4", length)
	}
}

func TestSessionConnectReturnsOKOnceHandleIsSet(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}, sessionHandle: 0x1234}
	win := &plc.Window{Buf: make([]byte, 64), Capacity: 64}

	if st := s.Connect(win); st != plc.OK {
		t.Fatalf("Connect = %v, want OK", st)
	}
}

func TestSessionProcessResponseParsesRegisterSessionReply(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}}

	buf := make([]byte, 64)
	binary.LittleEndian.PutUint16(buf[0:2], cmdRegisterSession)
	binary.LittleEndian.PutUint16(buf[2:4], 4)
	binary.LittleEndian.PutUint32(buf[4:8], 0xCAFEBABE) // session handle in the reply
	binary.LittleEndian.PutUint32(buf[8:12], 0)          // status
	// context (8 bytes) + options (4 bytes) left zero
	binary.LittleEndian.PutUint16(buf[24:26], 1) // protocol version
	binary.LittleEndian.PutUint16(buf[26:28], 0) // option flags

	win := &plc.Window{Buf: buf, Capacity: 64, End: 28}
	var reqID plc.RequestID
	st := s.ProcessResponse(win, &reqID)
	if st != plc.OK {
		t.Fatalf("ProcessResponse = %v, want OK", st)
	}
	if s.sessionHandle != 0xCAFEBABE {
		t.Errorf("sessionHandle = %#x, want 0xCAFEBABE", s.sessionHandle)
	}
}

func TestSessionProcessResponseReportsPartialOnShortFrame(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}}
	win := &plc.Window{Buf: make([]byte, 64), Capacity: 64, End: 10}

	var reqID plc.RequestID
	if st := s.ProcessResponse(win, &reqID); st != plc.Partial {
		t.Fatalf("ProcessResponse = %v, want Partial", st)
	}
}

func TestSessionProcessResponseRejectsNonzeroStatus(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}}

	buf := make([]byte, 28)
	binary.LittleEndian.PutUint16(buf[0:2], cmdRegisterSession)
	binary.LittleEndian.PutUint16(buf[2:4], 4)
	binary.LittleEndian.PutUint32(buf[8:12], 1) // nonzero status

	win := &plc.Window{Buf: buf, Capacity: 28, End: 28}
	var reqID plc.RequestID
	if st := s.ProcessResponse(win, &reqID); st != plc.BadGateway {
		t.Fatalf("ProcessResponse = %v, want BadGateway", st)
	}
}

func TestSessionDisconnectIsImmediate(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}, sessionHandle: 42}
	win := &plc.Window{Buf: make([]byte, 16), Capacity: 16}

	if st := s.Disconnect(win); st != plc.OK {
		t.Fatalf("Disconnect = %v, want OK", st)
	}
	if s.sessionHandle != 0 {
		t.Errorf("sessionHandle = %#x, want 0 after Disconnect", s.sessionHandle)
	}
}

func TestReserveSpaceMintsIncreasingRequestIDs(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}}
	_ = s.Initialize()

	win := &plc.Window{Buf: make([]byte, 256), Capacity: 256}
	var first, second plc.RequestID
	win.Start = 0
	if st := s.ReserveSpace(win, &first); st != plc.OK {
		t.Fatalf("first ReserveSpace = %v", st)
	}
	// Past the encapsulation and CPF headers, the Multiple Service Packet
	// service/path/count fields and the full offset table.
	wantStart := encapHeaderSize + cipHeaderSize + 2 + len(messageRouterPath) + 2 + maxBatchServices*2
	if win.Start != wantStart {
		t.Fatalf("win.Start = %d, want %d", win.Start, wantStart)
	}

	win.Start = 0
	if st := s.ReserveSpace(win, &second); st != plc.OK {
		t.Fatalf("second ReserveSpace = %v", st)
	}
	if second == first {
		t.Errorf("expected distinct request IDs, got %d twice", first)
	}
}

func TestBuildAndProcessTagRequestRoundTrip(t *testing.T) {
	s := &sessionLayer{inner: &cipLayer{}, sessionHandle: 7}
	cipInner := s.inner
	_ = s.Initialize()
	s.sessionHandle = 7 // Initialize clears it; this test only exercises request framing

	win := &plc.Window{Buf: make([]byte, 256), Capacity: 256}
	var reqID plc.RequestID
	if st := s.ReserveSpace(win, &reqID); st != plc.OK {
		t.Fatalf("ReserveSpace = %v", st)
	}

	var got TagValue
	var gotStatus plc.Status
	req := ReadTagRequest("Counter1", 1, func(tv TagValue, st plc.Status) {
		got, gotStatus = tv, st
	})
	if st := req.BuildRequest(req.Context, win, reqID); st != plc.OK {
		t.Fatalf("BuildRequest = %v", st)
	}

	// One service leaves room for more in the batch, so the frame is
	// complete but BuildLayer still reports Pending.
	if st := s.BuildLayer(win, &reqID); st != plc.Pending {
		t.Fatalf("BuildLayer = %v, want Pending", st)
	}

	total := win.End
	if total <= encapHeaderSize+cipHeaderSize {
		t.Fatalf("expected content past both headers, total = %d", total)
	}
	if cipInner.headerOffset != encapHeaderSize {
		t.Errorf("cip headerOffset = %d, want %d", cipInner.headerOffset, encapHeaderSize)
	}

	// Simulate a Multiple Service Packet reply carrying one Read Tag Service
	// reply, wrapped in the same framing, and feed it back through
	// ProcessResponse for the demux round trip.
	reply := make([]byte, 256)
	copy(reply, win.Buf[:total])

	replyCIPOffset := encapHeaderSize + 6 + 2 + 4 // interfaceHandle+timeout, itemCount, null addr item
	replyCIPOffset += 4                           // unconnected data item header
	serviceReply := []byte{
		svcMultipleServicePacket | 0x80, 0, 0, 0, // service reply, reserved, status, ext status size
		1, 0, 4, 0, // one sub-reply, 4 bytes past the service count
		svcReadTag | 0x80, 0, 0, 0, byte(0xC4), 0, 42, 0, 0, 0,
	}
	cpfDataLen := copy(reply[replyCIPOffset:], serviceReply)

	// Fill in the EIP length and CPF item length fields to match the
	// actual reply body built above. unconnectedDataItemOffset is where
	// the data item's type/length header sits, after interfaceHandle(4)+
	// timeout(2)+itemCount(2)+null addr item(4).
	unconnectedDataItemOffset := encapHeaderSize + 4 + 2 + 2 + 4
	binary.LittleEndian.PutUint16(reply[unconnectedDataItemOffset+2:unconnectedDataItemOffset+4], uint16(cpfDataLen))
	binary.LittleEndian.PutUint16(reply[2:4], uint16(6+2+4+4+cpfDataLen))
	binary.LittleEndian.PutUint64(reply[12:20], uint64(reqID))

	replyWin := &plc.Window{Buf: reply, Capacity: 256, End: encapHeaderSize + 6 + 2 + 4 + 4 + cpfDataLen}
	var demuxed plc.RequestID
	if st := s.ProcessResponse(replyWin, &demuxed); st != plc.OK {
		t.Fatalf("ProcessResponse = %v", st)
	}
	if demuxed != reqID {
		t.Fatalf("demuxed reqID = %d, want %d", demuxed, reqID)
	}

	if st := req.ProcessResponse(req.Context, replyWin, demuxed); st != plc.OK {
		t.Fatalf("request ProcessResponse = %v", st)
	}
	if gotStatus != plc.OK {
		t.Fatalf("onResult status = %v, want OK", gotStatus)
	}
	if got.DataType != 0xC4 {
		t.Errorf("DataType = %#x, want 0xc4", got.DataType)
	}
	if len(got.Data) != 4 {
		t.Errorf("Data length = %d, want 4", len(got.Data))
	}
}
