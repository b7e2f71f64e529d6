package plc

import "plcconn/plclog"

// run executes state transitions until the machine must wait for an
// external event (OK) or has become terminal. Callers must hold p.mu.
// Mirrors plc_state_runner in the original core: "loop until we end up
// waiting for something."
func run(p *PLC) {
	for p.currentState != nil {
		st := p.currentState(p)
		if st == Pending {
			continue
		}
		if st != OK {
			plclog.DebugLog("core", "unexpected error %s from state for PLC %s, forcing reset+backoff", st, p.key)
			resetOnError(p, true, "unexpected state error")
		}
		return
	}
}

// callRunner locks the PLC and runs it to its next suspend point. This is
// the one entry point socket/timer callbacks and client calls funnel
// through.
func callRunner(p *PLC) {
	p.mu.Lock()
	run(p)
	p.mu.Unlock()
}

// disconnectOnError bumps the retry backoff and routes to the disconnect
// track, returning true when cond held; the caller then returns Pending so
// the runner loop continues straight into state_start_disconnect without
// waiting for another wakeup. Used for errors discovered while still
// nominally connected.
func disconnectOnError(p *PLC, cond bool, reason string) bool {
	if !cond {
		return false
	}
	plclog.DebugLog("core", "%s: %s, retry in %dms", p.key, reason, nextBackoff(p))
	p.currentState = stateStartDisconnect
	return true
}

// resetOnError tears the connection down immediately (closing the socket,
// reinitializing layers) and returns to the dispatcher, returning true when
// cond held; the caller then returns OK so the runner suspends and waits
// for the next heartbeat tick to retry.
// Used for errors discovered mid-recovery, where a graceful disconnect
// handshake isn't meaningful.
func resetOnError(p *PLC, cond bool, reason string) bool {
	if !cond {
		return false
	}
	plclog.DebugLog("core", "%s: %s, retry in %dms", p.key, reason, nextBackoff(p))
	resetLocked(p)
	p.currentState = stateDispatchRequests
	return true
}

// nextBackoff doubles retryIntervalMS (capped) and arms nextRetryTime,
// returning the new interval for logging.
func nextBackoff(p *PLC) int {
	p.retryIntervalMS *= 2
	if p.retryIntervalMS > maxRetryIntervalMS {
		p.retryIntervalMS = maxRetryIntervalMS
	}
	p.nextRetryTime = p.clock.NowMS() + int64(p.retryIntervalMS)
	return p.retryIntervalMS
}

// checkTermination routes to the dispatcher (which will itself notice
// isTerminating and push on to disconnect/terminate) whenever a
// mid-sequence state notices the soft termination signal.
func checkTermination(p *PLC) bool {
	if !p.isTerminating {
		return false
	}
	p.currentState = stateDispatchRequests
	return true
}

// --- dispatch track ---

func stateDispatchRequests(p *PLC) Status {
	p.dispatching = false
	now := p.clock.NowMS()

	if p.isTerminating {
		if p.isConnected {
			p.currentState = stateStartDisconnect
			return Pending
		}
		p.currentState = stateTerminate
		return OK
	}

	if p.isConnected && p.nextIdleTimeout < now {
		p.currentState = stateStartDisconnect
		return Pending
	}

	if p.nextRetryTime > now {
		p.dispatching = true
		return OK
	}

	if !p.requests.empty() {
		if !p.isConnected {
			p.currentState = stateStartConnect
			return Pending
		}
		p.currentState = stateReserveSpaceForRequest
		return Pending
	}

	p.currentState = stateDispatchRequests
	p.dispatching = true
	return OK
}

func stateReserveSpaceForRequest(p *PLC) Status {
	win := Window{Buf: p.buffer, Capacity: p.dataCapacity}
	reqID := InvalidRequestID

	st := p.topLayer.ReserveSpace(&win, &reqID)
	if disconnectOnError(p, st != OK, "error reserving space for request") {
		return Pending
	}

	p.payloadStart = win.Start
	p.payloadEnd = win.End
	p.currentReqID = reqID

	p.currentState = stateBuildRequest
	return Pending
}

func stateBuildRequest(p *PLC) Status {
	if checkTermination(p) {
		return Pending
	}

	current := p.requests.front()
	if current == nil {
		p.currentState = stateDispatchRequests
		return Pending
	}

	win := Window{Buf: p.buffer, Capacity: p.dataCapacity, Start: p.payloadStart, End: p.payloadStart}
	reqID := p.currentReqID
	firstTry := true

	for {
		if current == nil {
			break
		}

		priorEnd := win.End
		st := current.BuildRequest(current.Context, &win, reqID)

		if st == TooSmall {
			if disconnectOnError(p, firstTry, "single request does not fit in the buffer") {
				return Pending
			}
			win.End = priorEnd
			break
		}
		if disconnectOnError(p, st != OK, "error building request") {
			return Pending
		}

		firstTry = false
		current.ReqID = reqID

		st = p.topLayer.BuildLayer(&win, &reqID)
		if disconnectOnError(p, st != OK && st != Pending, "error building request layers") {
			return Pending
		}

		if st == OK {
			break
		}

		current = current.next
	}

	if checkTermination(p) {
		return Pending
	}

	p.payloadEnd = win.End
	p.currentState = stateRequestSent

	st := p.sock.CallbackWhenWriteDone(socketCallback, p, p.buffer[:p.dataCapacity], &p.payloadEnd)
	if disconnectOnError(p, st != OK, "error setting up write completion callback") {
		return Pending
	}
	return OK
}

func stateRequestSent(p *PLC) Status {
	st := p.sock.Status()
	if st == Pending {
		return OK // spurious wakeup
	}
	if disconnectOnError(p, st != OK, "error writing request socket") {
		return Pending
	}

	win := Window{Buf: p.buffer, Capacity: p.dataCapacity}
	reqID := InvalidRequestID
	st = p.topLayer.ReserveSpace(&win, &reqID)
	if disconnectOnError(p, st != OK, "error reserving space for response") {
		return Pending
	}

	p.currentState = stateResponseReady
	p.payloadStart, p.payloadEnd = 0, 0

	st = p.sock.CallbackWhenReadDone(socketCallback, p, p.buffer, p.dataCapacity, &p.payloadEnd)
	if disconnectOnError(p, st != OK, "error setting up response read callback") {
		return Pending
	}
	return OK
}

func stateResponseReady(p *PLC) Status {
	if checkTermination(p) {
		return Pending
	}

	st := p.sock.Status()
	if st == Pending {
		return OK
	}
	if disconnectOnError(p, st != OK, "error reading response socket") {
		return Pending
	}

	win := Window{Buf: p.buffer, Capacity: p.dataCapacity, End: p.payloadEnd}
	reqID := InvalidRequestID
	st = p.topLayer.ProcessResponse(&win, &reqID)
	if disconnectOnError(p, st != OK && st != Partial && st != Pending, "error decoding response") {
		return Pending
	}

	if st == Partial {
		p.currentState = stateResponseReady
		st = p.sock.CallbackWhenReadDone(socketCallback, p, p.buffer, p.dataCapacity, &p.payloadEnd)
		if disconnectOnError(p, st != OK, "error re-arming response read") {
			return Pending
		}
		return OK
	}

	moreBatched := st == Pending

	if !p.requests.empty() {
		head := p.requests.front()
		if reqID == head.ReqID {
			p.requests.popFront()
			st = head.ProcessResponse(head.Context, &win, reqID)
			if disconnectOnError(p, st != OK, "error processing response for request") {
				return Pending
			}
		} else {
			plclog.DebugLog("core", "%s: dropping response for abandoned request (got %d, want %d)", p.key, reqID, head.ReqID)
		}
	}

	// A layer chain may batch several sub-responses into one buffered
	// read; moreBatched means the bytes for the next one are already in
	// hand, so re-enter directly instead of waiting on another read.
	if moreBatched {
		p.currentState = stateResponseReady
		return Pending
	}

	now := p.clock.NowMS()
	p.nextIdleTimeout = now + int64(p.idleTimeoutMS)
	p.retryIntervalMS = minRetryIntervalMS

	p.currentState = stateDispatchRequests
	return Pending
}

// --- connect track ---

func stateStartConnect(p *PLC) Status {
	if checkTermination(p) {
		return Pending
	}
	now := p.clock.NowMS()
	if p.nextRetryTime > now {
		p.currentState = stateDispatchRequests
		return Pending
	}
	if p.isConnected {
		p.currentState = stateDispatchRequests
		return Pending
	}

	if p.sock == nil {
		p.sock = p.sockFac.NewSocket()
		if p.sock == nil {
			if resetOnError(p, true, "failed to create socket") {
				return OK
			}
		}
	}

	st := p.topLayer.Initialize()
	if disconnectOnError(p, st != OK, "error initializing layers") {
		return Pending
	}

	p.currentState = stateBuildConnectRequest
	st = p.sock.CallbackWhenConnectionReady(socketCallback, p, p.host, p.port)
	if disconnectOnError(p, st != OK, "unable to start background socket connection") {
		return Pending
	}
	return OK
}

func stateBuildConnectRequest(p *PLC) Status {
	if checkTermination(p) {
		return Pending
	}

	st := p.sock.Status()
	if st == Pending {
		return OK
	}
	if disconnectOnError(p, st != OK, "connection failed") {
		return Pending
	}

	p.payloadStart, p.payloadEnd = 0, 0
	win := Window{Buf: p.buffer, Capacity: p.dataCapacity}

	st = p.topLayer.Connect(&win)
	if disconnectOnError(p, st != OK && st != Pending, "error preparing connect attempt") {
		return Pending
	}

	if st == OK {
		p.isConnected = true
		now := p.clock.NowMS()
		p.nextIdleTimeout = now + int64(p.idleTimeoutMS)
		p.currentState = stateDispatchRequests
		return Pending
	}

	reqID := InvalidRequestID
	st = p.topLayer.BuildLayer(&win, &reqID)
	if disconnectOnError(p, st != OK && st != Pending, "error fixing up layers for connect attempt") {
		return Pending
	}

	p.payloadStart, p.payloadEnd = win.Start, win.End
	p.currentState = stateConnectRequestSent
	st = p.sock.CallbackWhenWriteDone(socketCallback, p, p.buffer, &p.payloadEnd)
	if disconnectOnError(p, st != OK, "error setting up write callback for connect attempt") {
		return Pending
	}
	return OK
}

func stateConnectRequestSent(p *PLC) Status {
	if checkTermination(p) {
		return Pending
	}

	st := p.sock.Status()
	if st == Pending {
		return OK
	}
	if disconnectOnError(p, st != OK, "connection request write failed") {
		return Pending
	}

	p.payloadStart, p.payloadEnd = 0, 0
	p.currentState = stateConnectResponseReady
	st = p.sock.CallbackWhenReadDone(socketCallback, p, p.buffer, p.dataCapacity, &p.payloadEnd)
	if disconnectOnError(p, st != OK, "error setting up read callback for connect response") {
		return Pending
	}
	return OK
}

func stateConnectResponseReady(p *PLC) Status {
	if checkTermination(p) {
		return Pending
	}

	st := p.sock.Status()
	if st == Pending {
		return OK
	}
	if disconnectOnError(p, st != OK, "connection response read failed") {
		return Pending
	}

	win := Window{Buf: p.buffer, Capacity: p.dataCapacity, End: p.payloadEnd}
	reqID := InvalidRequestID
	st = p.topLayer.ProcessResponse(&win, &reqID)

	if st == Partial {
		// Re-arm the read; its callback re-enters this state.
		st = p.sock.CallbackWhenReadDone(socketCallback, p, p.buffer, p.dataCapacity, &p.payloadEnd)
		if disconnectOnError(p, st != OK, "error re-arming connect response read") {
			return Pending
		}
		return OK
	}
	if st == Retry {
		p.currentState = stateBuildConnectRequest
		return Pending
	}
	if disconnectOnError(p, st != OK, "error processing connect response layers") {
		return Pending
	}
	// st == OK here only means this round of bytes decoded cleanly; the
	// overall handshake isn't done until Connect itself reports OK, so
	// go back and let the stack decide whether another round is needed.
	p.currentState = stateBuildConnectRequest
	return Pending
}

// --- disconnect track ---

func stateStartDisconnect(p *PLC) Status {
	if !p.isConnected {
		p.currentState = stateDispatchRequests
		return Pending
	}

	p.payloadStart, p.payloadEnd = 0, 0
	p.currentState = stateBuildDisconnectRequest
	return Pending
}

func stateBuildDisconnectRequest(p *PLC) Status {
	win := Window{Buf: p.buffer, Capacity: p.dataCapacity}

	st := p.topLayer.Disconnect(&win)
	if resetOnError(p, st != OK && st != Pending, "error preparing layers for disconnect") {
		return OK
	}

	if st == OK {
		p.isConnected = false
		if p.sock != nil {
			p.sock.Close()
		}
		p.currentState = stateDispatchRequests
		return Pending
	}

	reqID := InvalidRequestID
	st = p.topLayer.BuildLayer(&win, &reqID)
	if resetOnError(p, st != OK, "error fixing up layers for disconnect") {
		return OK
	}

	p.payloadStart, p.payloadEnd = win.Start, win.End
	p.currentState = stateDisconnectRequestSent
	st = p.sock.CallbackWhenWriteDone(socketCallback, p, p.buffer, &p.payloadEnd)
	if resetOnError(p, st != OK, "error setting up write callback for disconnect") {
		return OK
	}
	return OK
}

func stateDisconnectRequestSent(p *PLC) Status {
	st := p.sock.Status()
	if st == Pending {
		return OK
	}
	if resetOnError(p, st != OK, "disconnect request write failed") {
		return OK
	}

	p.payloadStart, p.payloadEnd = 0, 0
	p.currentState = stateDisconnectResponseReady
	st = p.sock.CallbackWhenReadDone(socketCallback, p, p.buffer, p.dataCapacity, &p.payloadEnd)
	if resetOnError(p, st != OK, "error setting up read callback for disconnect response") {
		return OK
	}
	return OK
}

func stateDisconnectResponseReady(p *PLC) Status {
	st := p.sock.Status()
	if st == Pending {
		return OK
	}
	if resetOnError(p, st != OK, "disconnect request read failed") {
		return OK
	}

	win := Window{Buf: p.buffer, Capacity: p.dataCapacity, End: p.payloadEnd}
	reqID := InvalidRequestID
	st = p.topLayer.ProcessResponse(&win, &reqID)

	if st == Partial {
		p.currentState = stateDisconnectResponseReady
		st = p.sock.CallbackWhenReadDone(socketCallback, p, p.buffer, p.dataCapacity, &p.payloadEnd)
		if resetOnError(p, st != OK, "error re-arming disconnect response read") {
			return OK
		}
		return OK
	}

	if resetOnError(p, st != OK && st != Pending, "error processing disconnect response layers") {
		return OK
	}

	if st == Pending {
		p.currentState = stateBuildDisconnectRequest
		return Pending
	}

	p.isConnected = false
	if p.sock != nil {
		p.sock.Close()
	}
	p.currentState = stateDispatchRequests
	return Pending
}

// --- terminal ---

func stateTerminate(p *PLC) Status {
	return OK
}

// socketCallback is the completion callback handed to every Socket
// registration. It re-enters the runner under the PLC lock, exactly like
// every other wakeup source.
func socketCallback(arg interface{}) {
	p := arg.(*PLC)
	callRunner(p)
}
