package plc

// heartbeatCallback re-arms the heartbeat timer and, only when the PLC is
// sitting idle in the dispatcher, re-enters the runner. Re-entering from
// any other state would race the in-flight connect/request/disconnect
// sequence that already owns the next wakeup.
func heartbeatCallback(arg interface{}) {
	p := arg.(*PLC)

	p.mu.Lock()
	if p.dispatching {
		run(p)
	}
	timer := p.heartbeat
	now := p.clock.NowMS()
	p.mu.Unlock()

	if timer != nil {
		timer.WakeAt(now+heartbeatIntervalMS, heartbeatCallback, p)
	}
}
