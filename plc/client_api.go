package plc

// StartRequest enqueues req and, if the PLC is idle, kicks the state
// machine so it is picked up without waiting for the next heartbeat tick.
// Returns Busy if req is already queued (the original C entry point always
// reported OK here regardless of outcome; the queued/duplicate distinction
// is preserved as a real error here instead of being swallowed).
func (p *PLC) StartRequest(req *Request) Status {
	if req == nil {
		return NullPtr
	}

	p.mu.Lock()
	if p.requests.contains(req) {
		p.mu.Unlock()
		return Busy
	}
	req.ReqID = InvalidRequestID
	p.requests.pushBack(req)
	if p.dispatching {
		run(p)
	}
	p.mu.Unlock()
	return OK
}

// StopRequest removes req from the queue, whether or not it has already
// been sent, telling the layer stack to forget it too. Returns NotFound if req was
// not queued (it may already have been answered or was never started).
func (p *PLC) StopRequest(req *Request) Status {
	if req == nil {
		return NullPtr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.requests.remove(req) {
		return NotFound
	}
	if p.topLayer != nil {
		p.topLayer.AbortRequest(req)
	}
	return OK
}

// ModuleInit creates the process-wide registry. Call once at process
// startup.
func ModuleInit() *Registry {
	return NewRegistry()
}

// ModuleTeardown releases every PLC still interned in reg, ignoring
// reference counts: used at process shutdown, not during normal
// operation, where Release is the right call.
func ModuleTeardown(reg *Registry) {
	reg.mu.Lock()
	all := make([]*PLC, 0, len(reg.plcs))
	for _, p := range reg.plcs {
		all = append(all, p)
	}
	reg.plcs = make(map[string]*PLC)
	reg.mu.Unlock()

	for _, p := range all {
		p.destroy()
	}
}
