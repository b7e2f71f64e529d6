package plc

// Request holds one client's pending read/write and its demux callbacks.
// Invariant: a request is on exactly one PLC's queue between StartRequest
// and either successful response delivery or StopRequest.
type Request struct {
	// Context is opaque client state passed back into BuildRequest and
	// ProcessResponse.
	Context interface{}

	// ReqID is InvalidRequestID until ReserveSpace mints one for the
	// frame this request ends up batched into.
	ReqID RequestID

	// BuildRequest fills the request's payload into the window at
	// buildTime. Signature matches the layer contract: it narrows
	// win.Start/win.End to the bytes it wrote.
	BuildRequest func(ctx interface{}, win *Window, reqID RequestID) Status

	// ProcessResponse is invoked once with the demuxed response bytes
	// for this request, or never if the request is stopped first.
	ProcessResponse func(ctx interface{}, win *Window, reqID RequestID) Status

	next *Request
}

// requestQueue is the PLC's FIFO of pending requests: a singly linked list
// with a tail pointer for O(1) append. The original C list is singly linked
// with tail-append via walking pointers; only the append cost, not removal
// cost, is load-bearing here.
type requestQueue struct {
	head *Request
	tail *Request
	n    int
}

func (q *requestQueue) empty() bool {
	return q.head == nil
}

func (q *requestQueue) len() int {
	return q.n
}

func (q *requestQueue) pushBack(r *Request) {
	r.next = nil
	if q.tail == nil {
		q.head = r
		q.tail = r
	} else {
		q.tail.next = r
		q.tail = r
	}
	q.n++
}

func (q *requestQueue) front() *Request {
	return q.head
}

// popFront removes and returns the head of the queue.
func (q *requestQueue) popFront() *Request {
	r := q.head
	if r == nil {
		return nil
	}
	q.head = r.next
	if q.head == nil {
		q.tail = nil
	}
	r.next = nil
	q.n--
	return r
}

// contains reports whether r is currently queued, used by StartRequest to
// make re-submission idempotent-failing (BUSY) rather than duplicating an
// entry.
func (q *requestQueue) contains(r *Request) bool {
	for cur := q.head; cur != nil; cur = cur.next {
		if cur == r {
			return true
		}
	}
	return false
}

// remove deletes r from the queue if present, returning true if it was
// found and removed. Used by StopRequest.
func (q *requestQueue) remove(r *Request) bool {
	var prev *Request
	for cur := q.head; cur != nil; prev, cur = cur, cur.next {
		if cur != r {
			continue
		}
		if prev == nil {
			q.head = cur.next
		} else {
			prev.next = cur.next
		}
		if cur == q.tail {
			q.tail = prev
		}
		cur.next = nil
		q.n--
		return true
	}
	return false
}
