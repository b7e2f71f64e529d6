package plc

// RequestID is the core-internal monotonic token minted by the innermost
// layer during ReserveSpace and echoed by the response for demuxing. It is
// opaque to the core: the core only ever compares it for equality against
// the head of the request queue.
type RequestID int64

// InvalidRequestID is the sentinel value for "not yet assigned".
const InvalidRequestID RequestID = -1

// Layer is the capability contract every stratum of the on-wire protocol
// stack implements. A layer chain is a singly linked list
// rooted at the PLC's top layer; "top" is the outermost/link-level
// wrapper, the innermost is the application protocol. Order is fixed at
// construction time by the family-specific builder (SetLayers).
//
// Every operation recursively delegates to Next() after doing its own
// work: outer layers reserve/build their framing first and consume inbound
// framing first, inner layers fill the payload last and see inbound bytes
// only after the outer layers have stripped their framing.
type Layer interface {
	// Next returns the next layer inward, or nil if this is the
	// innermost (application) layer.
	Next() Layer

	// Initialize resets this layer's per-connection state, then the rest
	// of the chain. Called on PLC construction and on Reset.
	Initialize() Status

	// Connect emits the next connect-handshake frame into the window,
	// narrowing win.Start/win.End to the bytes produced. Returns OK once
	// this layer (and everything inward) considers itself connected,
	// Pending if there are handshake bytes to send, or an error.
	Connect(win *Window) Status

	// Disconnect is symmetric to Connect.
	Disconnect(win *Window) Status

	// ReserveSpace shrinks the window past this layer's header/trailer
	// reservation before delegating inward; the innermost layer mints a
	// fresh RequestID and returns it back up the chain.
	ReserveSpace(win *Window, reqID *RequestID) Status

	// AcceptRequests is an optional batching hook: a layer may claim a
	// run of requests from the PLC's queue itself instead of letting the
	// core hand them one at a time. Layers that don't participate return
	// OK without touching requests.
	AcceptRequests(requests *[]*Request) Status

	// AbortRequest tells a layer to forget a request it may have
	// enqueued internally (used on stop_request / cancellation).
	AbortRequest(req *Request)

	// BuildLayer fills in this layer's headers/trailers once the inner
	// content is known, after inner content has been produced by
	// Request.BuildRequest calls. Returns OK when the frame is complete
	// (send now), Pending if more requests may still be batched in, or
	// an error (TooSmall if the header doesn't fit the remaining
	// window).
	BuildLayer(win *Window, reqID *RequestID) Status

	// ProcessResponse strips this layer's framing from received bytes,
	// narrowing the window to the inner content and delegating inward.
	// Returns OK once fully decoded (reqID is the matched request),
	// Partial if more bytes are needed off the wire, Retry if a
	// multi-step handshake needs another round trip, Pending if more
	// batched sub-frames remain in this buffer, or an error.
	ProcessResponse(win *Window, reqID *RequestID) Status

	// DestroyLayer releases any resources the layer holds. Errors are
	// not actionable at this point and are only logged by the caller.
	DestroyLayer()
}
