// Package dispatch implements the dispatch registry (C10): a
// key-extractor feeding a per-key ordered handler chain, falling back to
// a global handler chain when no key-specific entry exists.
package dispatch

// Outcome is a handler's verdict. Distinct named values replace the
// magic −2/−1/0/1 integers spec.md §4.10 describes, matching how
// internal/security's Decision and internal/conntable's TLSState favor
// tagged enums over raw ints throughout this codebase.
type Outcome int

const (
	// Close: close the connection unconditionally.
	Close Outcome = iota
	// FailKeepOpen: this handler failed but the connection stays open.
	FailKeepOpen
	// Deferred: hand off to the worker pool; dispatch suspends on this
	// fd until the worker posts a completion.
	Deferred
	// Ok: handled successfully inline; the chain continues with the
	// next handler for this key.
	Ok
)

// Request is the minimal view a handler and key extractor need,
// independent of whether the underlying protocol is TCP, HTTP, or WS.
type Request struct {
	Key     string
	Payload []byte
	Context map[string]any
}

// KeyExtractor inspects a parsed request and returns the dispatch key.
// The registry has no per-protocol default: with no extractor set, a
// request whose Key is empty is dispatched under the empty key (or the
// fallback). The reactor presets Key to the location path for HTTP
// requests only; TCP and WS requests arrive with an empty Key.
type KeyExtractor func(req *Request) string

// Handler executes one step of a key's chain.
type Handler func(req *Request) Outcome

// Registry is the dispatch registry (C10).
type Registry struct {
	extractor KeyExtractor
	handlers  map[string][]Handler
	fallback  []Handler
	onDeny    func(req *Request)
}

// New builds a Registry using extractor to derive dispatch keys.
func New(extractor KeyExtractor) *Registry {
	return &Registry{
		extractor: extractor,
		handlers:  make(map[string][]Handler),
	}
}

// On registers a handler chain under key, appended in call order.
func (r *Registry) On(key string, handlers ...Handler) {
	r.handlers[key] = append(r.handlers[key], handlers...)
}

// Fallback registers the global handler chain, run when no key-specific
// entry matches.
func (r *Registry) Fallback(handlers ...Handler) {
	r.fallback = append(r.fallback, handlers...)
}

// OnSecurityViolation registers the callback invoked exactly once when
// the security gate returns CLOSE for a request-stage decision.
func (r *Registry) OnSecurityViolation(fn func(req *Request)) {
	r.onDeny = fn
}

// SecurityViolation invokes the registered callback, if any.
func (r *Registry) SecurityViolation(req *Request) {
	if r.onDeny != nil {
		r.onDeny(req)
	}
}

// Dispatch derives req's key via the extractor (if Key is not already
// set), looks up its handler chain, and runs it in registration order,
// short-circuiting on any non-Ok outcome. Falls back to the global chain
// when no key-specific entry exists.
func (r *Registry) Dispatch(req *Request) Outcome {
	if req.Key == "" && r.extractor != nil {
		req.Key = r.extractor(req)
	}

	if chain, ok := r.handlers[req.Key]; ok {
		return runChain(chain, req)
	}
	return runChain(r.fallback, req)
}

func runChain(chain []Handler, req *Request) Outcome {
	for _, h := range chain {
		outcome := h(req)
		if outcome != Ok {
			return outcome
		}
	}
	return Ok
}
