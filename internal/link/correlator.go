package link

import (
	"sync"
	"time"

	"github.com/meshcommons/meshlink/internal/radio"
)

// RequestID identifies one submitted request, unique for the manager's
// lifetime.
type RequestID uint64

// Matcher decides whether an inbound envelope answers a pending request.
// Matchers are supplied at submission time and typically check the source
// node number plus the payload discriminant.
type Matcher func(env *radio.Envelope) bool

// Result resolves a pending request: Envelope on success, Err on timeout
// or link loss. Exactly one Result is delivered per request.
type Result struct {
	ID       RequestID
	Label    string
	Envelope *radio.Envelope
	Err      error
}

// OK reports whether the request was fulfilled by a reply.
func (r Result) OK() bool { return r.Err == nil }

type pendingRequest struct {
	id        RequestID
	label     string
	match     Matcher
	submitted time.Time
	deadline  time.Time
	ch        chan Result
}

// Correlator matches asynchronous replies to previously issued requests.
// Pending entries are held FIFO by submission order: when two requests
// could both match a reply, the older one wins. Requests are never retried
// here; retry policy belongs to the caller.
type Correlator struct {
	clock     Clock
	onResolve func(Result)

	mu      sync.Mutex
	nextID  RequestID
	pending []*pendingRequest
}

// NewCorrelator builds a Correlator. onResolve, when non-nil, observes
// every resolution (the manager uses it to publish request-completed
// events); it must not block.
func NewCorrelator(clock Clock, onResolve func(Result)) *Correlator {
	return &Correlator{clock: clock, onResolve: onResolve}
}

// Submit registers a pending request and returns its id plus a buffered
// channel that receives exactly one Result.
func (c *Correlator) Submit(label string, match Matcher, timeout time.Duration) (RequestID, <-chan Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	now := c.clock.Now()
	p := &pendingRequest{
		id:        c.nextID,
		label:     label,
		match:     match,
		submitted: now,
		deadline:  now.Add(timeout),
		ch:        make(chan Result, 1),
	}
	c.pending = append(c.pending, p)
	return p.id, p.ch
}

// Offer checks an envelope against pending requests before general
// dispatch. The first (oldest) match wins, is resolved, and is removed;
// Offer reports whether the envelope was claimed. A reply arriving after
// its request resolved matches nothing and is left to the dispatcher.
func (c *Correlator) Offer(env *radio.Envelope) bool {
	c.mu.Lock()
	var claimed *pendingRequest
	for i, p := range c.pending {
		if p.match(env) {
			claimed = p
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if claimed == nil {
		return false
	}
	c.resolve(claimed, Result{ID: claimed.id, Label: claimed.label, Envelope: env})
	return true
}

// Sweep expires entries whose deadline has passed, resolving each with
// ErrRequestTimedOut. Called on the manager's sub-second tick so reported
// timeout latency stays within one sweep interval of the configured value.
func (c *Correlator) Sweep(now time.Time) {
	c.mu.Lock()
	var expired []*pendingRequest
	kept := c.pending[:0]
	for _, p := range c.pending {
		if now.Before(p.deadline) {
			kept = append(kept, p)
		} else {
			expired = append(expired, p)
		}
	}
	c.pending = kept
	c.mu.Unlock()

	for _, p := range expired {
		c.resolve(p, Result{ID: p.id, Label: p.label, Err: ErrRequestTimedOut})
	}
}

// Abort resolves every pending request with err. Called when the link
// drops so callers are never left waiting on a dead connection.
func (c *Correlator) Abort(err error) {
	c.mu.Lock()
	aborted := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range aborted {
		c.resolve(p, Result{ID: p.id, Label: p.label, Err: err})
	}
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) resolve(p *pendingRequest, r Result) {
	p.ch <- r // buffered; each request resolves exactly once
	if c.onResolve != nil {
		c.onResolve(r)
	}
}
