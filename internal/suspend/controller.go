// Package suspend implements the human-in-the-loop suspension controller: a
// state machine that halts a run at a named interruption point and resumes
// it with exactly one client-supplied resolution value.
package suspend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// State is the controller's position in the suspension lifecycle.
type State int

const (
	// Idle: no outstanding request; execution proceeds normally.
	Idle State = iota
	// AwaitingInput: a suspension request is outstanding; the current run
	// makes no further progress until resolved.
	AwaitingInput
	// Resuming: a resolution value has been accepted and is being threaded
	// back into the suspended operation.
	Resuming
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting_input"
	case Resuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Local programming errors, raised synchronously and never sent on the wire.
var (
	// ErrAlreadyResolved rejects a second resolution of the same suspension.
	ErrAlreadyResolved = errors.New("suspension already resolved")
	// ErrNoPendingSuspension rejects a resolution while idle.
	ErrNoPendingSuspension = errors.New("no pending suspension")
	// ErrSuspensionOutstanding rejects a second suspension while one is
	// outstanding: at most one per run.
	ErrSuspensionOutstanding = errors.New("a suspension is already outstanding")
)

// Request describes what input is needed. The payload is opaque to the
// controller; it is surfaced to the client verbatim.
type Request struct {
	ID      string          `json:"id"`
	RunID   string          `json:"runId"`
	Payload json.RawMessage `json:"payload"`
}

// Controller coordinates one suspension at a time. It is reusable across
// runs: each Suspend/Resolve/acknowledge cycle returns it to Idle.
type Controller struct {
	mu    sync.Mutex
	state State
	req   Request
	// Buffer of one: the single accepted resolution, consumed exactly once.
	ch chan json.RawMessage
}

// NewController returns a Controller in the Idle state.
func NewController() *Controller {
	return &Controller{ch: make(chan json.RawMessage, 1)}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the outstanding request, if any.
func (c *Controller) Pending() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AwaitingInput {
		return Request{}, false
	}
	return c.req, true
}

// Suspend transitions Idle -> AwaitingInput and records the request.
func (c *Controller) Suspend(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrSuspensionOutstanding
	}
	c.state = AwaitingInput
	c.req = req
	return nil
}

// Resolve accepts exactly one resolution value for the outstanding
// suspension, transitioning AwaitingInput -> Resuming. A second call returns
// ErrAlreadyResolved; a call while Idle returns ErrNoPendingSuspension.
func (c *Controller) Resolve(value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Idle:
		return ErrNoPendingSuspension
	case Resuming:
		return ErrAlreadyResolved
	case AwaitingInput:
	}
	c.state = Resuming
	c.ch <- value // buffer of one, state machine guarantees a free slot
	return nil
}

// Await blocks until the outstanding suspension is resolved or ctx ends,
// then acknowledges resumption (Resuming -> Idle) and returns the value.
// Used on the agent side for intra-run resume.
func (c *Controller) Await(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return nil, ErrNoPendingSuspension
	}
	c.mu.Unlock()

	select {
	case value := <-c.ch:
		c.acknowledge()
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TakeResolution returns the accepted resolution without blocking, if one is
// waiting, and acknowledges resumption. Used on the client side, where the
// value rides into the next run's request instead of resuming in place.
func (c *Controller) TakeResolution() (json.RawMessage, bool) {
	select {
	case value := <-c.ch:
		c.acknowledge()
		return value, true
	default:
		return nil, false
	}
}

// acknowledge completes the cycle: Resuming -> Idle.
func (c *Controller) acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.req = Request{}
}

// Abort discards any outstanding suspension and unconsumed resolution,
// returning the controller to Idle. Called when a run ends while a
// suspension is still open so the session stays usable.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ch:
	default:
	}
	c.state = Idle
	c.req = Request{}
}
