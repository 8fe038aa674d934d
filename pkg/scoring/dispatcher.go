package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateID is returned when a request id is already pending
var ErrDuplicateID = errors.New("duplicate request id")

// Future is the pending answer to one request
type Future struct {
	id   string
	once sync.Once
	done chan struct{}
	resp Response
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the request id the future answers
func (f *Future) ID() string {
	return f.id
}

func (f *Future) resolve(resp Response, err error) {
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
	})
}

// Done is closed once the future has a value
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx ends
func (f *Future) Await(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Go runs fn in its own goroutine and returns a future for its result
func Go(ctx context.Context, id string, fn func(context.Context) (Response, error)) *Future {
	f := newFuture(id)
	go func() {
		resp, err := fn(ctx)
		f.resolve(resp, err)
	}()
	return f
}

// Envelope is a response travelling back from a worker
type Envelope struct {
	ID       string
	Response Response
	Err      error
}

// Dispatcher correlates asynchronous responses with their requests by id,
// so answers may arrive in any order.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]*Future
	closed  bool
}

// NewDispatcher creates an empty Dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{pending: make(map[string]*Future)}
}

// Register creates the future for a new request id
func (d *Dispatcher) Register(id string) (*Future, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if _, ok := d.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	f := newFuture(id)
	d.pending[id] = f
	return f, nil
}

// Resolve delivers an envelope to its future. It reports false when no
// request with that id is pending, e.g. after a timeout.
func (d *Dispatcher) Resolve(env Envelope) bool {
	d.mu.Lock()
	f, ok := d.pending[env.ID]
	delete(d.pending, env.ID)
	d.mu.Unlock()

	if !ok {
		return false
	}
	f.resolve(env.Response, env.Err)
	return true
}

// Cancel forgets a pending request
func (d *Dispatcher) Cancel(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Pending returns the number of unanswered requests
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run routes envelopes from inbox until it is closed or ctx ends
func (d *Dispatcher) Run(ctx context.Context, inbox <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-inbox:
			if !ok {
				return
			}
			d.Resolve(env)
		}
	}
}

// Close fails every pending request with err and rejects new ones
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*Future)
	d.closed = true
	d.mu.Unlock()

	for _, f := range pending {
		f.resolve(Response{}, err)
	}
}
