// Package pending implements the client-side table correlating outstanding request ids
// with the callers waiting on them.
//
// Every Call is owned by the Table from Register until exactly one of Resolve, Remove or
// FailAll takes it out of the map. Only the goroutine that takes it out delivers a result,
// so a call is resolved at most once no matter how response arrival, deadline expiry and
// connection loss interleave.
//
//	goroutine-1 ──Register(id=1)──┐
//	goroutine-2 ──Register(id=2)──┼──→ Table ←── Resolve(id=2) ── read loop
//	goroutine-3 ──Register(id=3)──┘        ↖──── FailAll(err)  ── connection lost
package pending

import (
	"math"
	"sync"
	"time"

	"muxrpc/rpcerr"
)

// maxOutstanding is the size of the id space; id 0 is never handed out.
const maxOutstanding = math.MaxUint32

// Result is what a waiting caller receives: the response payload, or the error that
// ended the call.
type Result struct {
	Payload []byte
	Err     error
}

// Call is a registered, not yet resolved request.
type Call struct {
	ID       uint32
	Method   string
	Deadline time.Time
	Start    time.Time

	done chan Result // single slot; written once by whoever removes the call
}

// Done returns the channel the call's result is delivered on.
func (c *Call) Done() <-chan Result {
	return c.done
}

// Table is safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	next  uint32           // last id handed out
	calls map[uint32]*Call // outstanding calls
	err   error            // set by FailAll; further registrations fail with it
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{calls: make(map[uint32]*Call)}
}

// Register allocates a fresh request id and records a pending call for it.
//
// Ids come from a counter that wraps after math.MaxUint32, skipping 0 and any id that is
// still outstanding. Register fails with rpcerr.ErrIDSpaceExhausted if no id is free and
// with the table's terminal error once FailAll has run.
func (t *Table) Register(method string, deadline time.Time) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return nil, t.err
	}
	if uint64(len(t.calls)) >= maxOutstanding {
		return nil, rpcerr.ErrIDSpaceExhausted
	}

	for {
		t.next++
		if t.next == 0 {
			continue
		}
		if _, busy := t.calls[t.next]; !busy {
			break
		}
	}

	call := &Call{
		ID:       t.next,
		Method:   method,
		Deadline: deadline,
		Start:    time.Now(),
		done:     make(chan Result, 1),
	}
	t.calls[call.ID] = call
	return call, nil
}

// take removes and returns the call with the given id, or nil.
func (t *Table) take(id uint32) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return call
}

// Resolve delivers r to the call with the given id and retires the id. It reports false
// when no such call is pending (it already timed out, or the id is unknown).
func (t *Table) Resolve(id uint32, r Result) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.done <- r
	return true
}

// Remove retires the id without delivering anything; the caller that owns the call uses it
// to abandon the call locally. It reports false when the call was already resolved, in which
// case its result is waiting on Done.
func (t *Table) Remove(id uint32) bool {
	return t.take(id) != nil
}

// FailAll resolves every pending call with err, leaves the table empty and makes every
// later Register fail with err. Only the first FailAll has an effect; it returns the number
// of calls it failed.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return 0
	}
	t.err = err
	calls := t.calls
	t.calls = make(map[uint32]*Call)
	t.mu.Unlock()

	for _, call := range calls {
		call.done <- Result{Err: err}
	}
	return len(calls)
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Err returns the error FailAll was called with, or nil while the table is open.
func (t *Table) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
