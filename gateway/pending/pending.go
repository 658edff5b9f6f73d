package pending

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyPending is returned by RegisterWait when a registration for the
// same identity is already in flight.
var ErrAlreadyPending = errors.New("a registration for this device is already pending")

// ErrTimeout is returned by Await when no response arrived in time.
var ErrTimeout = errors.New("timeout waiting for registration response")

// Ticket is the caller's claim on an in-flight registration. It is created
// by RegisterWait and redeemed with Await.
type Ticket struct {
	deviceID    string
	submittedAt time.Time
	response    chan []byte // single slot, written at most once
}

// DeviceID returns the identity the ticket was issued for.
func (t *Ticket) DeviceID() string {
	return t.deviceID
}

// SubmittedAt returns the time the wait was registered.
func (t *Ticket) SubmittedAt() time.Time {
	return t.submittedAt
}

// Table correlates outbound registration requests with their asynchronous
// responses by device identity. There is at most one pending registration
// per identity; responses are matched by identity, never by arrival order.
type Table struct {
	mux     sync.Mutex
	pending map[string]*Ticket
}

// NewTable returns an empty correlation table.
func NewTable() *Table {
	return &Table{pending: map[string]*Ticket{}}
}

// RegisterWait creates a pending registration for the identity and returns
// a ticket for it. It fails with ErrAlreadyPending if a wait for the same
// identity is already outstanding.
func (t *Table) RegisterWait(deviceID string) (*Ticket, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if _, ok := t.pending[deviceID]; ok {
		return nil, ErrAlreadyPending
	}
	ticket := &Ticket{
		deviceID:    deviceID,
		submittedAt: time.Now().UTC(),
		response:    make(chan []byte, 1),
	}
	t.pending[deviceID] = ticket
	return ticket, nil
}

// Deliver hands a response payload to the pending registration for the
// identity. It returns true if a waiter existed and was signalled. Responses
// for identities without a pending registration are discarded and Deliver
// returns false. Deliver never blocks; it is safe to call from the broker
// dispatch goroutine.
func (t *Table) Deliver(deviceID string, payload []byte) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	ticket, ok := t.pending[deviceID]
	if !ok {
		return false
	}
	select {
	case ticket.response <- payload:
		return true
	default:
		// slot already filled, treat the duplicate as unsolicited
		return false
	}
}

// Await blocks until the response for the ticket arrives or the timeout
// elapses. It blocks only the calling goroutine. On timeout the pending
// registration is removed and ErrTimeout returned; a response arriving
// later is then unsolicited and gets discarded by Deliver.
func (t *Table) Await(ticket *Ticket, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-ticket.response:
		t.mux.Lock()
		delete(t.pending, ticket.deviceID)
		t.mux.Unlock()
		return payload, nil
	case <-timer.C:
	}

	// The timer fired, but a response may have been delivered concurrently.
	// Removal and the final claim attempt happen under the table lock, so a
	// Deliver that returned true is never lost to a timeout.
	t.mux.Lock()
	defer t.mux.Unlock()
	delete(t.pending, ticket.deviceID)
	select {
	case payload := <-ticket.response:
		return payload, nil
	default:
		return nil, ErrTimeout
	}
}

// Abandon gives up a ticket without waiting, removing the pending
// registration. Used when the registration request could not be published.
func (t *Table) Abandon(ticket *Ticket) {
	t.mux.Lock()
	delete(t.pending, ticket.deviceID)
	t.mux.Unlock()
}

// Len returns the number of in-flight registrations.
func (t *Table) Len() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.pending)
}
