// internal/modbus/response.go
package modbus

// ReadResult is the decoded payload of a completed register read.
type ReadResult struct {
	Registers []uint16
}

// WriteResult is the acknowledgment of a completed register write,
// echoing the value the device accepted.
type WriteResult struct {
	Registers []uint16
}

// Response is the pending result of one issued request. Accessors other
// than Done must only be trusted once Done reports true.
type Response interface {
	// Done reports whether the round-trip has finished, without blocking.
	Done() bool

	// Err returns the transport-level failure, if any.
	Err() error

	// Read returns the read payload. ok is false for write responses.
	Read() (ReadResult, bool)

	// Write returns the write acknowledgment. ok is false for read
	// responses.
	Write() (WriteResult, bool)
}

type kind uint8

const (
	kindRead kind = iota + 1
	kindWrite
)

// response completes on the transport goroutine. Fields are written
// exactly once before the done channel closes, which establishes the
// happens-before edge for the accessors.
type response struct {
	kind kind
	done chan struct{}
	regs []uint16
	err  error
}

func newResponse(k kind) *response {
	return &response{kind: k, done: make(chan struct{})}
}

func (r *response) complete(regs []uint16, err error) {
	r.regs = regs
	r.err = err
	close(r.done)
}

func (r *response) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *response) Err() error {
	return r.err
}

func (r *response) Read() (ReadResult, bool) {
	if r.kind != kindRead {
		return ReadResult{}, false
	}
	return ReadResult{Registers: r.regs}, true
}

func (r *response) Write() (WriteResult, bool) {
	if r.kind != kindWrite {
		return WriteResult{}, false
	}
	return WriteResult{Registers: r.regs}, true
}
