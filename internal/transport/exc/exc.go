// Package exc implements a message channel built on the host's
// structured-exception and debugger-attach facilities. The sender raises
// a self-handled exception whose arguments carry a payload pointer and
// length; the receiver attaches to the sender as a debugger and counts
// the matching exception events.
//
// The primitive is abstracted behind the Emitter and Debugger interfaces
// so a platform without a debugger-observable exception facility can
// substitute any synchronous, out-of-band event source carrying bounded
// auxiliary data. The Windows implementation is the real channel; the
// Loopback implementation wires the two halves together in-process.
package exc

import (
	"context"
	"errors"
	"fmt"
)

// DefaultSignature is the exception code identifying this channel.
// Sender and receiver must agree on one signature per session.
const DefaultSignature = uint32(0x1337)

// MinEventParams is the minimum auxiliary-argument count for an event to
// count as a channel message: a payload pointer and a length.
const MinEventParams = 2

var (
	// ErrUnsupported is returned by the constructors on platforms
	// without the exception/debugger primitives.
	ErrUnsupported = errors.New("exception channel not supported on this platform")

	// ErrAlreadyAttached is returned by Attach while an attachment is
	// still live; at most one attachment per target may exist.
	ErrAlreadyAttached = errors.New("debugger already attached")

	// ErrNotAttached is returned by Wait and Continue without a live
	// attachment.
	ErrNotAttached = errors.New("debugger not attached")
)

// EventKind distinguishes exception events from the other debug events
// an attached debugger observes.
type EventKind int

const (
	// KindOther covers non-exception debug events (thread and module
	// notifications and the like). They never count as messages but
	// must still be acknowledged.
	KindOther EventKind = iota

	// KindException is an exception event; Code, ParamCount, Pointer,
	// and Length are populated.
	KindException
)

// Event is one debug event observed from the target process.
type Event struct {
	Kind       EventKind
	Code       uint32  // exception code, for KindException
	ParamCount uint32  // auxiliary-argument count
	Pointer    uintptr // first argument: payload address in the target
	Length     uintptr // second argument: payload length incl. terminator
	PID        uint32
	TID        uint32

	ack chan struct{} // loopback continue acknowledgement; nil elsewhere
}

// Emitter raises channel exceptions carrying a payload. The raise is
// self-handled: with no debugger attached the process recovers and Emit
// returns normally.
type Emitter interface {
	// Emit raises one channel exception for payload. The reported
	// length includes one terminator byte beyond the payload itself.
	Emit(payload []byte) error

	// Close releases the emitter's handler installation.
	Close() error
}

// Debugger is one side of a debugger attachment to a target process.
// All calls for one attachment must come from a single goroutine: the
// underlying OS APIs bind the attachment to the calling thread.
type Debugger interface {
	// Attach establishes the debugger relationship with pid.
	Attach(pid uint32) error

	// Wait blocks until the next debug event arrives, the underlying
	// wait fails, or ctx is done.
	Wait(ctx context.Context) (Event, error)

	// Continue acknowledges ev and resumes the target. Every event
	// returned by Wait must be continued before the next Wait, or the
	// target stalls.
	Continue(ev Event) error

	// Detach ends the attachment. Calling Detach without a live
	// attachment is a no-op.
	Detach() error
}

// Outcome is the terminal condition of a receive loop.
type Outcome int

const (
	// OutcomeCompleted means the observed count reached the target.
	OutcomeCompleted Outcome = iota

	// OutcomeAttachFailed means the attach call failed and no loop ran.
	OutcomeAttachFailed

	// OutcomeWaitFailed means the event wait (or continue) failed
	// mid-loop and the count is partial.
	OutcomeWaitFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAttachFailed:
		return "attach-failed"
	case OutcomeWaitFailed:
		return "wait-failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// NewEmitter returns the platform emitter for the given signature.
func NewEmitter(signature uint32) (Emitter, error) {
	return newEmitter(signature)
}

// NewDebugger returns the platform debugger.
func NewDebugger() (Debugger, error) {
	return newDebugger()
}
