package exc

import (
	"context"
	"os"
	"sync"
)

// Loopback is an in-process substitute for the exception channel. Its
// emitter hands each event synchronously to at most one attached
// observer and blocks until the event is continued, mirroring the
// stop-the-target semantics of a real debug event. With no observer
// attached, Emit drops the event and returns immediately, mirroring the
// sender's self-handled fallback.
//
// Loopback exists for tests and for platforms without the debugger
// primitives; it exercises the same Receive filter and lifecycle paths
// as the real channel.
type Loopback struct {
	signature uint32

	mu  sync.Mutex
	att *loopAttachment // nil when no observer is attached
}

// loopAttachment is one live observer attachment.
type loopAttachment struct {
	events chan Event
	done   chan struct{} // closed on detach; unblocks stuck emitters
}

// NewLoopback creates a loopback channel for the given signature.
func NewLoopback(signature uint32) *Loopback {
	return &Loopback{signature: signature}
}

// Emitter returns the sending half of the channel.
func (l *Loopback) Emitter() Emitter {
	return &loopbackEmitter{l: l}
}

// Debugger returns an observing half of the channel. At most one may be
// attached at a time.
func (l *Loopback) Debugger() Debugger {
	return &loopbackDebugger{l: l}
}

// Inject delivers an arbitrary event to the attached observer, letting
// tests feed the receive loop events that did not come from the channel
// (foreign exception codes, short argument lists, non-exception events).
// Dropped silently when no observer is attached.
func (l *Loopback) Inject(ev Event) {
	l.mu.Lock()
	att := l.att
	l.mu.Unlock()
	if att == nil {
		return
	}
	ev.ack = make(chan struct{})
	select {
	case att.events <- ev:
	case <-att.done:
	}
}

type loopbackEmitter struct {
	l *Loopback
}

func (e *loopbackEmitter) Emit(payload []byte) error {
	e.l.mu.Lock()
	att := e.l.att
	e.l.mu.Unlock()
	if att == nil {
		// Self-handled: no observer, nothing to deliver.
		return nil
	}

	ev := Event{
		Kind:       KindException,
		Code:       e.l.signature,
		ParamCount: MinEventParams,
		Length:     uintptr(len(payload)) + 1, // include terminator
		PID:        uint32(os.Getpid()),
		ack:        make(chan struct{}),
	}
	select {
	case att.events <- ev:
	case <-att.done:
		return nil
	}
	select {
	case <-ev.ack:
	case <-att.done:
	}
	return nil
}

func (e *loopbackEmitter) Close() error {
	return nil
}

type loopbackDebugger struct {
	l   *Loopback
	att *loopAttachment
}

func (d *loopbackDebugger) Attach(pid uint32) error {
	d.l.mu.Lock()
	defer d.l.mu.Unlock()
	if d.l.att != nil {
		return ErrAlreadyAttached
	}
	d.att = &loopAttachment{
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	d.l.att = d.att
	return nil
}

func (d *loopbackDebugger) Wait(ctx context.Context) (Event, error) {
	if d.att == nil {
		return Event{}, ErrNotAttached
	}
	select {
	case ev := <-d.att.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (d *loopbackDebugger) Continue(ev Event) error {
	if d.att == nil {
		return ErrNotAttached
	}
	if ev.ack != nil {
		close(ev.ack)
	}
	return nil
}

func (d *loopbackDebugger) Detach() error {
	d.l.mu.Lock()
	defer d.l.mu.Unlock()
	if d.att == nil {
		return nil
	}
	if d.l.att == d.att {
		d.l.att = nil
	}
	close(d.att.done)
	d.att = nil
	return nil
}
