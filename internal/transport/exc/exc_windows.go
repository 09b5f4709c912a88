//go:build windows && (amd64 || arm64)

package exc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procRaiseException                 = modkernel32.NewProc("RaiseException")
	procDebugActiveProcess             = modkernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop         = modkernel32.NewProc("DebugActiveProcessStop")
	procWaitForDebugEvent              = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent             = modkernel32.NewProc("ContinueDebugEvent")
	procAddVectoredExceptionHandler    = modkernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = modkernel32.NewProc("RemoveVectoredExceptionHandler")
)

const (
	exceptionDebugEvent = 1
	dbgContinue         = uintptr(0x00010002)

	// One bounded wait quantum so context cancellation is observed; an
	// unset deadline still waits indefinitely at the Receive level.
	waitQuantumMs = uintptr(100)

	// EXCEPTION_CONTINUE_EXECUTION / EXCEPTION_CONTINUE_SEARCH for a
	// vectored handler.
	continueExecution = ^uintptr(0)
	continueSearch    = uintptr(0)
)

// exceptionRecord mirrors EXCEPTION_RECORD on 64-bit Windows.
type exceptionRecord struct {
	Code        uint32
	Flags       uint32
	Record      uintptr
	Address     uintptr
	ParamCount  uint32
	_           uint32
	Information [15]uintptr
}

// exceptionPointers mirrors EXCEPTION_POINTERS.
type exceptionPointers struct {
	Record  *exceptionRecord
	Context uintptr
}

// debugEventRaw mirrors DEBUG_EVENT on 64-bit Windows. The union area is
// sized for its largest member and reinterpreted per event code.
type debugEventRaw struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
	_         uint32
	union     [160]byte
}

func (d *debugEventRaw) exception() *exceptionRecord {
	return (*exceptionRecord)(unsafe.Pointer(&d.union[0]))
}

// The vectored handler recovers the raising thread when no debugger
// consumed the exception first-chance. One handler is installed for the
// process; the signature it swallows is tracked atomically so Close can
// disarm it.
var (
	vehCallbackOnce sync.Once
	vehCallback     uintptr
	vehSignature    atomic.Uint32
)

func vehHandler(info *exceptionPointers) uintptr {
	sig := vehSignature.Load()
	if sig != 0 && info != nil && info.Record != nil && info.Record.Code == sig {
		return continueExecution
	}
	return continueSearch
}

// raiseEmitter raises channel exceptions via RaiseException.
type raiseEmitter struct {
	signature uint32
	vehHandle uintptr
}

func newEmitter(signature uint32) (Emitter, error) {
	if err := procRaiseException.Find(); err != nil {
		return nil, fmt.Errorf("resolve RaiseException: %w", err)
	}
	if err := procAddVectoredExceptionHandler.Find(); err != nil {
		return nil, fmt.Errorf("resolve AddVectoredExceptionHandler: %w", err)
	}

	vehCallbackOnce.Do(func() {
		vehCallback = syscall.NewCallback(vehHandler)
	})
	vehSignature.Store(signature)

	// First-position handler so the raise is swallowed before any other
	// in-process handling when no debugger took it.
	handle, _, _ := procAddVectoredExceptionHandler.Call(1, vehCallback)
	if handle == 0 {
		return nil, fmt.Errorf("install vectored exception handler")
	}

	return &raiseEmitter{signature: signature, vehHandle: handle}, nil
}

func (e *raiseEmitter) Emit(payload []byte) error {
	var ptr uintptr
	if len(payload) > 0 {
		ptr = uintptr(unsafe.Pointer(&payload[0]))
	}
	args := [MinEventParams]uintptr{ptr, uintptr(len(payload)) + 1}

	// With a debugger attached this blocks until the event is continued;
	// otherwise the vectored handler resumes execution immediately.
	procRaiseException.Call(uintptr(e.signature), 0, MinEventParams,
		uintptr(unsafe.Pointer(&args[0])))
	runtime.KeepAlive(payload)
	return nil
}

func (e *raiseEmitter) Close() error {
	vehSignature.Store(0)
	if e.vehHandle != 0 {
		procRemoveVectoredExceptionHandler.Call(e.vehHandle)
		e.vehHandle = 0
	}
	return nil
}

// debugSession is one debugger attachment driven through the kernel32
// debug APIs. Windows binds the attachment to the calling thread, so
// Attach pins the goroutine to its OS thread until Detach.
type debugSession struct {
	pid      uint32
	attached bool
}

func newDebugger() (Debugger, error) {
	for _, p := range []*windows.LazyProc{
		procDebugActiveProcess, procDebugActiveProcessStop,
		procWaitForDebugEvent, procContinueDebugEvent,
	} {
		if err := p.Find(); err != nil {
			return nil, fmt.Errorf("resolve debug API: %w", err)
		}
	}
	return &debugSession{}, nil
}

func (d *debugSession) Attach(pid uint32) error {
	if d.attached {
		return ErrAlreadyAttached
	}
	runtime.LockOSThread()
	r, _, callErr := procDebugActiveProcess.Call(uintptr(pid))
	if r == 0 {
		runtime.UnlockOSThread()
		return fmt.Errorf("DebugActiveProcess(%d): %w", pid, callErr)
	}
	d.pid = pid
	d.attached = true
	return nil
}

func (d *debugSession) Wait(ctx context.Context) (Event, error) {
	if !d.attached {
		return Event{}, ErrNotAttached
	}

	var raw debugEventRaw
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		r, _, callErr := procWaitForDebugEvent.Call(
			uintptr(unsafe.Pointer(&raw)), waitQuantumMs)
		if r == 0 {
			if errno, ok := callErr.(syscall.Errno); ok && errno == windows.ERROR_SEM_TIMEOUT {
				continue // quantum elapsed with no event
			}
			return Event{}, fmt.Errorf("WaitForDebugEvent: %w", callErr)
		}

		ev := Event{Kind: KindOther, PID: raw.ProcessID, TID: raw.ThreadID}
		if raw.Code == exceptionDebugEvent {
			rec := raw.exception()
			ev.Kind = KindException
			ev.Code = rec.Code
			ev.ParamCount = rec.ParamCount
			if rec.ParamCount >= 1 {
				ev.Pointer = rec.Information[0]
			}
			if rec.ParamCount >= 2 {
				ev.Length = rec.Information[1]
			}
		}
		return ev, nil
	}
}

func (d *debugSession) Continue(ev Event) error {
	if !d.attached {
		return ErrNotAttached
	}
	r, _, callErr := procContinueDebugEvent.Call(
		uintptr(ev.PID), uintptr(ev.TID), dbgContinue)
	if r == 0 {
		return fmt.Errorf("ContinueDebugEvent: %w", callErr)
	}
	return nil
}

func (d *debugSession) Detach() error {
	if !d.attached {
		return nil
	}
	d.attached = false
	r, _, callErr := procDebugActiveProcessStop.Call(uintptr(d.pid))
	runtime.UnlockOSThread()
	if r == 0 {
		return fmt.Errorf("DebugActiveProcessStop(%d): %w", d.pid, callErr)
	}
	return nil
}
