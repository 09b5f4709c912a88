package exc

import (
	"context"
	"fmt"

	"github.com/Smellon69/exception-based-comms/internal/logging"
)

// receiveConfig carries the optional knobs for Receive.
type receiveConfig struct {
	log        *logging.Logger
	onAttached func()
}

// ReceiveOption configures a Receive call.
type ReceiveOption func(*receiveConfig)

// WithLogger sets the logger used for attach/detach reporting.
func WithLogger(l *logging.Logger) ReceiveOption {
	return func(c *receiveConfig) { c.log = l }
}

// WithAttachHook registers fn to run once the attach has succeeded,
// before the first wait. The session uses this to publish the
// receiver-ready flag through the rendezvous store.
func WithAttachHook(fn func()) ReceiveOption {
	return func(c *receiveConfig) { c.onAttached = fn }
}

// Receive attaches dbg to pid and counts channel events until target is
// reached. An event counts only when it is an exception event whose code
// matches signature and whose argument count is at least MinEventParams;
// both checks are needed because an incidental exception in the target
// could collide on either one alone. Every observed event, matching or
// not, is continued before the next wait.
//
// The loop ends when the count reaches target or the wait fails; ctx
// cancellation surfaces as a wait failure. Detach is attempted exactly
// once on every exit path, and a detach failure is reported without
// changing the outcome.
func Receive(ctx context.Context, dbg Debugger, pid uint32, target uint64, signature uint32, opts ...ReceiveOption) (uint64, Outcome, error) {
	cfg := receiveConfig{log: logging.NopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log

	if err := dbg.Attach(pid); err != nil {
		log.Error("debugger attach failed", "target_pid", pid, "error", err)
		if derr := dbg.Detach(); derr != nil {
			log.Warn("detach after failed attach", "target_pid", pid, "error", derr)
		}
		return 0, OutcomeAttachFailed, fmt.Errorf("attach to pid %d: %w", pid, err)
	}
	log.Info("debugger attached", "target_pid", pid)
	if cfg.onAttached != nil {
		cfg.onAttached()
	}

	var (
		count   uint64
		outcome = OutcomeCompleted
		loopErr error
	)
	for count < target {
		ev, err := dbg.Wait(ctx)
		if err != nil {
			outcome = OutcomeWaitFailed
			loopErr = fmt.Errorf("wait for debug event: %w", err)
			break
		}
		if ev.Kind == KindException && ev.Code == signature && ev.ParamCount >= MinEventParams {
			count++
		}
		if err := dbg.Continue(ev); err != nil {
			outcome = OutcomeWaitFailed
			loopErr = fmt.Errorf("continue target: %w", err)
			break
		}
	}

	if err := dbg.Detach(); err != nil {
		log.Warn("debugger detach failed", "target_pid", pid, "error", err)
	} else {
		log.Info("debugger detached", "target_pid", pid, "observed", count)
	}

	return count, outcome, loopErr
}
