// Package speedtest orchestrates the two-round, role-swapped speed test
// over the exception channel. Round 1 the server sends and the client
// receives; round 2 the roles invert. Each sender phase waits for the
// partner's attach-ready flag (falling back to the fixed settle delay)
// and times the full send loop.
package speedtest

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Smellon69/exception-based-comms/internal/config"
	"github.com/Smellon69/exception-based-comms/internal/logging"
	"github.com/Smellon69/exception-based-comms/internal/rendezvous"
	"github.com/Smellon69/exception-based-comms/internal/transport/exc"
)

// Rounds in one session.
const Rounds = 2

// Params is the fixed, shared configuration of a session. Both
// participants must agree on Iterations and Signature.
type Params struct {
	Iterations     int
	Payload        []byte
	Signature      uint32
	SettleDelay    time.Duration
	ReadyBound     time.Duration
	JoinAttempts   int
	JoinDelay      time.Duration
	ReceiveTimeout time.Duration // 0 waits forever
}

// ParamsFromConfig maps the tool configuration onto session parameters.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Iterations:     cfg.Iterations,
		Payload:        []byte(cfg.Payload),
		Signature:      cfg.Signature,
		SettleDelay:    cfg.SettleDelay,
		ReadyBound:     cfg.ReadyBound,
		JoinAttempts:   cfg.JoinAttempts,
		JoinDelay:      cfg.JoinDelay,
		ReceiveTimeout: cfg.ReceiveTimeout,
	}
}

// Session drives one participant through negotiation and both rounds.
type Session struct {
	store    *rendezvous.Store
	emitter  exc.Emitter
	debugger exc.Debugger
	params   Params
	log      *logging.Logger
	clk      clock.Clock
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClock injects the clock used for delays and timing.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = c }
}

// New builds a Session over an opened rendezvous store and the two
// halves of the channel.
func New(store *rendezvous.Store, emitter exc.Emitter, debugger exc.Debugger, params Params, opts ...Option) *Session {
	s := &Session{
		store:    store,
		emitter:  emitter,
		debugger: debugger,
		params:   params,
		log:      logging.NopLogger(),
		clk:      clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run announces this process, resolves the partner PID, and runs both
// rounds. Negotiation failure aborts the session; a degraded round
// (attach or wait failure on the receive side) is recorded in its result
// and the session proceeds.
func (s *Session) Run(ctx context.Context) ([]RoundResult, error) {
	role := s.store.Role()
	log := s.log.WithRole(role.String())

	s.store.Announce()
	partner, err := s.store.PartnerPID(ctx, s.params.JoinAttempts, s.params.JoinDelay)
	if err != nil {
		return nil, fmt.Errorf("role negotiation: %w", err)
	}
	log.Info("partner connected", "partner_pid", partner)

	results := make([]RoundResult, 0, Rounds)
	for round := 1; round <= Rounds; round++ {
		var (
			res RoundResult
			err error
		)
		if SenderRole(round) == role {
			res, err = s.sendRound(ctx, round, log)
		} else {
			res, err = s.receiveRound(ctx, round, partner, log)
		}
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// sendRound waits for the receiver, then times the full send loop.
func (s *Session) sendRound(ctx context.Context, round int, log *logging.Logger) (RoundResult, error) {
	ready, err := s.store.AwaitReceiverReady(ctx, round, s.params.ReadyBound)
	if err != nil {
		return RoundResult{}, err
	}
	if ready {
		log.Debug("receiver signalled ready", "round", round)
	} else {
		log.Warn("no ready signal from receiver, relying on settle delay", "round", round)
	}
	if err := s.sleep(ctx, s.params.SettleDelay); err != nil {
		return RoundResult{}, err
	}

	n := s.params.Iterations
	log.Info("send phase starting", "round", round, "messages", n)

	start := s.clk.Now()
	for i := 0; i < n; i++ {
		if err := s.emitter.Emit(s.params.Payload); err != nil {
			return RoundResult{}, fmt.Errorf("emit message %d of round %d: %w", i+1, round, err)
		}
	}
	elapsed := s.clk.Since(start)

	res := RoundResult{
		Round:     round,
		Sender:    s.store.Role(),
		Attempted: n,
		Elapsed:   elapsed,
		Rate:      Rate(n, elapsed),
		Outcome:   exc.OutcomeCompleted,
	}
	log.Info("send phase complete",
		"round", round, "sent", n, "elapsed", elapsed, "rate", res.Rate)
	return res, nil
}

// receiveRound attaches to the partner and counts messages up to the
// shared iteration count. Attach and wait failures degrade the result
// but do not abort the session.
func (s *Session) receiveRound(ctx context.Context, round int, partner uint32, log *logging.Logger) (RoundResult, error) {
	rctx := ctx
	if s.params.ReceiveTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.params.ReceiveTimeout)
		defer cancel()
	}

	n := s.params.Iterations
	log.Info("receive phase starting", "round", round, "target", n)

	count, outcome, err := exc.Receive(rctx, s.debugger, partner, uint64(n), s.params.Signature,
		exc.WithLogger(log),
		exc.WithAttachHook(func() { s.store.SetReceiverReady(round) }))
	if err != nil {
		log.Error("receive phase degraded", "round", round, "outcome", outcome.String(), "error", err)
	}

	res := RoundResult{
		Round:     round,
		Sender:    s.store.Role().Other(),
		Attempted: n,
		Observed:  count,
		Outcome:   outcome,
	}
	log.Info("receive phase complete",
		"round", round, "observed", count, "outcome", outcome.String())
	return res, nil
}

// sleep blocks for d on the session clock, honoring ctx.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
