package speedtest

import (
	"math"
	"time"

	"github.com/Smellon69/exception-based-comms/internal/rendezvous"
	"github.com/Smellon69/exception-based-comms/internal/transport/exc"
)

// RoundResult records the outcome of one round from this process's side.
// Timing is only meaningful on the sending side, which controls pacing;
// a receiving side reports the observed count and terminal condition.
type RoundResult struct {
	Round     int             // 1 or 2
	Sender    rendezvous.Role // which role sent this round
	Attempted int             // messages the sender was asked to send
	Observed  uint64          // messages the receiver counted (receive side)
	Elapsed   time.Duration   // wall time around the full send loop
	Rate      float64         // messages per second, +Inf when elapsed is zero
	Outcome   exc.Outcome
}

// SenderRole returns the role that sends in the given round: the server
// sends round 1, the client sends round 2.
func SenderRole(round int) rendezvous.Role {
	if round == 1 {
		return rendezvous.RoleServer
	}
	return rendezvous.RoleClient
}

// Rate computes messages per second. A zero or negative elapsed time
// reports +Inf rather than faulting on the division.
func Rate(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return math.Inf(1)
	}
	return float64(n) / elapsed.Seconds()
}
