// Package rendezvous implements role negotiation for an excomm session
// over a named shared memory store. The first participant to create the
// store becomes the server; the second maps the existing store and
// becomes the client. The store carries only process identifiers and
// per-round receiver-ready flags; no message data flows through it.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Store layout constants
const (
	// Magic bytes for store identification
	StoreMagic = "EXCOMM\x00\x00"

	// Current store version
	StoreVersion = uint32(1)

	// Total store size (single 64-byte header, no data area)
	StoreSize = 64
)

var (
	// ErrNoPartner is returned when no partner joins within the
	// negotiation bound.
	ErrNoPartner = errors.New("no partner joined the rendezvous store")
)

// Role identifies a participant. Assigned once at negotiation time and
// immutable for the rest of the session.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleServer {
		return RoleClient
	}
	return RoleServer
}

// storeHeader is the shared store layout. All cross-process fields are
// accessed atomically; a zero PID means "unset".
type storeHeader struct {
	magic     [8]byte   // 0x00: "EXCOMM\0\0"
	version   uint32    // 0x08: store version
	flags     uint32    // 0x0C: reserved
	serverPID uint32    // 0x10: PID of the creator
	clientPID uint32    // 0x14: PID of the joiner
	ready     [2]uint32 // 0x18: receiver-attached flag, one per round
	closed    uint32    // 0x20: closed flag
	pad       uint32    // 0x24: padding
	reserved  [24]byte  // 0x28-0x3F: reserved to 64B
}

// ServerPID returns the server process ID.
func (h *storeHeader) ServerPID() uint32 {
	return atomic.LoadUint32(&h.serverPID)
}

// SetServerPID sets the server process ID.
func (h *storeHeader) SetServerPID(pid uint32) {
	atomic.StoreUint32(&h.serverPID, pid)
}

// ClientPID returns the client process ID.
func (h *storeHeader) ClientPID() uint32 {
	return atomic.LoadUint32(&h.clientPID)
}

// SetClientPID sets the client process ID.
func (h *storeHeader) SetClientPID(pid uint32) {
	atomic.StoreUint32(&h.clientPID, pid)
}

// Version returns the store version.
func (h *storeHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the store version.
func (h *storeHeader) SetVersion(v uint32) {
	atomic.StoreUint32(&h.version, v)
}

// ReceiverReady returns the ready flag for a round (1 or 2).
func (h *storeHeader) ReceiverReady(round int) bool {
	return atomic.LoadUint32(&h.ready[round-1]) != 0
}

// SetReceiverReady sets the ready flag for a round (1 or 2).
func (h *storeHeader) SetReceiverReady(round int) {
	atomic.StoreUint32(&h.ready[round-1], 1)
}

// Closed returns the closed flag.
func (h *storeHeader) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

// SetClosed sets the closed flag.
func (h *storeHeader) SetClosed(closed bool) {
	var val uint32
	if closed {
		val = 1
	}
	atomic.StoreUint32(&h.closed, val)
}

// validateHeader checks magic and version on a joined store.
func validateHeader(h *storeHeader) error {
	if string(h.magic[:]) != StoreMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != StoreVersion {
		return fmt.Errorf("unsupported store version %d, expected %d", h.Version(), StoreVersion)
	}
	return nil
}

// Store represents a mapped rendezvous store and this process's role in it.
type Store struct {
	role    Role
	name    string
	hdr     *storeHeader
	clk     clock.Clock
	release func() error
}

// Open creates the named store, or joins it when it already exists.
// The creator gets RoleServer, the joiner RoleClient.
func Open(name string) (*Store, error) {
	return OpenWithClock(name, clock.New())
}

// OpenWithClock is Open with an injected clock for the polling waits.
func OpenWithClock(name string, clk clock.Clock) (*Store, error) {
	hdr, created, release, err := mapStore(name)
	if err != nil {
		return nil, fmt.Errorf("map rendezvous store %q: %w", name, err)
	}

	s := &Store{
		name:    name,
		hdr:     hdr,
		clk:     clk,
		release: release,
	}

	if created {
		s.role = RoleServer
		copy(hdr.magic[:], StoreMagic)
		hdr.SetVersion(StoreVersion)
	} else {
		s.role = RoleClient
		if err := validateHeader(hdr); err != nil {
			release()
			return nil, fmt.Errorf("join rendezvous store %q: %w", name, err)
		}
	}

	return s, nil
}

// Role returns this process's negotiated role.
func (s *Store) Role() Role {
	return s.role
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Announce writes this process's PID into its role slot.
func (s *Store) Announce() {
	pid := uint32(os.Getpid())
	if s.role == RoleServer {
		s.hdr.SetServerPID(pid)
	} else {
		s.hdr.SetClientPID(pid)
	}
}

// PartnerPID polls for the partner's PID with a bounded number of
// attempts. The server waits for a client to join; the client normally
// finds the server PID on the first check but polls the same way in case
// it mapped the store before the server finished announcing.
func (s *Store) PartnerPID(ctx context.Context, attempts int, delay time.Duration) (uint32, error) {
	load := s.hdr.ClientPID
	if s.role == RoleClient {
		load = s.hdr.ServerPID
	}

	for i := 0; i < attempts; i++ {
		if pid := load(); pid != 0 {
			return pid, nil
		}
		if err := s.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
	if pid := load(); pid != 0 {
		return pid, nil
	}
	return 0, ErrNoPartner
}

// SetReceiverReady marks this process's debugger as attached for the
// given round (1 or 2) so the sender can start without guessing.
func (s *Store) SetReceiverReady(round int) {
	s.hdr.SetReceiverReady(round)
}

// AwaitReceiverReady waits up to bound for the partner's attach-ready
// flag for the given round. Returns true when the flag was observed and
// false when the bound elapsed; the caller is expected to fall back to
// the settle-delay heuristic in the latter case.
func (s *Store) AwaitReceiverReady(ctx context.Context, round int, bound time.Duration) (bool, error) {
	const pollInterval = 10 * time.Millisecond

	deadline := s.clk.Now().Add(bound)
	for {
		if s.hdr.ReceiverReady(round) {
			return true, nil
		}
		if bound <= 0 || !s.clk.Now().Before(deadline) {
			return false, nil
		}
		if err := s.sleep(ctx, pollInterval); err != nil {
			return false, err
		}
	}
}

// Close marks the store closed and releases the mapping. The creator
// also removes the backing object so a later session starts fresh.
func (s *Store) Close() error {
	if s.hdr == nil {
		return nil
	}
	s.hdr.SetClosed(true)
	s.hdr = nil

	release := s.release
	s.release = nil
	if release == nil {
		return nil
	}
	return release()
}

// sleep blocks for d on the injected clock, honoring ctx cancellation.
func (s *Store) sleep(ctx context.Context, d time.Duration) error {
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
