//go:build unix

package rendezvous

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStoreName generates a unique store name and registers cleanup
// of the backing object.
func newTestStoreName(t *testing.T) string {
	t.Helper()
	name := "test-" + xid.New().String()
	t.Cleanup(func() { Remove(name) })
	return name
}

func TestOpenAssignsRoles(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	assert.Equal(t, RoleServer, server.Role())

	client, err := Open(name)
	require.NoError(t, err)
	assert.Equal(t, RoleClient, client.Role())

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

func TestAnnounceAndPartnerPID(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	defer server.Close()
	client, err := Open(name)
	require.NoError(t, err)
	defer client.Close()

	server.Announce()
	client.Announce()

	ctx := context.Background()
	pid := uint32(os.Getpid())

	got, err := server.PartnerPID(ctx, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, pid, got)

	got, err = client.PartnerPID(ctx, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, pid, got)
}

func TestPartnerPIDTimesOut(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	defer server.Close()
	server.Announce()

	_, err = server.PartnerPID(context.Background(), 3, time.Millisecond)
	require.ErrorIs(t, err, ErrNoPartner)
}

func TestPartnerPIDTimesOutOnMockClock(t *testing.T) {
	name := newTestStoreName(t)

	mock := clock.NewMock()
	server, err := OpenWithClock(name, mock)
	require.NoError(t, err)
	defer server.Close()
	server.Announce()

	errCh := make(chan error, 1)
	go func() {
		_, err := server.PartnerPID(context.Background(), 3, time.Second)
		errCh <- err
	}()

	for i := 0; i < 3; i++ {
		// Let the poller park on its timer before advancing the clock.
		time.Sleep(10 * time.Millisecond)
		mock.Add(time.Second)
	}

	require.ErrorIs(t, <-errCh, ErrNoPartner)
}

func TestPartnerPIDHonorsContext(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = server.PartnerPID(ctx, 10, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReceiverReadyFlag(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	defer server.Close()
	client, err := Open(name)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()

	// Not ready yet: a zero bound checks once and reports false.
	ready, err := server.AwaitReceiverReady(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, ready)

	// The flag set on one mapping is visible through the other.
	client.SetReceiverReady(1)
	ready, err = server.AwaitReceiverReady(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ready)

	// Round 2 has its own flag.
	ready, err = server.AwaitReceiverReady(ctx, 2, 0)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestJoinValidatesHeader(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	defer server.Close()

	server.hdr.magic[0] = 'X'
	_, err = Open(name)
	require.Error(t, err)
}

func TestCreatorCloseRemovesStore(t *testing.T) {
	name := newTestStoreName(t)

	server, err := Open(name)
	require.NoError(t, err)
	require.NoError(t, server.Close())

	// With the first store gone, the next open starts a fresh session.
	fresh, err := Open(name)
	require.NoError(t, err)
	defer fresh.Close()
	assert.Equal(t, RoleServer, fresh.Role())
}

func TestRemoveMissingStore(t *testing.T) {
	assert.NoError(t, Remove("never-created-"+xid.New().String()))
}
