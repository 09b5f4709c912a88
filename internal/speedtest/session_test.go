//go:build unix

package speedtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Smellon69/exception-based-comms/internal/logging"
	"github.com/Smellon69/exception-based-comms/internal/rendezvous"
	"github.com/Smellon69/exception-based-comms/internal/transport/exc"
)

const testSignature = uint32(0x1337)

func testParams(iterations int) Params {
	return Params{
		Iterations:     iterations,
		Payload:        []byte("hello, world!"),
		Signature:      testSignature,
		SettleDelay:    time.Millisecond,
		ReadyBound:     2 * time.Second,
		JoinAttempts:   100,
		JoinDelay:      time.Millisecond,
		ReceiveTimeout: 10 * time.Second,
	}
}

// openStorePair maps the same rendezvous store twice, once per simulated
// participant.
func openStorePair(t *testing.T) (server, client *rendezvous.Store) {
	t.Helper()
	name := "speedtest-" + xid.New().String()
	t.Cleanup(func() { rendezvous.Remove(name) })

	server, err := rendezvous.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	require.Equal(t, rendezvous.RoleServer, server.Role())

	client, err = rendezvous.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.Equal(t, rendezvous.RoleClient, client.Role())

	return server, client
}

func TestSessionTwoRoundsOverLoopback(t *testing.T) {
	const n = 50
	serverStore, clientStore := openStorePair(t)

	// Two directional channels: the server emits into the first and
	// observes the second, the client the other way around.
	serverToClient := exc.NewLoopback(testSignature)
	clientToServer := exc.NewLoopback(testSignature)

	params := testParams(n)
	serverSess := New(serverStore, serverToClient.Emitter(), clientToServer.Debugger(), params)
	clientSess := New(clientStore, clientToServer.Emitter(), serverToClient.Debugger(), params)

	type outcome struct {
		results []RoundResult
		err     error
	}
	serverDone := make(chan outcome, 1)
	clientDone := make(chan outcome, 1)
	ctx := context.Background()
	go func() {
		results, err := serverSess.Run(ctx)
		serverDone <- outcome{results, err}
	}()
	go func() {
		results, err := clientSess.Run(ctx)
		clientDone <- outcome{results, err}
	}()

	server := <-serverDone
	client := <-clientDone
	require.NoError(t, server.err)
	require.NoError(t, client.err)
	require.Len(t, server.results, Rounds)
	require.Len(t, client.results, Rounds)

	// Round 1: server sends, client observes every message.
	sent := server.results[0]
	assert.Equal(t, 1, sent.Round)
	assert.Equal(t, rendezvous.RoleServer, sent.Sender)
	assert.Equal(t, n, sent.Attempted)
	assert.Equal(t, exc.OutcomeCompleted, sent.Outcome)
	assert.Greater(t, sent.Rate, 0.0)

	observed := client.results[0]
	assert.Equal(t, rendezvous.RoleServer, observed.Sender)
	assert.Equal(t, uint64(n), observed.Observed)
	assert.Equal(t, exc.OutcomeCompleted, observed.Outcome)

	// Round 2: roles swapped.
	observed = server.results[1]
	assert.Equal(t, rendezvous.RoleClient, observed.Sender)
	assert.Equal(t, uint64(n), observed.Observed)
	assert.Equal(t, exc.OutcomeCompleted, observed.Outcome)

	sent = client.results[1]
	assert.Equal(t, 2, sent.Round)
	assert.Equal(t, rendezvous.RoleClient, sent.Sender)
	assert.Equal(t, n, sent.Attempted)
	assert.Equal(t, exc.OutcomeCompleted, sent.Outcome)
}

func TestSessionNegotiationTimeout(t *testing.T) {
	name := "speedtest-" + xid.New().String()
	t.Cleanup(func() { rendezvous.Remove(name) })

	store, err := rendezvous.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lb := exc.NewLoopback(testSignature)
	params := testParams(5)
	params.JoinAttempts = 3
	params.JoinDelay = time.Millisecond

	sess := New(store, lb.Emitter(), lb.Debugger(), params)
	results, err := sess.Run(context.Background())
	require.ErrorIs(t, err, rendezvous.ErrNoPartner)
	assert.Empty(t, results)
}

func TestSendRoundZeroElapsedRate(t *testing.T) {
	serverStore, clientStore := openStorePair(t)

	// Receiver already flagged ready, no settle delay, no observer on
	// the channel: nothing advances the mock clock, so the whole send
	// loop lands on one instant.
	clientStore.SetReceiverReady(1)
	lb := exc.NewLoopback(testSignature)

	params := testParams(100)
	params.SettleDelay = 0

	mock := clock.NewMock()
	sess := New(serverStore, lb.Emitter(), lb.Debugger(), params, WithClock(mock))

	res, err := sess.sendRound(context.Background(), 1, logging.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), res.Elapsed)
	assert.True(t, math.IsInf(res.Rate, 1), "zero elapsed must report an infinite rate, not fault")
}

func TestReceiveRoundAttachFailureDegradesResult(t *testing.T) {
	serverStore, clientStore := openStorePair(t)
	_ = clientStore

	lb := exc.NewLoopback(testSignature)
	// Occupy the only attachment slot so the round's attach fails.
	blocker := lb.Debugger()
	require.NoError(t, blocker.Attach(1))
	t.Cleanup(func() { blocker.Detach() })

	params := testParams(5)
	sess := New(serverStore, lb.Emitter(), lb.Debugger(), params)

	res, err := sess.receiveRound(context.Background(), 2, 1, logging.NopLogger())
	require.NoError(t, err, "a degraded round must not abort the session")
	assert.Equal(t, exc.OutcomeAttachFailed, res.Outcome)
	assert.Zero(t, res.Observed)
}
