package peer

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmget/swarmget/wire"
)

func newTestPeer(conn net.Conn) *Peer {
	return &Peer{
		Addr:   Addr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		Choked: true,
		conn:   conn,
		r:      bufio.NewReader(conn),
		log:    logrus.New(),
	}
}

// TestParticipateSingleBlockSerial exercises one block of one piece, server
// side unchokes then answers exactly the request it should see.
func TestParticipateSingleBlockSerial(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	p := newTestPeer(clientSide)

	work := make(chan int, 1)
	work <- 0
	close(work)
	completed := make(chan *wire.Message, 1)

	done := make(chan error, 1)
	go func() { done <- p.Participate(context.Background(), 0, 16384, 1, work, completed) }()

	msg, err := wire.Read(serverSide)
	require.NoError(t, err)
	assert.Equal(t, wire.Interested, msg.ID)

	require.NoError(t, wire.Write(serverSide, &wire.Message{ID: wire.Unchoke}))

	req, err := wire.Read(serverSide)
	require.NoError(t, err)
	require.Equal(t, wire.Request, req.ID)

	block := make([]byte, 16384)
	payload := append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, block...)
	require.NoError(t, wire.Write(serverSide, &wire.Message{ID: wire.Piece, Payload: payload}))

	select {
	case m := <-completed:
		assert.Equal(t, wire.Piece, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completed block")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for participate to exit")
	}
}

// TestParticipateChokeResubmitsBlock: a Choke arriving after a request was
// issued but before the reply must push the block back onto work.
func TestParticipateChokeResubmitsBlock(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	p := newTestPeer(clientSide)

	work := make(chan int, 1)
	work <- 0
	completed := make(chan *wire.Message, 1)

	done := make(chan error, 1)
	go func() { done <- p.Participate(context.Background(), 0, 16384, 1, work, completed) }()

	msg, err := wire.Read(serverSide)
	require.NoError(t, err)
	assert.Equal(t, wire.Interested, msg.ID)

	require.NoError(t, wire.Write(serverSide, &wire.Message{ID: wire.Unchoke}))

	req, err := wire.Read(serverSide)
	require.NoError(t, err)
	require.Equal(t, wire.Request, req.ID)

	require.NoError(t, wire.Write(serverSide, &wire.Message{ID: wire.Choke}))

	select {
	case b := <-work:
		assert.Equal(t, 0, b)
	case <-time.After(2 * time.Second):
		t.Fatal("block was never resubmitted after choke")
	}

	close(work)

	// Participate stays in its choked read loop until the peer unchokes; only
	// then does it pull from work, find it closed, and exit cleanly.
	require.NoError(t, wire.Write(serverSide, &wire.Message{ID: wire.Unchoke}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for participate to exit")
	}
}

func TestParticipateFailsOnDoubleUnchoke(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	p := newTestPeer(clientSide)
	p.Choked = false

	work := make(chan int, 1)
	work <- 0
	completed := make(chan *wire.Message, 1)

	done := make(chan error, 1)
	go func() { done <- p.Participate(context.Background(), 0, 16384, 1, work, completed) }()

	_, err := wire.Read(serverSide)
	require.NoError(t, err) // interested

	req, err := wire.Read(serverSide)
	require.NoError(t, err)
	require.Equal(t, wire.Request, req.ID)

	require.NoError(t, wire.Write(serverSide, &wire.Message{ID: wire.Unchoke}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrProtocolViolation)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for participate to exit")
	}
}
