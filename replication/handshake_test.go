package replication

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

func TestHandshakeSequence(t *testing.T) {
	replicaSide, masterSide := net.Pipe()
	defer replicaSide.Close()
	defer masterSide.Close()

	received := make(chan protocol.Frame, 4)
	go func() {
		master := protocol.NewConn(masterSide)
		replies := []protocol.Frame{
			protocol.Status("PONG"),
			protocol.Status("OK"),
			protocol.Status("OK"),
			protocol.Status("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 0"),
		}
		for _, reply := range replies {
			req, err := master.ReadFrame()
			if err != nil {
				return
			}
			received <- req
			if err := master.WriteFrame(reply); err != nil {
				return
			}
		}
		close(received)
	}()

	reply, err := Handshake(protocol.NewConn(replicaSide), 6380)
	require.NoError(t, err)
	assert.Equal(t, protocol.Status("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 0"), reply)

	var got []protocol.Frame
	for f := range received {
		got = append(got, f)
	}
	assert.Equal(t, []protocol.Frame{
		protocol.Array{"PING"},
		protocol.Array{"REPLCONF", "listening-port", "6380"},
		protocol.Array{"REPLCONF", "capa", "psync2"},
		protocol.Array{"PSYNC", "?", "-1"},
	}, got)
}

func TestHandshakeRepliesAreNotInspected(t *testing.T) {
	replicaSide, masterSide := net.Pipe()
	defer replicaSide.Close()
	defer masterSide.Close()

	go func() {
		master := protocol.NewConn(masterSide)
		for i := 0; i < 4; i++ {
			if _, err := master.ReadFrame(); err != nil {
				return
			}
			master.WriteFrame(protocol.NullBulk())
		}
	}()

	reply, err := Handshake(protocol.NewConn(replicaSide), 6380)
	require.NoError(t, err)
	assert.Equal(t, protocol.NullBulk(), reply)
}

func TestHandshakeFailureReportsStep(t *testing.T) {
	replicaSide, masterSide := net.Pipe()
	defer replicaSide.Close()

	go func() {
		master := protocol.NewConn(masterSide)
		// Answer PING, then hang up during the first REPLCONF
		if _, err := master.ReadFrame(); err == nil {
			master.WriteFrame(protocol.Status("PONG"))
		}
		master.ReadFrame()
		masterSide.Close()
	}()

	_, err := Handshake(protocol.NewConn(replicaSide), 6380)
	require.Error(t, err)

	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, "replconf listening-port", hsErr.Step)
	assert.ErrorIs(t, err, io.EOF)
}
