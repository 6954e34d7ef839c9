package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapHTTPDecoyThenArbitraryBytesPassThrough(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 2)
	go func() { done <- WrapHTTPDecoy(client, DecoyClient) }()
	go func() { done <- WrapHTTPDecoy(server, DecoyServer) }()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}

	payload := []byte("peer protocol payload")
	go client.Write(payload)

	buf := make([]byte, len(payload))
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestWrapHTTPDecoyAbortsOnPrematureEOF(t *testing.T) {
	client, server := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- WrapHTTPDecoy(server, DecoyServer) }()

	// Client writes nothing and closes before the terminator arrives.
	client.Close()

	err := <-done
	require.Error(t, err)
}
