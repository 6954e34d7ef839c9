package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/opd-ai/meshconnect/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerSecondCallerWaitsThenRetries(t *testing.T) {
	c := NewCoalescer()
	ep, err := transport.NewIPEndpoint(net.ParseIP("203.0.113.9"), 33445)
	require.NoError(t, err)

	first, done, err := c.Begin(ep, time.Second)
	require.NoError(t, err)
	require.True(t, first)

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		done()
		close(released)
	}()

	start := time.Now()
	second, _, err := c.Begin(ep, time.Second)
	assert.NoError(t, err)
	assert.False(t, second, "second caller should not win Begin")
	assert.True(t, time.Since(start) >= 40*time.Millisecond)
	<-released
}

func TestCoalescerTimesOut(t *testing.T) {
	c := NewCoalescer()
	ep, err := transport.NewIPEndpoint(net.ParseIP("203.0.113.10"), 33445)
	require.NoError(t, err)

	_, _, err = c.Begin(ep, time.Second)
	require.NoError(t, err)

	_, _, err = c.Begin(ep, 20*time.Millisecond)
	assert.Error(t, err)
}
