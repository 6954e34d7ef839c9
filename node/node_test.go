package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndCloseWithMinimalOptions(t *testing.T) {
	n, err := New(Options{ServicePort: 0})
	require.NoError(t, err)
	defer n.Close()

	status := n.GetStatus()
	assert.False(t, status.PeerId.IsZero())
	assert.Equal(t, 0, status.ConnectionCount)
}

func TestStartAndStopBackgroundLoops(t *testing.T) {
	n, err := New(Options{ServicePort: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, n.Start(ctx))
	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, n.Close())
}
