package overlay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	started bool
	stopped bool
	onion   string
}

func (f *fakeController) Start(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *fakeController) Stop() error {
	f.stopped = true
	return nil
}

func (f *fakeController) CreateHiddenService(ctx context.Context, localPort uint16) (string, error) {
	f.onion = "abcdefghijklmnop.onion"
	return f.onion, nil
}

func TestAdapterPublishesOnionAddressInOverlayOnlyMode(t *testing.T) {
	fc := &fakeController{}
	a := New(fc, 33445)

	var published string
	err := a.Start(context.Background(), true, func(addr string) { published = addr })
	require.NoError(t, err)

	assert.True(t, fc.started)
	assert.Equal(t, fc.onion, published)
	assert.Equal(t, fc.onion, a.OnionAddress())
}

func TestAdapterSkipsHiddenServiceWhenNotOverlayOnly(t *testing.T) {
	fc := &fakeController{}
	a := New(fc, 33445)

	err := a.Start(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Empty(t, a.OnionAddress())
}

func TestSOCKSEndpointUsesPortOffset(t *testing.T) {
	a := New(&fakeController{}, 33445)
	assert.Equal(t, uint16(33447), a.SOCKSEndpoint().Port())
}
