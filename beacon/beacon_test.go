package beacon

import (
	"errors"
	"testing"

	"github.com/opd-ai/meshconnect/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for port := 0; port <= 65535; port += 4099 {
		pkt, err := Decode(Encode(uint16(port)))
		require.NoError(t, err)
		assert.Equal(t, uint16(port), pkt.DHTPort)
		assert.Equal(t, uint16(Version), pkt.Version)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	data := Encode(33445)
	data[0] = 2
	_, err := Decode(data)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedBeaconVersion))
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.Error(t, err)
}
