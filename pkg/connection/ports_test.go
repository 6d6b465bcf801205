package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorHandsOutEvenOddPairs(t *testing.T) {
	pa, err := newPortAllocator(PortRange{Min: 10001, Max: 10010})
	require.NoError(t, err)

	rtpPort, rtcpPort, err := pa.AllocatePair()
	require.NoError(t, err)
	assert.Equal(t, 0, rtpPort%2, "RTP port must be even")
	assert.Equal(t, rtpPort+1, rtcpPort)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	pa, err := newPortAllocator(PortRange{Min: 10000, Max: 10007})
	require.NoError(t, err)

	// Four pairs fit: 10000/1, 10002/3, 10004/5, 10006/7.
	for i := 0; i < 4; i++ {
		_, _, err := pa.AllocatePair()
		require.NoError(t, err)
	}
	_, _, err = pa.AllocatePair()
	assert.Error(t, err)

	pa.ReleasePair(10002)
	rtpPort, _, err := pa.AllocatePair()
	require.NoError(t, err)
	assert.Equal(t, 10002, rtpPort)
}

func TestPortAllocatorRejectsBadRange(t *testing.T) {
	_, err := newPortAllocator(PortRange{Min: 0, Max: 100})
	assert.Error(t, err)
	_, err = newPortAllocator(PortRange{Min: 200, Max: 100})
	assert.Error(t, err)
}

func TestPortAllocatorRoundRobins(t *testing.T) {
	pa, err := newPortAllocator(PortRange{Min: 10000, Max: 10011})
	require.NoError(t, err)

	first, _, err := pa.AllocatePair()
	require.NoError(t, err)
	pa.ReleasePair(first)

	// The freshly released pair is not immediately reused.
	second, _, err := pa.AllocatePair()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
