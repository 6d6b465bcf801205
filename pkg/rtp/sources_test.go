package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourcePacket(ssrc uint32, seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: ssrc, SequenceNumber: seq},
		Payload: make([]byte, 160),
	}
}

func TestSourceTableProbation(t *testing.T) {
	var added []uint32
	st := NewSourceTable(SourceTableConfig{
		OnSourceAdded: func(ssrc uint32, _ *RemoteSource) { added = append(added, ssrc) },
	})
	defer st.Stop()

	_, validated := st.Observe(sourcePacket(0x10, 100))
	assert.False(t, validated, "first packet starts probation")
	assert.Empty(t, added)

	_, validated = st.Observe(sourcePacket(0x10, 101))
	assert.True(t, validated, "two sequential packets clear probation")
	assert.Equal(t, []uint32{0x10}, added)

	st.Observe(sourcePacket(0x10, 102))

	snapshot := st.Snapshot()
	require.Contains(t, snapshot, uint32(0x10))
	assert.EqualValues(t, 3, snapshot[0x10].Packets)
}

func TestSourceTableProbationRestartsOnJump(t *testing.T) {
	st := NewSourceTable(SourceTableConfig{})
	defer st.Stop()

	st.Observe(sourcePacket(0x11, 100))
	// A sequence jump during probation restarts the countdown.
	st.Observe(sourcePacket(0x11, 500))
	_, validated := st.Observe(sourcePacket(0x11, 501))
	assert.False(t, validated)
	_, validated = st.Observe(sourcePacket(0x11, 502))
	assert.True(t, validated)
}

func TestSourceTableSnapshotExcludesProbationers(t *testing.T) {
	st := NewSourceTable(SourceTableConfig{})
	defer st.Stop()

	st.Observe(sourcePacket(0x20, 1))
	assert.Empty(t, st.Snapshot())
	assert.Equal(t, 1, st.Count())
}

func TestSourceTableByeRemoves(t *testing.T) {
	var removed []uint32
	st := NewSourceTable(SourceTableConfig{
		OnSourceRemoved: func(ssrc uint32, _ *RemoteSource) { removed = append(removed, ssrc) },
	})
	defer st.Stop()

	for seq := uint16(1); seq <= 3; seq++ {
		st.Observe(sourcePacket(0x30, seq))
	}
	require.Contains(t, st.Snapshot(), uint32(0x30))

	st.RemoveOnBye(0x30)
	assert.Equal(t, []uint32{0x30}, removed)
	assert.NotContains(t, st.Snapshot(), uint32(0x30))

	// A BYE for an unknown source is a no-op.
	st.RemoveOnBye(0x99)
	assert.Equal(t, []uint32{0x30}, removed)
}

func TestSourceTableSDESCreatesValidatedSource(t *testing.T) {
	st := NewSourceTable(SourceTableConfig{})
	defer st.Stop()

	st.UpdateFromSDES(0x40, SourceDescription{CNAME: "abc", TOOL: "peer"})
	src, ok := st.Get(0x40)
	require.True(t, ok)
	assert.True(t, src.Validated(), "an SDES-announced source skips probation")
	assert.Equal(t, "abc", src.Description.CNAME)
}

func TestSourceTableTimeoutSweep(t *testing.T) {
	var removed []uint32
	st := NewSourceTable(SourceTableConfig{
		Timeout:         50 * time.Millisecond,
		OnSourceRemoved: func(ssrc uint32, _ *RemoteSource) { removed = append(removed, ssrc) },
	})
	defer st.Stop()

	for seq := uint16(1); seq <= 3; seq++ {
		st.Observe(sourcePacket(0x50, seq))
	}

	assert.Eventually(t, func() bool {
		return st.Count() == 0
	}, 2*time.Second, 10*time.Millisecond, "silent source times out")
}
