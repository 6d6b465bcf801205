package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupReturnsClone(t *testing.T) {
	r := NewRegistry()
	mf := NewMediaFormat("PCMU", MediaTypeAudio, 8000, 0)
	require.NoError(t, r.Register(mf))

	got, ok := r.Lookup("PCMU")
	require.True(t, ok)
	got.ClockRate = 1

	got2, _ := r.Lookup("PCMU")
	assert.Equal(t, uint32(8000), got2.ClockRate, "Lookup must return independent clones")
}

func TestMergeEqualOnlyFailsOnMismatch(t *testing.T) {
	a := NewMediaFormat("H264", MediaTypeVideo, 90000, DynamicPayloadType)
	a.AddOption(Option{Name: "ProfileLevelID", ValueType: OptionString, Merge: MergeEqualOnly, StringValue: "42e01f"})
	b := a.Clone()
	_ = b.SetOptionString("ProfileLevelID", "42001f")

	_, err := a.Merge(b)
	require.Error(t, err)
	var incompat *IncompatibleFormats
	assert.ErrorAs(t, err, &incompat)
}

func TestMergeMinIsCommutative(t *testing.T) {
	a := NewMediaFormat("VP8", MediaTypeVideo, 90000, DynamicPayloadType)
	a.AddOption(Option{Name: "MaxFrameRate", ValueType: OptionInt, Merge: MergeMin, IntValue: 30})
	b := a.Clone()
	_ = b.SetOptionInt("MaxFrameRate", 15)

	ab, err := a.Merge(b)
	require.NoError(t, err)
	ba, err := b.Merge(a)
	require.NoError(t, err)

	abOpt, _ := ab.Option("MaxFrameRate")
	baOpt, _ := ba.Option("MaxFrameRate")
	assert.Equal(t, 15, abOpt.IntValue)
	assert.Equal(t, abOpt.IntValue, baOpt.IntValue)
}

func TestMergeIsIdentityOnEqualOperands(t *testing.T) {
	a := NewMediaFormat("PCMU", MediaTypeAudio, 8000, 0)
	a.AddOption(Option{Name: "FMTP", ValueType: OptionString, Merge: MergeEqualOnly, StringValue: ""})
	b := a.Clone()

	merged, err := a.Merge(b)
	require.NoError(t, err)
	assert.Equal(t, a.Name, merged.Name)
	assert.Equal(t, a.ClockRate, merged.ClockRate)
}

func TestDefaultRegistrySeeded(t *testing.T) {
	pcmu, ok := Default.Lookup("PCMU")
	require.True(t, ok)
	assert.Equal(t, 0, pcmu.PayloadType)
	assert.Equal(t, uint32(8000), pcmu.ClockRate)

	byPT, ok := Default.ByPayloadType(8)
	require.True(t, ok)
	assert.Equal(t, "PCMA", byPT.Name)
}
