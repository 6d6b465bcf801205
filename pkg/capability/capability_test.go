package capability

import (
	"testing"

	"github.com/arzzra/opal-media-core/pkg/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCap(name string) *Capability {
	return &Capability{Format: format.NewMediaFormat(name, format.MediaTypeAudio, 8000, 0), Main: MainTypeAudio}
}

func TestAddAssignsUniqueIDs(t *testing.T) {
	s := NewSet()
	id1 := s.Add(newCap("PCMU"))
	id2 := s.Add(newCap("PCMA"))
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, s.Size())
}

func TestFindByIDAfterRemove(t *testing.T) {
	s := NewSet()
	c := newCap("PCMU")
	id := s.Add(c)

	found, ok := s.FindByID(id)
	require.True(t, ok)
	assert.Equal(t, "PCMU", found.Format.Name)

	require.True(t, s.RemoveByID(id))
	_, ok = s.FindByID(id)
	assert.False(t, ok)
}

func TestRemovePrunesNestedStructure(t *testing.T) {
	s := NewSet()
	c := newCap("GSM")
	s.Set(MaxIndex, MaxIndex, c)
	require.True(t, s.RemoveByID(c.ID))
	// The nested structure no longer contains the removed entry anywhere.
	for _, desc := range s.descriptors {
		for _, group := range desc {
			for _, id := range group {
				assert.NotEqual(t, c.ID, id)
			}
		}
	}
}

func TestAddAllByNameFuzzyMatch(t *testing.T) {
	s := NewSet()
	s.Add(&Capability{Format: format.NewMediaFormat("GSM 0610", format.MediaTypeAudio, 8000, 3)})
	s.Add(&Capability{Format: format.NewMediaFormat("PCMU", format.MediaTypeAudio, 8000, 0)})

	n := s.AddAllByName(MaxIndex, MaxIndex, "gsm")
	assert.Equal(t, 1, n)
}

func TestReorderPreservesIDs(t *testing.T) {
	s := NewSet()
	idPCMU := s.Add(newCap("PCMU"))
	idPCMA := s.Add(newCap("PCMA"))

	s.Reorder([]string{"PCMA"})
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, idPCMA, list[0].ID)
	assert.Equal(t, idPCMU, list[1].ID)

	// ids unchanged
	_, ok := s.FindByID(idPCMU)
	assert.True(t, ok)
}

func TestIsAllowedWithinCannotOperateGroup(t *testing.T) {
	s := NewSet()
	a := newCap("H261")
	b := newCap("H263")
	s.Set(0, 0, a)
	s.Set(0, 0, b) // same simultaneous group => cannot operate together

	assert.False(t, s.IsAllowed(a, b))
}

func TestIsAllowedAcrossDescriptors(t *testing.T) {
	s := NewSet()
	a := newCap("H261")
	b := newCap("H263")
	s.Set(0, 0, a)
	s.Set(1, 0, b) // different descriptor (alternative) => allowed together

	assert.True(t, s.IsAllowed(a, b))
}

func TestFindByNonStandardBlobWindow(t *testing.T) {
	s := NewSet()
	c := newCap("VendorCodec")
	c.NonStandard = &NonStandardID{Country: 1, Extension: 2, Manufacturer: 3}
	c.NonStandardData = []byte{0xAA, 0xBB, 0xCC, 0xDD}
	s.Add(c)

	// Only compare bytes [1,3) -> {0xBB, 0xCC}; differing byte 0/3 must not matter.
	query := []byte{0xFF, 0xBB, 0xCC, 0xFF}
	found, ok := s.FindByNonStandard(NonStandardID{Country: 1, Extension: 2, Manufacturer: 3}, query, 1, 2)
	require.True(t, ok)
	assert.Equal(t, c.ID, found.ID)
}

func TestMergeOnlyAcceptsAllowedCombinations(t *testing.T) {
	s1 := NewSet()
	a := newCap("H261")
	b := newCap("H263")
	s1.Set(0, 0, a)
	s1.Set(0, 0, b)

	s2 := NewSet()
	c := newCap("VP8")
	s2.Add(c)

	s1.Merge(s2)
	assert.Equal(t, 3, s1.Size())
}
