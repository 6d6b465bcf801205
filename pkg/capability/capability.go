// Package capability implements the endpoint capability catalog: H.323's
// three-level capability set (H.323 section 6.2.8.1 / H.245 section
// 7.2.8.1), modeled as a tagged variant plus a plain registry.
package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arzzra/opal-media-core/pkg/format"
)

// MainType is the coarse category of a Capability; protocol-specific
// behavior lives in a codec plug-in looked up by name rather than in a
// type hierarchy.
type MainType int

const (
	MainTypeAudio MainType = iota
	MainTypeVideo
	MainTypeData
	MainTypeUserInput
)

// Direction constrains whether a Capability may be used to send,
// receive, both, or neither.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionRX
	DirectionTX
	DirectionRXTX
	DirectionNone
)

// NonStandardID identifies a vendor-private capability by the
// country/extension/manufacturer triple H.245 NonStandardParameter uses,
// or by OID when the vendor registered one instead.
type NonStandardID struct {
	OID          string
	Country      int
	Extension    int
	Manufacturer int
}

// Equal compares identifiers the way H323NonStandardCapabilityInfo does:
// OID takes precedence when set on both sides, otherwise the CEM triple.
func (id NonStandardID) Equal(other NonStandardID) bool {
	if id.OID != "" || other.OID != "" {
		return id.OID == other.OID
	}
	return id.Country == other.Country &&
		id.Extension == other.Extension &&
		id.Manufacturer == other.Manufacturer
}

// Codec is the interface opaque codec plug-ins implement to take part
// in capability negotiation: TCS/OLC/mode PDU encode and decode stay
// behind this boundary, keyed off the registry by name.
type Codec interface {
	Name() string
	MainType() MainType
	SubType() int
	EncodeTCS() []byte
	EncodeOLC() []byte
	EncodeMode() []byte
	Decode(pdu []byte) error
}

// Capability is a handle to a MediaFormat in an endpoint-local catalog,
// augmented with negotiation metadata: direction, non-standard vendor
// identification, and an optional codec plug-in.
type Capability struct {
	ID        int
	Format    *format.MediaFormat
	Main      MainType
	SubType   int
	Direction Direction
	Codec     Codec // optional; nil for formats with no registered plug-in

	NonStandard     *NonStandardID
	NonStandardData []byte
}

func (c *Capability) String() string {
	name := "?"
	if c.Format != nil {
		name = c.Format.Name
	}
	return fmt.Sprintf("Capability#%d(%s,%s)", c.ID, name, directionString(c.Direction))
}

func directionString(d Direction) string {
	switch d {
	case DirectionRX:
		return "rx"
	case DirectionTX:
		return "tx"
	case DirectionRXTX:
		return "rxtx"
	case DirectionNone:
		return "none"
	default:
		return "unknown"
	}
}

// matchBlob compares NonStandardData only over [offset, offset+length) of
// each side, the windowed vendor-blob comparison H.245's
// NonStandardParameter matching calls for.
func matchBlob(a, b []byte, offset, length int) bool {
	end := offset + length
	if end > len(a) || end > len(b) {
		return false
	}
	for i := offset; i < end; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// descriptor is level 1: a simultaneous group (codecs that may be active
// at the same time) containing level-2 cannot-operate-together lists.
type descriptor []simultaneousGroup

// simultaneousGroup is level 2: exactly one member may be active at once.
type simultaneousGroup []int // capability IDs

// Set is the three-level nested capability list (H.323 §6.2.8) backed by a
// flat id-indexed lookup table. Every id referenced by the nested
// descriptors also exists in the flat table; Remove deletes from both.
type Set struct {
	mu sync.RWMutex

	flat   map[int]*Capability
	nextID int

	descriptors []descriptor
	orderedIDs  []int
}

// NewSet constructs an empty capability set.
func NewSet() *Set {
	return &Set{flat: make(map[int]*Capability)}
}

// Add appends a capability to the flat table only (not the nested
// descriptor structure) and assigns a unique id never reused within the
// set's lifetime.
func (s *Set) Add(c *Capability) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	s.flat[c.ID] = c
	return c.ID
}

// MaxIndex means "next available" slot in Set/descriptorIdx or
// simultaneousIdx, mirroring H.245's P_MAX_INDEX sentinel.
const MaxIndex = -1

// Set inserts a capability into the nested structure at the given
// descriptor/simultaneous coordinates, adding it to the flat table first if
// it isn't already present there. Using MaxIndex for either coordinate
// picks the next available slot. Returns the descriptor index used.
func (s *Set) Set(descriptorIdx, simultaneousIdx int, c *Capability) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flat[c.ID]; !exists {
		s.nextID++
		c.ID = s.nextID
		s.flat[c.ID] = c
	}

	if descriptorIdx == MaxIndex {
		descriptorIdx = len(s.descriptors)
	}
	for len(s.descriptors) <= descriptorIdx {
		s.descriptors = append(s.descriptors, descriptor{})
	}

	if simultaneousIdx == MaxIndex {
		simultaneousIdx = len(s.descriptors[descriptorIdx])
	}
	for len(s.descriptors[descriptorIdx]) <= simultaneousIdx {
		s.descriptors[descriptorIdx] = append(s.descriptors[descriptorIdx], simultaneousGroup{})
	}

	s.descriptors[descriptorIdx][simultaneousIdx] = append(s.descriptors[descriptorIdx][simultaneousIdx], c.ID)
	return descriptorIdx
}

// AddAllByName performs a fuzzy, case-insensitive substring match (e.g.
// "GSM" matches "GSM 0610") against every capability currently in the flat
// table and inserts each match at the given coordinates, repeating until
// exhausted. Returns the number of capabilities added.
func (s *Set) AddAllByName(descriptorIdx, simultaneousIdx int, name string) int {
	s.mu.RLock()
	var ids []int
	needle := strings.ToLower(name)
	for id, c := range s.flat {
		if c.Format != nil && strings.Contains(strings.ToLower(c.Format.Name), needle) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Ints(ids)
	count := 0
	for _, id := range ids {
		s.mu.RLock()
		c := s.flat[id]
		s.mu.RUnlock()
		s.Set(descriptorIdx, simultaneousIdx, c)
		count++
	}
	return count
}

// RemoveByID deletes a capability from both the flat table and every
// nested list that references it.
func (s *Set) RemoveByID(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flat[id]; !ok {
		return false
	}
	delete(s.flat, id)
	s.pruneNestedLocked(id)
	return true
}

// RemoveByName removes every capability whose format name matches
// (case-insensitive substring).
func (s *Set) RemoveByName(name string) int {
	s.mu.Lock()
	needle := strings.ToLower(name)
	var toRemove []int
	for id, c := range s.flat {
		if c.Format != nil && strings.Contains(strings.ToLower(c.Format.Name), needle) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(s.flat, id)
		s.pruneNestedLocked(id)
	}
	s.mu.Unlock()
	return len(toRemove)
}

// RemoveByRef removes a specific Capability instance (by identity of ID).
func (s *Set) RemoveByRef(c *Capability) bool {
	if c == nil {
		return false
	}
	return s.RemoveByID(c.ID)
}

// RemoveAll empties the set entirely.
func (s *Set) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flat = make(map[int]*Capability)
	s.descriptors = nil
	s.orderedIDs = nil
}

func (s *Set) pruneNestedLocked(id int) {
	for di := range s.descriptors {
		for si := range s.descriptors[di] {
			group := s.descriptors[di][si]
			out := group[:0]
			for _, existing := range group {
				if existing != id {
					out = append(out, existing)
				}
			}
			s.descriptors[di][si] = out
		}
	}
}

// FindByID returns the capability with the given id, lowest id first (the
// id is unique so this is just a lookup, kept for interface symmetry with
// the other Find variants).
func (s *Set) FindByID(id int) (*Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.flat[id]
	return c, ok
}

// FindByName performs the fuzzy substring match, optionally filtered by
// direction first; among equal candidates the lowest id wins.
func (s *Set) FindByName(name string, direction Direction) (*Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(name)
	var best *Capability
	for _, c := range s.flat {
		if c.Format == nil || !strings.Contains(strings.ToLower(c.Format.Name), needle) {
			continue
		}
		if direction != DirectionUnknown && c.Direction != direction {
			continue
		}
		if best == nil || c.ID < best.ID {
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// FindByType finds the lowest-id capability matching a main type and
// (optionally) sub-type; pass subType -1 to ignore it.
func (s *Set) FindByType(main MainType, subType int) (*Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Capability
	for _, c := range s.flat {
		if c.Main != main {
			continue
		}
		if subType >= 0 && c.SubType != subType {
			continue
		}
		if best == nil || c.ID < best.ID {
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// FindByNonStandard matches by identifier (country/extension/manufacturer
// or OID) and a data-blob comparison restricted to [offset, offset+length).
func (s *Set) FindByNonStandard(id NonStandardID, blob []byte, offset, length int) (*Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Capability
	for _, c := range s.flat {
		if c.NonStandard == nil || !c.NonStandard.Equal(id) {
			continue
		}
		if !matchBlob(c.NonStandardData, blob, offset, length) {
			continue
		}
		if best == nil || c.ID < best.ID {
			best = c
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Reorder performs a stable partition against preferenceList: entries whose
// format name matches an entry in preferenceList (in preference order) come
// first, preserving the relative order of non-matches at the tail. Ids are
// never reassigned; this only changes the order returned by List.
func (s *Set) Reorder(preferenceList []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rank := make(map[string]int, len(preferenceList))
	for i, name := range preferenceList {
		rank[strings.ToLower(name)] = i
	}

	ids := make([]int, 0, len(s.flat))
	for id := range s.flat {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := s.flat[ids[i]], s.flat[ids[j]]
		ri, iok := rank[strings.ToLower(ci.Format.Name)]
		rj, jok := rank[strings.ToLower(cj.Format.Name)]
		switch {
		case iok && jok:
			return ri < rj
		case iok && !jok:
			return true
		case !iok && jok:
			return false
		default:
			return ids[i] < ids[j] // preserve relative (insertion) order of non-matches
		}
	})

	// The nested descriptor structure is left untouched; Reorder only
	// re-ranks the flat iteration order used by List().
	s.orderedIDs = ids
}

// List returns capabilities in the order established by the last Reorder
// call (or id order if Reorder was never called); capabilities added after
// that call follow in id order.
func (s *Set) List() []*Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int
	if s.orderedIDs != nil {
		ids = append(ids, s.orderedIDs...)
		ranked := make(map[int]bool, len(s.orderedIDs))
		for _, id := range s.orderedIDs {
			ranked[id] = true
		}
		var rest []int
		for id := range s.flat {
			if !ranked[id] {
				rest = append(rest, id)
			}
		}
		sort.Ints(rest)
		ids = append(ids, rest...)
	} else {
		for id := range s.flat {
			ids = append(ids, id)
		}
		sort.Ints(ids)
	}
	out := make([]*Capability, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.flat[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// IsAllowed returns true iff the given capability (or pair) can co-exist
// per the simultaneous/alternative nested structure: two capabilities in
// the same cannot-operate-together list (level 2) can never be active
// together; any other combination is allowed.
func (s *Set) IsAllowed(a *Capability, b *Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b == nil {
		_, ok := s.flat[a.ID]
		return ok
	}
	for _, desc := range s.descriptors {
		for _, group := range desc {
			hasA, hasB := false, false
			for _, id := range group {
				if id == a.ID {
					hasA = true
				}
				if id == b.ID {
					hasB = true
				}
			}
			if hasA && hasB {
				return false
			}
		}
	}
	return true
}

// Merge accepts into this set those entries of other that pass IsAllowed
// against every capability already present. Each accepted entry is added
// as a copy with a fresh id from this set.
func (s *Set) Merge(other *Set) {
	for _, c := range other.List() {
		// Ids are per set: drop the other set's id so it cannot be
		// mistaken for an id already used here.
		cand := *c
		cand.ID = 0
		allowed := true
		for _, existing := range s.List() {
			if !s.IsAllowed(&cand, existing) {
				allowed = false
				break
			}
		}
		if allowed {
			s.Add(&cand)
		}
	}
}

// Size returns the number of capabilities in the flat table.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flat)
}
