// Package format implements the media format registry: named, immutable-
// by-identity codec descriptions with option merge rules used during
// capability negotiation.
//
// A MediaFormat describes a codec the way the rest of the media plane needs
// to know it: its wire name, media category, clock rate, default payload
// type, and a set of tunable options. Formats are registered once at
// process start and looked up by name; the registry never mutates an
// entry's identity, only the option values carried alongside a particular
// reference.
package format

import (
	"fmt"
	"sync"
)

// MediaType categorizes a MediaFormat per RFC 3551 media classes plus the
// RFC 2833 user-input stream type.
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
	MediaTypeData
	MediaTypeUserInput
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	case MediaTypeData:
		return "data"
	case MediaTypeUserInput:
		return "user-input"
	default:
		return "unknown"
	}
}

// DynamicPayloadType marks a MediaFormat whose payload type is negotiated
// rather than fixed by RFC 3551.
const DynamicPayloadType = -1

// MergePolicy describes how two option values from peer formats are
// combined during negotiation.
type MergePolicy int

const (
	// MergeEqualOnly fails unless both values are identical.
	MergeEqualOnly MergePolicy = iota
	// MergeMin keeps the smaller of the two numeric values.
	MergeMin
	// MergeMax keeps the larger of the two numeric values.
	MergeMax
	// MergeNone always keeps the local value, ignoring the remote one.
	MergeNone
)

// OptionValueType is the dynamic type carried by an Option's Value.
type OptionValueType int

const (
	OptionInt OptionValueType = iota
	OptionBool
	OptionString
	OptionEnum
)

// Option is a single tunable parameter of a MediaFormat (frame time,
// bitrate, packetization mode, ...). FMTPName is the token used on the SDP
// `a=fmtp` line for this option; it may differ from Name, which is the
// internal identifier.
type Option struct {
	Name        string
	FMTPName    string
	FMTPDefault string
	ValueType   OptionValueType
	Merge       MergePolicy

	IntValue    int
	BoolValue   bool
	StringValue string
}

// Clone returns an independent copy of the option.
func (o Option) Clone() Option {
	return o
}

// IncompatibleFormats is returned by Merge when two formats of the same
// name carry option values that cannot be reconciled under their declared
// merge policies.
type IncompatibleFormats struct {
	FormatName string
	OptionName string
}

func (e *IncompatibleFormats) Error() string {
	return fmt.Sprintf("media format %q: option %q cannot be merged (equal-only policy, differing values)", e.FormatName, e.OptionName)
}

// MediaFormat is an immutable-by-identity codec description. Two
// MediaFormats sharing the same Name are required by spec to describe the
// same wire encoding; it is a programmer error to register two different
// encodings under one name.
type MediaFormat struct {
	Name           string
	Media          MediaType
	ClockRate      uint32
	PayloadType    int // 0-127, or DynamicPayloadType
	TxFramesPerPacket int
	RxFramesPerPacket int

	options map[string]Option
	order   []string
}

// NewMediaFormat constructs a format with no options set.
func NewMediaFormat(name string, media MediaType, clockRate uint32, payloadType int) *MediaFormat {
	return &MediaFormat{
		Name:              name,
		Media:             media,
		ClockRate:         clockRate,
		PayloadType:       payloadType,
		TxFramesPerPacket: 1,
		RxFramesPerPacket: 1,
		options:           make(map[string]Option),
	}
}

// AddOption registers (or replaces) an option definition on the format.
func (f *MediaFormat) AddOption(opt Option) {
	if _, exists := f.options[opt.Name]; !exists {
		f.order = append(f.order, opt.Name)
	}
	f.options[opt.Name] = opt
}

// Option returns the named option and whether it exists.
func (f *MediaFormat) Option(name string) (Option, bool) {
	o, ok := f.options[name]
	return o, ok
}

// OptionByFMTPName finds an option by its SDP fmtp token.
func (f *MediaFormat) OptionByFMTPName(fmtpName string) (Option, bool) {
	for _, name := range f.order {
		if f.options[name].FMTPName == fmtpName {
			return f.options[name], true
		}
	}
	return Option{}, false
}

// SetOptionInt updates an existing int/enum option's value.
func (f *MediaFormat) SetOptionInt(name string, value int) error {
	o, ok := f.options[name]
	if !ok {
		return fmt.Errorf("format %q: no such option %q", f.Name, name)
	}
	o.IntValue = value
	f.options[name] = o
	return nil
}

// SetOptionString updates an existing string option's value.
func (f *MediaFormat) SetOptionString(name, value string) error {
	o, ok := f.options[name]
	if !ok {
		return fmt.Errorf("format %q: no such option %q", f.Name, name)
	}
	o.StringValue = value
	f.options[name] = o
	return nil
}

// Options returns options in declaration order.
func (f *MediaFormat) Options() []Option {
	out := make([]Option, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.options[name])
	}
	return out
}

// Clone returns a deep, independent copy so that per-endpoint negotiation
// can tune options without mutating the registry's shared reference.
func (f *MediaFormat) Clone() *MediaFormat {
	clone := &MediaFormat{
		Name:              f.Name,
		Media:             f.Media,
		ClockRate:         f.ClockRate,
		PayloadType:       f.PayloadType,
		TxFramesPerPacket: f.TxFramesPerPacket,
		RxFramesPerPacket: f.RxFramesPerPacket,
		options:           make(map[string]Option, len(f.options)),
		order:             append([]string(nil), f.order...),
	}
	for k, v := range f.options {
		clone.options[k] = v
	}
	return clone
}

// Merge combines this (local) format with a remote format of the same
// name, applying each option's declared merge policy. It fails with
// IncompatibleFormats if any equal-only option differs.
func (f *MediaFormat) Merge(remote *MediaFormat) (*MediaFormat, error) {
	if f.Name != remote.Name {
		return nil, fmt.Errorf("cannot merge distinct formats %q and %q", f.Name, remote.Name)
	}
	result := f.Clone()
	for name, localOpt := range result.options {
		remoteOpt, ok := remote.options[name]
		if !ok {
			continue
		}
		merged, err := mergeOption(f.Name, localOpt, remoteOpt)
		if err != nil {
			return nil, err
		}
		result.options[name] = merged
	}
	// ptime-style fields follow the same merge rule as audio packetization:
	// the smaller of the two wins so neither side over-packetizes the other.
	if result.TxFramesPerPacket > remote.TxFramesPerPacket {
		result.TxFramesPerPacket = remote.TxFramesPerPacket
	}
	if result.RxFramesPerPacket > remote.RxFramesPerPacket {
		result.RxFramesPerPacket = remote.RxFramesPerPacket
	}
	return result, nil
}

func mergeOption(formatName string, a, b Option) (Option, error) {
	switch a.Merge {
	case MergeEqualOnly:
		if !optionValuesEqual(a, b) {
			return Option{}, &IncompatibleFormats{FormatName: formatName, OptionName: a.Name}
		}
		return a, nil
	case MergeMin:
		if b.IntValue < a.IntValue {
			a.IntValue = b.IntValue
		}
		return a, nil
	case MergeMax:
		if b.IntValue > a.IntValue {
			a.IntValue = b.IntValue
		}
		return a, nil
	case MergeNone:
		return a, nil
	default:
		return a, nil
	}
}

func optionValuesEqual(a, b Option) bool {
	switch a.ValueType {
	case OptionInt, OptionEnum:
		return a.IntValue == b.IntValue
	case OptionBool:
		return a.BoolValue == b.BoolValue
	case OptionString:
		return a.StringValue == b.StringValue
	default:
		return true
	}
}

// Registry is a process-wide, name-keyed set of MediaFormats.
type Registry struct {
	mu      sync.RWMutex
	formats map[string]*MediaFormat
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{formats: make(map[string]*MediaFormat)}
}

// Register adds a format definition. Registering the same name twice with a
// differing clock rate or media type is a programmer error and returns an
// error rather than silently overwriting.
func (r *Registry) Register(f *MediaFormat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.formats[f.Name]; ok {
		if existing.Media != f.Media || existing.ClockRate != f.ClockRate {
			return fmt.Errorf("format %q already registered with a different wire encoding", f.Name)
		}
	}
	r.formats[f.Name] = f
	return nil
}

// Lookup returns a clone of the registered format, or false if unknown.
// A clone is returned so callers can freely tune options without racing
// other callers of Lookup.
func (r *Registry) Lookup(name string) (*MediaFormat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[name]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// ByPayloadType returns the first registered format with a static payload
// type match (dynamic-payload-type formats never match here).
func (r *Registry) ByPayloadType(pt int) (*MediaFormat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.formats {
		if f.PayloadType == pt {
			return f.Clone(), true
		}
	}
	return nil, false
}

// All returns clones of every registered format.
func (r *Registry) All() []*MediaFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MediaFormat, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f.Clone())
	}
	return out
}

// Default is the process-wide registry pre-populated with the static
// RFC 3551 telephony audio payload types, so callers get the common
// codecs registered without needing their own seed step.
var Default = NewRegistry()

func init() {
	type seed struct {
		name      string
		pt        int
		clockRate uint32
		media     MediaType
	}
	for _, s := range []seed{
		{"PCMU", 0, 8000, MediaTypeAudio},
		{"GSM", 3, 8000, MediaTypeAudio},
		{"G723", 4, 8000, MediaTypeAudio},
		{"DVI4-8K", 5, 8000, MediaTypeAudio},
		{"DVI4-16K", 6, 16000, MediaTypeAudio},
		{"LPC", 7, 8000, MediaTypeAudio},
		{"PCMA", 8, 8000, MediaTypeAudio},
		{"G722", 9, 8000, MediaTypeAudio},
		{"L16-2CH", 10, 44100, MediaTypeAudio},
		{"L16-1CH", 11, 44100, MediaTypeAudio},
		{"QCELP", 12, 8000, MediaTypeAudio},
		{"CN", 13, 8000, MediaTypeAudio},
		{"G728", 15, 8000, MediaTypeAudio},
		{"G729", 18, 8000, MediaTypeAudio},
		{"H261", 31, 90000, MediaTypeVideo},
		{"H263", 34, 90000, MediaTypeVideo},
	} {
		mf := NewMediaFormat(s.name, s.media, s.clockRate, s.pt)
		if s.media == MediaTypeAudio {
			mf.AddOption(Option{Name: "FMTP", FMTPName: "FMTP", ValueType: OptionString, Merge: MergeNone})
		}
		_ = Default.Register(mf)
	}
	// Dynamic-payload-type formats common in the example offer/answer set.
	telephoneEvent := NewMediaFormat("telephone-event", MediaTypeUserInput, 8000, DynamicPayloadType)
	telephoneEvent.AddOption(Option{Name: "Events", FMTPName: "FMTP", FMTPDefault: "0-16", ValueType: OptionString, Merge: MergeNone})
	_ = Default.Register(telephoneEvent)

	vp8 := NewMediaFormat("VP8", MediaTypeVideo, 90000, DynamicPayloadType)
	vp8.AddOption(Option{Name: "MaxFrameRate", FMTPName: "max-fr", ValueType: OptionInt, Merge: MergeMin, IntValue: 30})
	_ = Default.Register(vp8)

	h264 := NewMediaFormat("H264", MediaTypeVideo, 90000, DynamicPayloadType)
	h264.AddOption(Option{Name: "ProfileLevelID", FMTPName: "profile-level-id", ValueType: OptionString, Merge: MergeEqualOnly})
	h264.AddOption(Option{Name: "PacketizationMode", FMTPName: "packetization-mode", ValueType: OptionInt, Merge: MergeEqualOnly})
	_ = Default.Register(h264)
}
