// Package sdp implements the SDP offer/answer codec: parsing and
// serializing the subset of RFC 4566 / RFC 3264 the media plane needs to
// drive negotiation, layered on top of github.com/pion/sdp/v3 for
// low-level attribute and line tokenizing.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/arzzra/opal-media-core/pkg/format"
)

// ErrorCode mirrors the pkg/media_sdp.SDPErrorCode pattern.
type ErrorCode int

const (
	ErrorCodeMalformed ErrorCode = iota + 3000
	ErrorCodeIncompatibleCodec
)

// Error is the package's error type; it wraps an underlying cause so
// callers can errors.As/Is against it.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("sdp error [%d]: %s", e.Code, e.Message)
	if e.Wrapped != nil {
		msg += fmt.Sprintf(": %v", e.Wrapped)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

func malformed(format string, args ...interface{}) error {
	return &Error{Code: ErrorCodeMalformed, Message: fmt.Sprintf(format, args...)}
}

// Direction is the session- or media-level direction attribute.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

func parseDirection(attr string) (Direction, bool) {
	switch attr {
	case "sendrecv":
		return DirectionSendRecv, true
	case "sendonly":
		return DirectionSendOnly, true
	case "recvonly":
		return DirectionRecvOnly, true
	case "inactive":
		return DirectionInactive, true
	default:
		return DirectionSendRecv, false
	}
}

// Origin mirrors RFC 4566's o= line.
type Origin struct {
	Username       string
	SessionID      uint64
	SessionVersion uint64
	Address        string
}

// MediaFormatLine is one payload-type entry of an m= line: payload type,
// encoding name, clock rate and optional encoding parameters (channel
// count for rtpmap), plus the parsed fmtp option string.
type MediaFormatLine struct {
	PayloadType int
	Encoding    string
	ClockRate   uint32
	Params      string // e.g. channel count after a second slash in a=rtpmap
	FMTP        string // raw fmtp parameter string, kept for opaque passthrough
	FMTPParams  map[string]string // parsed when FMTP contains ';'-or-'='-structured content
}

// MediaDescription is one m= block.
type MediaDescription struct {
	MediaType   string // audio, video, application, ...
	Port        int
	PortCount   int // 0 means unspecified (single port)
	Transport   string // RTP/AVP, RTP/AVPF, ...
	Formats     []MediaFormatLine
	ConnectAddr string // may be empty if inherited from session-level c=
	Direction   Direction
	HasDirection bool // true if this media block set its own direction
	PTime       int // milliseconds, 0 = unset
	MaxPTime    int
}

// SessionDescription is the parsed "SDP Session" data model.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	ConnectAddr string
	Direction   Direction
	Bandwidth   int // kbit/s, 0 = unset
	Media       []MediaDescription
}

// Parse parses raw SDP text: line-oriented, media-level
// lines follow each m=, session-level lines precede the first m=. Unknown
// media types skip their block but parsing continues. Structural errors
// (missing mandatory v=/o=/s=/t=, non-parseable numeric fields) return
// ErrorCodeMalformed; individual bad attribute lines are collected as
// warnings and otherwise ignored.
func Parse(raw string) (*SessionDescription, []string, error) {
	// pion/sdp rejects media types it does not know, so cut those blocks out first.
	var warnings, kept []string
	skipping := false
	for _, line := range strings.Split(normalizeLineEndings(raw), "\r\n") {
		if strings.HasPrefix(line, "m=") {
			mediaType := strings.SplitN(line[2:], " ", 2)[0]
			skipping = !knownMediaTypes[mediaType]
			if skipping {
				warnings = append(warnings, fmt.Sprintf("skipping unknown media type %q", mediaType))
			}
		}
		if !skipping || line == "" {
			kept = append(kept, line)
		}
	}

	var psd psdp.SessionDescription
	if err := psd.Unmarshal([]byte(strings.Join(kept, "\r\n"))); err != nil {
		return nil, nil, malformed("structural parse failure: %v", err)
	}

	sd := &SessionDescription{
		Version:     int(psd.Version),
		SessionName: string(psd.SessionName),
		Origin: Origin{
			Username:       psd.Origin.Username,
			SessionID:      psd.Origin.SessionID,
			SessionVersion: psd.Origin.SessionVersion,
			Address:        psd.Origin.UnicastAddress,
		},
	}
	if psd.ConnectionInformation != nil && psd.ConnectionInformation.Address != nil {
		sd.ConnectAddr = psd.ConnectionInformation.Address.Address
	}
	if psd.SessionName == "" {
		warnings = append(warnings, "missing s= session name")
	}

	for _, a := range psd.Attributes {
		if dir, ok := parseDirection(a.Key); ok {
			sd.Direction = dir
		}
	}

	for _, pm := range psd.MediaDescriptions {
		md, warns, skip := parseMediaDescription(pm)
		warnings = append(warnings, warns...)
		if skip {
			continue
		}
		if md.ConnectAddr == "" {
			md.ConnectAddr = sd.ConnectAddr
		}
		sd.Media = append(sd.Media, *md)
	}

	return sd, warnings, nil
}

var knownMediaTypes = map[string]bool{"audio": true, "video": true, "application": true, "data": true, "message": true}

func parseMediaDescription(pm *psdp.MediaDescription) (*MediaDescription, []string, bool) {
	var warnings []string
	mediaType := pm.MediaName.Media
	if !knownMediaTypes[mediaType] {
		// Unknown media type: skip the block but keep parsing the rest.
		return nil, []string{fmt.Sprintf("skipping unknown media type %q", mediaType)}, true
	}

	md := &MediaDescription{
		MediaType: mediaType,
		Port:      pm.MediaName.Port.Value,
		Transport: strings.Join(pm.MediaName.Protos, "/"),
	}
	if pm.MediaName.Port.Range != nil {
		md.PortCount = *pm.MediaName.Port.Range
	}
	if pm.ConnectionInformation != nil && pm.ConnectionInformation.Address != nil {
		md.ConnectAddr = pm.ConnectionInformation.Address.Address
	}

	byPT := make(map[int]*MediaFormatLine)
	for _, f := range pm.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("bad payload type token %q", f))
			continue
		}
		line := &MediaFormatLine{PayloadType: pt}
		byPT[pt] = line
		md.Formats = append(md.Formats, *line)
	}
	// index into md.Formats by payload type for in-place updates below
	index := make(map[int]int, len(md.Formats))
	for i, f := range md.Formats {
		index[f.PayloadType] = i
	}

	for _, a := range pm.Attributes {
		switch a.Key {
		case "rtpmap":
			pt, enc, clock, params, err := parseRtpmap(a.Value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("bad a=rtpmap line %q: %v", a.Value, err))
				continue
			}
			i, ok := index[pt]
			if !ok {
				md.Formats = append(md.Formats, MediaFormatLine{PayloadType: pt})
				i = len(md.Formats) - 1
				index[pt] = i
			}
			md.Formats[i].Encoding = enc
			md.Formats[i].ClockRate = clock
			md.Formats[i].Params = params
		case "fmtp":
			pt, params, err := parseFmtpLine(a.Value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("bad a=fmtp line %q: %v", a.Value, err))
				continue
			}
			i, ok := index[pt]
			if !ok {
				continue
			}
			md.Formats[i].FMTP = params
			if kv, structured := splitFMTPKeyValues(params); structured {
				md.Formats[i].FMTPParams = kv
			}
		case "sendrecv", "sendonly", "recvonly", "inactive":
			md.Direction, _ = parseDirection(a.Key)
			md.HasDirection = true
		case "ptime":
			ms, err := strconv.Atoi(a.Value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("bad a=ptime value %q", a.Value))
				continue
			}
			md.PTime = ms
		case "maxptime":
			ms, err := strconv.Atoi(a.Value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("bad a=maxptime value %q", a.Value))
				continue
			}
			md.MaxPTime = ms
		}
	}

	return md, warnings, false
}

func parseRtpmap(value string) (pt int, encoding string, clockRate uint32, params string, err error) {
	// "PT enc/rate[/params]"
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, "", 0, "", fmt.Errorf("expected 'PT enc/rate'")
	}
	ptVal, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", 0, "", err
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return 0, "", 0, "", fmt.Errorf("expected enc/rate")
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, "", 0, "", err
	}
	p := ""
	if len(parts) > 2 {
		p = parts[2]
	}
	return ptVal, parts[0], uint32(rate), p, nil
}

func parseFmtpLine(value string) (pt int, params string, err error) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("expected 'PT params'")
	}
	ptVal, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", err
	}
	return ptVal, fields[1], nil
}

// splitFMTPKeyValues parses "key1=val1;key2=val2" structured fmtp params;
// if the string doesn't look like key=value pairs it is kept as an
// opaque FMTP option instead (structured==false).
func splitFMTPKeyValues(params string) (map[string]string, bool) {
	if !strings.Contains(params, "=") {
		return nil, false
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(params, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, false
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, true
}

func normalizeLineEndings(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// Generate produces SDP text from a SessionDescription:
// v=, o=, s=, optional c= (only when every media description shares the
// session-level address), optional b=, mandatory t=0 0, session direction,
// then each media block with its rtpmap/fmtp lines, a maxptime line when
// finite, then the media's direction override.
func Generate(sd *SessionDescription) (string, error) {
	psd := &psdp.SessionDescription{
		Version: psdp.Version(sd.Version),
		Origin: psdp.Origin{
			Username:       sd.Origin.Username,
			SessionID:      sd.Origin.SessionID,
			SessionVersion: sd.Origin.SessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: sd.Origin.Address,
		},
		SessionName: psdp.SessionName(sd.SessionName),
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	if addr := commonConnectAddr(sd); addr != "" {
		psd.ConnectionInformation = &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: addr},
		}
	}
	if sd.Bandwidth > 0 {
		psd.Bandwidth = append(psd.Bandwidth, psdp.Bandwidth{Type: "AS", Bandwidth: uint64(sd.Bandwidth)})
	}
	psd.Attributes = append(psd.Attributes, psdp.Attribute{Key: sd.Direction.String()})

	for _, md := range sd.Media {
		pmd, err := generateMediaDescription(md, sd)
		if err != nil {
			return "", err
		}
		psd.MediaDescriptions = append(psd.MediaDescriptions, pmd)
	}

	bytes, err := psd.Marshal()
	if err != nil {
		return "", malformed("serialization failure: %v", err)
	}
	return string(bytes), nil
}

func commonConnectAddr(sd *SessionDescription) string {
	if len(sd.Media) == 0 {
		return sd.ConnectAddr
	}
	addr := sd.Media[0].ConnectAddr
	if addr == "" {
		addr = sd.ConnectAddr
	}
	for _, md := range sd.Media {
		a := md.ConnectAddr
		if a == "" {
			a = sd.ConnectAddr
		}
		if a != addr {
			return ""
		}
	}
	return addr
}

func generateMediaDescription(md MediaDescription, sd *SessionDescription) (*psdp.MediaDescription, error) {
	pts := make([]string, 0, len(md.Formats))
	for _, f := range md.Formats {
		pts = append(pts, strconv.Itoa(f.PayloadType))
	}
	pmd := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   md.MediaType,
			Port:    psdp.RangedPort{Value: md.Port},
			Protos:  strings.Split(md.Transport, "/"),
			Formats: pts,
		},
	}
	if md.PortCount > 0 {
		pmd.MediaName.Port.Range = &md.PortCount
	}
	if md.ConnectAddr != "" && md.ConnectAddr != commonConnectAddr(sd) {
		pmd.ConnectionInformation = &psdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4",
			Address: &psdp.Address{Address: md.ConnectAddr},
		}
	}

	minRxPTime := 0
	for _, f := range md.Formats {
		rtpmap := fmt.Sprintf("%d %s/%d", f.PayloadType, f.Encoding, f.ClockRate)
		if f.Params != "" {
			rtpmap += "/" + f.Params
		}
		pmd.Attributes = append(pmd.Attributes, psdp.Attribute{Key: "rtpmap", Value: rtpmap})
		if f.FMTP != "" {
			pmd.Attributes = append(pmd.Attributes, psdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d %s", f.PayloadType, f.FMTP)})
		}
	}
	if md.MaxPTime > 0 {
		minRxPTime = md.MaxPTime
	}
	if minRxPTime > 0 {
		pmd.Attributes = append(pmd.Attributes, psdp.Attribute{Key: "maxptime", Value: strconv.Itoa(minRxPTime)})
	}
	if md.HasDirection {
		pmd.Attributes = append(pmd.Attributes, psdp.Attribute{Key: md.Direction.String()})
	}

	return pmd, nil
}

// ApplyPTime applies a=ptime/a=maxptime semantics to every audio
// MediaFormat referenced by a media description: TxFramesPerPacket and
// RxFramesPerPacket are rounded UP to cover the stated millisecond value.
func ApplyPTime(md *MediaDescription, formats map[int]*format.MediaFormat) {
	if md.MediaType != "audio" {
		return
	}
	applyOne := func(ms int) {
		if ms <= 0 {
			return
		}
		for _, f := range md.Formats {
			mf, ok := formats[f.PayloadType]
			if !ok || mf.ClockRate == 0 {
				continue
			}
			frameMs := frameDurationMs(mf)
			if frameMs <= 0 {
				continue
			}
			frames := (ms + frameMs - 1) / frameMs // round up
			if frames > mf.TxFramesPerPacket {
				mf.TxFramesPerPacket = frames
			}
			if frames > mf.RxFramesPerPacket {
				mf.RxFramesPerPacket = frames
			}
		}
	}
	applyOne(md.PTime)
	applyOne(md.MaxPTime)
}

// frameDurationMs is a coarse default (20ms) for formats that don't carry
// an explicit per-frame duration option; real deployments tune this from
// the MediaFormat's own frame-time option when present.
func frameDurationMs(mf *format.MediaFormat) int {
	if opt, ok := mf.Option("FrameTimeMs"); ok && opt.IntValue > 0 {
		return opt.IntValue
	}
	return 20
}

// NegotiateBestFormat picks the best common format between an ordered
// local preference list and the remote's offered/accepted formats:
// ordered by caller preference, falling back to the order the remote
// offered them.
func NegotiateBestFormat(localPreference []string, remote *MediaDescription) (MediaFormatLine, bool) {
	remoteByName := make(map[string]MediaFormatLine, len(remote.Formats))
	for _, f := range remote.Formats {
		remoteByName[strings.ToLower(f.Encoding)] = f
	}
	for _, name := range localPreference {
		if f, ok := remoteByName[strings.ToLower(name)]; ok {
			return f, true
		}
	}
	if len(remote.Formats) > 0 {
		return remote.Formats[0], true
	}
	return MediaFormatLine{}, false
}
