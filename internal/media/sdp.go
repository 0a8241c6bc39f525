package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RtpEndpoint is the remote media destination negotiated for one call.
// It is derived once from the far end's session description and is
// immutable afterwards.
type RtpEndpoint struct {
	IP          string
	Port        int
	PayloadType int
}

func (e RtpEndpoint) String() string {
	return fmt.Sprintf("%s:%d pt=%d", e.IP, e.Port, e.PayloadType)
}

// Codec represents a codec from an SDP rtpmap attribute.
type Codec struct {
	PayloadType int
	Name        string // e.g. "PCMU", "PCMA", "telephone-event"
	ClockRate   int
}

// MediaDescription holds a parsed SDP m= section with its attributes.
type MediaDescription struct {
	Type       string // "audio", "video", etc.
	Port       int
	Proto      string // e.g. "RTP/AVP"
	Formats    []int  // payload type numbers in offer order
	Connection string // media-level c= address (overrides session-level)
	Codecs     []Codec
	Direction  string // "sendrecv", "sendonly", "recvonly", "inactive"
}

// SessionDescription holds the parts of a parsed SDP body the bridge
// cares about.
type SessionDescription struct {
	Origin     string
	Connection string // session-level c= address
	Media      []MediaDescription
}

// AudioMedia returns the first audio media description, or nil if none.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// RemoteEndpoint extracts the remote RTP destination from the session
// description. The first offered G.711 payload type wins; descriptions
// without a usable address, port, or codec are rejected.
func (s *SessionDescription) RemoteEndpoint() (RtpEndpoint, error) {
	m := s.AudioMedia()
	if m == nil {
		return RtpEndpoint{}, errors.New("sdp has no audio media section")
	}
	addr := m.Connection
	if addr == "" {
		addr = s.Connection
	}
	if addr == "" {
		return RtpEndpoint{}, errors.New("sdp has no connection address")
	}
	if m.Port <= 0 {
		return RtpEndpoint{}, fmt.Errorf("sdp has unusable media port %d", m.Port)
	}
	for _, pt := range m.Formats {
		if pt == PayloadTypePCMU || pt == PayloadTypePCMA {
			return RtpEndpoint{IP: addr, Port: m.Port, PayloadType: pt}, nil
		}
	}
	return RtpEndpoint{}, fmt.Errorf("no supported g711 payload type in %v", m.Formats)
}

// ParseSDP parses an SDP body. Lines it does not understand are skipped;
// SDP from carriers routinely carries vendor attributes.
func ParseSDP(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, errors.New("empty sdp body")
	}

	sd := &SessionDescription{}
	var cur *MediaDescription

	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'o':
			sd.Origin = value

		case 'c':
			addr, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if cur != nil {
				cur.Connection = addr
			} else {
				sd.Connection = addr
			}

		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			cur = &sd.Media[len(sd.Media)-1]

		case 'a':
			if cur != nil {
				parseMediaAttribute(cur, value)
			}
		}
	}

	return sd, nil
}

// parseConnection parses a c= value: <nettype> <addrtype> <address>
func parseConnection(value string) (string, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return "", fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	// Strip TTL/multicast suffix if present (e.g. "224.2.1.1/127").
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("invalid ip address %q", addr)
	}
	return addr, nil
}

// parseMediaLine parses an m= value: <media> <port>[/<n>] <proto> <fmt> ...
func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:      parts[0],
		Proto:     parts[2],
		Direction: "sendrecv", // default per RFC 3264
	}

	portStr := parts[1]
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", f, err)
		}
		md.Formats = append(md.Formats, pt)
	}

	return md, nil
}

// parseMediaAttribute processes a single a= value for a media section.
func parseMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		if c, err := parseRtpmap(attr[7:]); err == nil {
			md.Codecs = append(md.Codecs, c)
		}
	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		md.Direction = attr
	}
}

// parseRtpmap parses an rtpmap value: <pt> <name>/<rate>[/<channels>]
func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}
	enc := strings.Split(parts[1], "/")
	if len(enc) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", parts[1])
	}
	rate, err := strconv.Atoi(enc[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}
	return Codec{PayloadType: pt, Name: enc[0], ClockRate: rate}, nil
}

var rtpmapLines = map[int]string{
	PayloadTypePCMU: "PCMU/8000",
	PayloadTypePCMA: "PCMA/8000",
	PayloadTypeDTMF: "telephone-event/8000",
}

// BuildSDP renders the bridge's own session description advertising the
// given payload types on publicIP:port. publicIP must be the externally
// reachable media address; advertising a private address here silently
// breaks the RTP path at the carrier.
func BuildSDP(publicIP string, port int, payloadTypes []int) []byte {
	sessID := strconv.FormatInt(time.Now().Unix(), 10)

	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- " + sessID + " " + sessID + " IN IP4 " + publicIP + "\r\n")
	b.WriteString("s=sipbridge\r\n")
	b.WriteString("c=IN IP4 " + publicIP + "\r\n")
	b.WriteString("t=0 0\r\n")

	fmts := make([]string, len(payloadTypes))
	for i, pt := range payloadTypes {
		fmts[i] = strconv.Itoa(pt)
	}
	b.WriteString("m=audio " + strconv.Itoa(port) + " RTP/AVP " + strings.Join(fmts, " ") + "\r\n")

	for _, pt := range payloadTypes {
		if name, ok := rtpmapLines[pt]; ok {
			b.WriteString("a=rtpmap:" + strconv.Itoa(pt) + " " + name + "\r\n")
		}
		if pt == PayloadTypeDTMF {
			b.WriteString("a=fmtp:" + strconv.Itoa(pt) + " 0-16\r\n")
		}
	}
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=sendrecv\r\n")

	return []byte(b.String())
}

// OfferPayloadTypes is the codec list the bridge offers: a-law first,
// u-law second, plus the RFC 4733 event codec.
func OfferPayloadTypes() []int {
	return []int{PayloadTypePCMA, PayloadTypePCMU, PayloadTypeDTMF}
}

// AnswerPayloadTypes is the codec list for an inbound answer, echoing the
// negotiated codec plus the event codec.
func AnswerPayloadTypes(negotiated int) []int {
	return []int{negotiated, PayloadTypeDTMF}
}
