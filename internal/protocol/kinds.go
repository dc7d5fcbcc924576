// Package protocol implements the Pro DJ Link packet formats: header
// validation, the typed decoders for packets we receive, and assembly of the
// packets we send. Offsets follow the layouts documented in the dysentery
// packet analysis; all multi-byte numbers are big-endian except beat grid
// timings, which are little-endian.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// The three UDP ports that carry DJ Link traffic.
const (
	AnnouncementPort = 50000
	BeatPort         = 50001
	UpdatePort       = 50002
)

// Magic is the ten-byte prefix that opens every DJ Link packet.
var Magic = []byte{0x51, 0x73, 0x70, 0x74, 0x31, 0x57, 0x6d, 0x4a, 0x4f, 0x4c}

// kindByteOffset is where the packet type byte lives, right after the magic.
const kindByteOffset = 0x0a

// Kind identifies the packets we understand. The wire type byte alone is not
// enough to identify a packet (announcements and media responses share 0x06),
// so the receiving port takes part in recognition.
type Kind int

const (
	KindUnknown Kind = iota
	KindAnnouncement
	KindFaderStart
	KindChannelsOnAir
	KindMediaQuery
	KindMediaResponse
	KindLoadTrack
	KindLoadTrackAck
	KindMasterHandoffRequest
	KindMasterHandoffResponse
	KindBeat
	KindMixerStatus
	KindCdjStatus
	KindSyncControl
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindAnnouncement:          "Device Announcement",
	KindFaderStart:            "Fader Start",
	KindChannelsOnAir:         "Channels On Air",
	KindMediaQuery:            "Media Query",
	KindMediaResponse:         "Media Response",
	KindLoadTrack:             "Load Track Command",
	KindLoadTrackAck:          "Load Track Acknowledgment",
	KindMasterHandoffRequest:  "Master Handoff Request",
	KindMasterHandoffResponse: "Master Handoff Response",
	KindBeat:                  "Beat",
	KindMixerStatus:           "Mixer Status",
	KindCdjStatus:             "CDJ Status",
	KindSyncControl:           "Sync Control Command",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var kindBytes = map[Kind]byte{
	KindAnnouncement:          0x06,
	KindFaderStart:            0x02,
	KindChannelsOnAir:         0x03,
	KindMediaQuery:            0x05,
	KindMediaResponse:         0x06,
	KindLoadTrack:             0x19,
	KindLoadTrackAck:          0x1a,
	KindMasterHandoffRequest:  0x26,
	KindMasterHandoffResponse: 0x27,
	KindBeat:                  0x28,
	KindMixerStatus:           0x29,
	KindCdjStatus:             0x0a,
	KindSyncControl:           0x2a,
}

// Byte returns the wire type byte for the kind.
func (k Kind) Byte() byte {
	return kindBytes[k]
}

// kindsByPort maps the receiving port and type byte to the packet kind.
var kindsByPort = map[int]map[byte]Kind{
	AnnouncementPort: {
		0x06: KindAnnouncement,
	},
	BeatPort: {
		0x02: KindFaderStart,
		0x03: KindChannelsOnAir,
		0x26: KindMasterHandoffRequest,
		0x27: KindMasterHandoffResponse,
		0x28: KindBeat,
		0x2a: KindSyncControl,
	},
	UpdatePort: {
		0x05: KindMediaQuery,
		0x06: KindMediaResponse,
		0x0a: KindCdjStatus,
		0x19: KindLoadTrack,
		0x1a: KindLoadTrackAck,
		0x27: KindMasterHandoffResponse,
		0x29: KindMixerStatus,
	},
}

// minimumLengths holds the shortest valid packet for each kind. Longer
// packets are accepted (newer firmware adds fields past the documented
// layouts), shorter ones are rejected.
var minimumLengths = map[Kind]int{
	KindAnnouncement:          0x36,
	KindFaderStart:            packetHeaderLength + 9,
	KindChannelsOnAir:         packetHeaderLength + 14,
	KindMediaQuery:            packetHeaderLength + 17,
	KindMediaResponse:         0xc0,
	KindLoadTrack:             packetHeaderLength + 57,
	KindLoadTrackAck:          0x22,
	KindMasterHandoffRequest:  packetHeaderLength + 9,
	KindMasterHandoffResponse: packetHeaderLength + 13,
	KindBeat:                  0x60,
	KindMixerStatus:           0x38,
	KindCdjStatus:             0xd0,
	KindSyncControl:           packetHeaderLength + 13,
}

// MinimumLength reports the shortest packet of the given kind we will decode.
func MinimumLength(kind Kind) int {
	return minimumLengths[kind]
}

// Codec errors.
var (
	ErrUnknownKind     = errors.New("unrecognized packet")
	ErrMalformedPacket = errors.New("malformed packet")
)

// ValidateHeader checks the magic prefix of a received datagram and resolves
// its type byte against the kinds expected on the given port. It returns
// ErrUnknownKind for foreign traffic and ErrMalformedPacket for packets too
// short to carry a header at all.
func ValidateHeader(data []byte, port int) (Kind, error) {
	if len(data) <= kindByteOffset {
		return KindUnknown, fmt.Errorf("%w: %d bytes is too short for a DJ Link header", ErrMalformedPacket, len(data))
	}
	if !bytes.Equal(data[:len(Magic)], Magic) {
		return KindUnknown, fmt.Errorf("%w: bad magic prefix", ErrUnknownKind)
	}
	typeByte := data[kindByteOffset]
	kind, ok := kindsByPort[port][typeByte]
	if !ok {
		return KindUnknown, fmt.Errorf("%w: type 0x%02x is not expected on port %d", ErrUnknownKind, typeByte, port)
	}
	if len(data) < minimumLengths[kind] {
		return kind, fmt.Errorf("%w: %s packet is %d bytes, need at least %d",
			ErrMalformedPacket, kind, len(data), minimumLengths[kind])
	}
	return kind, nil
}

// Header layout for the packets assembled by BuildPacket: magic, type byte,
// then the twenty byte device name, with the payload starting right after.
const (
	packetNameOffset   = 0x0b
	packetNameLength   = 0x14
	packetHeaderLength = packetNameOffset + packetNameLength // 0x1f
)

// BuildPacket assembles a packet of the given kind from our device name block
// and a payload. The name must be exactly twenty bytes (NUL padded ASCII).
func BuildPacket(kind Kind, name []byte, payload []byte) []byte {
	packet := make([]byte, packetHeaderLength+len(payload))
	copy(packet, Magic)
	packet[kindByteOffset] = kind.Byte()
	copy(packet[packetNameOffset:], name[:packetNameLength])
	copy(packet[packetHeaderLength:], payload)
	return packet
}
