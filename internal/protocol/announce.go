package protocol

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Announcement packet layout. The announcement header differs from the status
// packets: a zero byte follows the type, so the name starts at 0x0c.
const (
	AnnounceNameOffset   = 0x0c
	AnnounceNameLength   = 0x14
	AnnounceNumberOffset = 0x24
	AnnounceMACOffset    = 0x26
	AnnounceIPOffset     = 0x2c
)

// DeviceAnnouncement describes a device that has introduced itself on the
// announcement port. Immutable once decoded; the registry replaces a device's
// entry with each new announcement it receives.
type DeviceAnnouncement struct {
	Name    string
	Number  int
	Address net.IP
	MAC     net.HardwareAddr
	Seen    time.Time
}

// DecodeAnnouncement parses a device announcement received from the given
// source address. The caller has already validated the header.
func DecodeAnnouncement(data []byte, source net.IP) (*DeviceAnnouncement, error) {
	if len(data) < minimumLengths[KindAnnouncement] {
		return nil, fmt.Errorf("%w: announcement is %d bytes, need %d",
			ErrMalformedPacket, len(data), minimumLengths[KindAnnouncement])
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, data[AnnounceMACOffset:AnnounceMACOffset+6])
	return &DeviceAnnouncement{
		Name:    DecodeName(data, AnnounceNameOffset),
		Number:  int(data[AnnounceNumberOffset]),
		Address: source,
		MAC:     mac,
		Seen:    time.Now(),
	}, nil
}

func (a *DeviceAnnouncement) String() string {
	return fmt.Sprintf("DeviceAnnouncement[number:%d, name:%s, address:%s]", a.Number, a.Name, a.Address)
}

// DecodeName extracts a NUL padded ASCII device name field.
func DecodeName(data []byte, offset int) string {
	field := data[offset : offset+AnnounceNameLength]
	return strings.TrimRight(string(field), "\x00 ")
}

// EncodeName renders a device name into a NUL padded twenty byte block.
// Names longer than twenty bytes are rejected at the configuration layer;
// any excess that reaches this point is dropped.
func EncodeName(name string) []byte {
	block := make([]byte, AnnounceNameLength)
	copy(block, name)
	return block
}
