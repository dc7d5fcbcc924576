package protocol

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// TrackSourceSlot identifies the media slot a track was loaded from.
type TrackSourceSlot byte

const (
	SlotNone      TrackSourceSlot = 0
	SlotCDSlot    TrackSourceSlot = 1
	SlotSDSlot    TrackSourceSlot = 2
	SlotUSBSlot   TrackSourceSlot = 3
	SlotRekordbox TrackSourceSlot = 4
)

// TrackType identifies the kind of track a player has loaded.
type TrackType byte

const (
	TrackNone       TrackType = 0
	TrackRekordbox  TrackType = 1
	TrackUnanalyzed TrackType = 2
	TrackCD         TrackType = 5
)

// DeviceUpdate is the common interface of the typed packets that report the
// moment-to-moment state of a device: CDJ status, mixer status, and beats.
type DeviceUpdate interface {
	// Source is the IP address the packet arrived from.
	Source() net.IP
	// DeviceNumber is the player or mixer channel the packet describes.
	DeviceNumber() int
	// DeviceName is the name the device was announcing.
	DeviceName() string
	// Timestamp records when the packet was received.
	Timestamp() time.Time
	// TempoMaster reports whether the device claims the tempo master role.
	TempoMaster() bool
	// EffectiveTempo is the device's track tempo times its pitch adjustment.
	EffectiveTempo() float64
	// BeatWithinBar is where the device is within a measure, 1 through 4,
	// or 0 if the device does not know.
	BeatWithinBar() int
}

// updateHeader carries the fields every update shares. The device name in
// status and beat packets starts one byte earlier than in announcements.
type updateHeader struct {
	source    net.IP
	number    int
	name      string
	timestamp time.Time
}

func decodeUpdateHeader(data []byte, source net.IP) updateHeader {
	return updateHeader{
		source:    source,
		number:    int(data[0x21]),
		name:      DecodeName(data, packetNameOffset),
		timestamp: time.Now(),
	}
}

func (h updateHeader) Source() net.IP       { return h.source }
func (h updateHeader) DeviceNumber() int    { return h.number }
func (h updateHeader) DeviceName() string   { return h.name }
func (h updateHeader) Timestamp() time.Time { return h.timestamp }

// CdjStatus field offsets (payload offsets are these minus 0x1f).
const (
	statusTrackSourcePlayer = 0x28
	statusTrackSourceSlot   = 0x29
	statusTrackType         = 0x2a
	statusRekordboxID       = 0x2c
	statusPlayState         = 0x7b
	statusFirmware          = 0x7c
	statusSyncNumber        = 0x84
	statusFlags             = 0x89
	statusPitch             = 0x8d
	statusBpm               = 0x92
	statusMasterFlag        = 0x9e
	statusHandoff           = 0x9f
	statusBeat              = 0xa0
	statusBeatWithinBar     = 0xa6
	statusPacketCounter     = 0xc8
)

// Bits of the main status flag byte.
const (
	FlagPlaying = 0x40
	FlagMaster  = 0x20
	FlagSynced  = 0x10
	FlagOnAir   = 0x08
)

// NoHandoff is the value of the handoff byte when the master is not in the
// process of yielding its role to anyone.
const NoHandoff = 0xff

// CdjStatus is the detailed state report a player sends to the update port a
// few times per second.
type CdjStatus struct {
	updateHeader

	TrackSourcePlayer int
	TrackSourceSlot   TrackSourceSlot
	TrackType         TrackType
	RekordboxID       int
	Firmware          string
	SyncNumber        int
	Playing           bool
	Master            bool
	Synced            bool
	OnAir             bool
	Pitch             int64
	Bpm               float64
	// YieldingTo is the device number the master is handing its role to,
	// or 0 when the handoff byte carries NoHandoff.
	YieldingTo    int
	Beat          int
	BarPosition   int
	PacketCounter int
}

// DecodeCdjStatus parses a CDJ status packet. Packets longer than the
// documented layout are accepted with a warning; shorter ones have already
// been rejected by ValidateHeader.
func DecodeCdjStatus(data []byte, source net.IP) (*CdjStatus, error) {
	if len(data) < minimumLengths[KindCdjStatus] {
		return nil, fmt.Errorf("%w: CDJ status is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindCdjStatus])
	}
	if len(data) > minimumLengths[KindCdjStatus] {
		log.Printf("protocol: CDJ status packet from %s has unexpected length %d, decoding known fields anyway", source, len(data))
	}
	flags := data[statusFlags]
	yieldingTo := 0
	if data[statusHandoff] != NoHandoff {
		yieldingTo = int(data[statusHandoff])
	}
	return &CdjStatus{
		updateHeader:      decodeUpdateHeader(data, source),
		TrackSourcePlayer: int(data[statusTrackSourcePlayer]),
		TrackSourceSlot:   TrackSourceSlot(data[statusTrackSourceSlot]),
		TrackType:         TrackType(data[statusTrackType]),
		RekordboxID:       int(BytesToNumber(data, statusRekordboxID, 4)),
		Firmware:          strings.TrimRight(string(data[statusFirmware:statusFirmware+4]), "\x00 "),
		SyncNumber:        int(BytesToNumber(data, statusSyncNumber, 4)),
		Playing:           flags&FlagPlaying != 0,
		Master:            flags&FlagMaster != 0,
		Synced:            flags&FlagSynced != 0,
		OnAir:             flags&FlagOnAir != 0,
		Pitch:             BytesToNumber(data, statusPitch, 3),
		Bpm:               float64(BytesToNumber(data, statusBpm, 2)) / 100.0,
		YieldingTo:        yieldingTo,
		Beat:              int(BytesToNumber(data, statusBeat, 4)),
		BarPosition:       int(data[statusBeatWithinBar]),
		PacketCounter:     int(BytesToNumber(data, statusPacketCounter, 4)),
	}, nil
}

func (s *CdjStatus) TempoMaster() bool { return s.Master }

func (s *CdjStatus) EffectiveTempo() float64 {
	return s.Bpm * PitchToMultiplier(s.Pitch)
}

func (s *CdjStatus) BeatWithinBar() int { return s.BarPosition }

func (s *CdjStatus) String() string {
	return fmt.Sprintf("CdjStatus[device:%d, name:%s, playing:%v, master:%v, synced:%v, tempo:%.2f, beat:%d]",
		s.number, s.name, s.Playing, s.Master, s.Synced, s.EffectiveTempo(), s.Beat)
}

// MixerStatus field offsets.
const (
	mixerFlags         = 0x27
	mixerPitch         = 0x28
	mixerBpm           = 0x2e
	mixerBeatWithinBar = 0x37
)

// MixerStatus is the shorter state report a DJM mixer sends to the update
// port.
type MixerStatus struct {
	updateHeader

	Master      bool
	Synced      bool
	Pitch       int64
	Bpm         float64
	BarPosition int
}

// DecodeMixerStatus parses a mixer status packet.
func DecodeMixerStatus(data []byte, source net.IP) (*MixerStatus, error) {
	if len(data) < minimumLengths[KindMixerStatus] {
		return nil, fmt.Errorf("%w: mixer status is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindMixerStatus])
	}
	if len(data) != minimumLengths[KindMixerStatus] {
		log.Printf("protocol: mixer status packet from %s has unexpected length %d, expected %d",
			source, len(data), minimumLengths[KindMixerStatus])
	}
	flags := data[mixerFlags]
	return &MixerStatus{
		updateHeader: decodeUpdateHeader(data, source),
		Master:       flags&FlagMaster != 0,
		Synced:       flags&FlagSynced != 0,
		Pitch:        BytesToNumber(data, mixerPitch, 4),
		Bpm:          float64(BytesToNumber(data, mixerBpm, 2)) / 100.0,
		BarPosition:  int(data[mixerBeatWithinBar]),
	}, nil
}

func (s *MixerStatus) TempoMaster() bool { return s.Master }

func (s *MixerStatus) EffectiveTempo() float64 {
	return s.Bpm * PitchToMultiplier(s.Pitch)
}

func (s *MixerStatus) BeatWithinBar() int { return s.BarPosition }

func (s *MixerStatus) String() string {
	return fmt.Sprintf("MixerStatus[device:%d, name:%s, master:%v, tempo:%.2f]",
		s.number, s.name, s.Master, s.EffectiveTempo())
}

// Beat packet field offsets.
const (
	beatNextBeat      = 0x24
	beatSecondBeat    = 0x28
	beatNextBar       = 0x2c
	beatFourthBeat    = 0x30
	beatSecondBar     = 0x34
	beatEighthBeat    = 0x38
	beatPitch         = 0x55
	beatBpm           = 0x5a
	beatBeatWithinBar = 0x5c
)

// Beat announces that a device has just played a beat, with the timing of
// the upcoming beats and bars at its current tempo.
type Beat struct {
	updateHeader

	NextBeat    int // milliseconds until the next beat
	SecondBeat  int
	NextBar     int // milliseconds until the next downbeat
	FourthBeat  int
	SecondBar   int
	EighthBeat  int
	Pitch       int64
	Bpm         float64
	BarPosition int
}

// DecodeBeat parses a beat packet.
func DecodeBeat(data []byte, source net.IP) (*Beat, error) {
	if len(data) < minimumLengths[KindBeat] {
		return nil, fmt.Errorf("%w: beat packet is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindBeat])
	}
	return &Beat{
		updateHeader: decodeUpdateHeader(data, source),
		NextBeat:     int(BytesToNumber(data, beatNextBeat, 4)),
		SecondBeat:   int(BytesToNumber(data, beatSecondBeat, 4)),
		NextBar:      int(BytesToNumber(data, beatNextBar, 4)),
		FourthBeat:   int(BytesToNumber(data, beatFourthBeat, 4)),
		SecondBar:    int(BytesToNumber(data, beatSecondBar, 4)),
		EighthBeat:   int(BytesToNumber(data, beatEighthBeat, 4)),
		Pitch:        BytesToNumber(data, beatPitch, 3),
		Bpm:          float64(BytesToNumber(data, beatBpm, 2)) / 100.0,
		BarPosition:  int(data[beatBeatWithinBar]),
	}, nil
}

// TempoMaster is always false on a bare beat packet; beats do not carry the
// master flag, so the participant decides by comparing source addresses.
func (b *Beat) TempoMaster() bool { return false }

func (b *Beat) EffectiveTempo() float64 {
	return b.Bpm * PitchToMultiplier(b.Pitch)
}

func (b *Beat) BeatWithinBar() int { return b.BarPosition }

func (b *Beat) String() string {
	return fmt.Sprintf("Beat[device:%d, name:%s, tempo:%.2f, barPosition:%d]",
		b.number, b.name, b.EffectiveTempo(), b.BarPosition)
}

// MediaDetails field offsets.
const (
	mediaPlayer        = 0x27
	mediaSlot          = 0x2b
	mediaName          = 0x2c
	mediaNameLength    = 0x40
	mediaTrackCount    = 0xa6
	mediaPlaylistCount = 0xae
	mediaTotalBytes    = 0xb0
	mediaFreeBytes     = 0xb8
)

// MediaDetails is the response to a media query, describing the media
// mounted in one of a player's slots.
type MediaDetails struct {
	Source        net.IP
	Timestamp     time.Time
	Player        int
	Slot          TrackSourceSlot
	Name          string
	TrackCount    int
	PlaylistCount int
	TotalBytes    int64
	FreeBytes     int64
}

// DecodeMediaDetails parses a media response packet.
func DecodeMediaDetails(data []byte, source net.IP) (*MediaDetails, error) {
	if len(data) < minimumLengths[KindMediaResponse] {
		return nil, fmt.Errorf("%w: media response is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindMediaResponse])
	}
	return &MediaDetails{
		Source:        source,
		Timestamp:     time.Now(),
		Player:        int(data[mediaPlayer]),
		Slot:          TrackSourceSlot(data[mediaSlot]),
		Name:          strings.TrimRight(string(data[mediaName:mediaName+mediaNameLength]), "\x00 "),
		TrackCount:    int(BytesToNumber(data, mediaTrackCount, 2)),
		PlaylistCount: int(BytesToNumber(data, mediaPlaylistCount, 2)),
		TotalBytes:    BytesToNumber(data, mediaTotalBytes, 8),
		FreeBytes:     BytesToNumber(data, mediaFreeBytes, 8),
	}, nil
}

func (m *MediaDetails) String() string {
	return fmt.Sprintf("MediaDetails[player:%d, slot:%d, name:%s, tracks:%d]",
		m.Player, m.Slot, m.Name, m.TrackCount)
}
