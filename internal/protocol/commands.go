package protocol

import (
	"fmt"
	"net"
)

// Command packet field offsets. These packets share the standard header, so
// the payload begins at packetHeaderLength and the sender's device number is
// payload byte 0x02, at 0x21.
const (
	commandDeviceNumber = 0x21
	syncControlCommand  = packetHeaderLength + 0x0c
	handoffResponseFlag = packetHeaderLength + 0x0c
	faderStartChannels  = packetHeaderLength + 0x05
	onAirChannels       = packetHeaderLength + 0x05
	loadTrackTarget     = packetHeaderLength + 0x05
	loadTrackSourceDev  = packetHeaderLength + 0x09
	loadTrackSourceSlot = packetHeaderLength + 0x0a
	loadTrackSourceType = packetHeaderLength + 0x0b
	loadTrackID         = packetHeaderLength + 0x0d
)

// Sync control command bytes.
const (
	SyncModeOn   = 0x10
	SyncModeOff  = 0x20
	BecomeMaster = 0x01
)

// SyncCommand is a received sync-control packet: an instruction to turn our
// sync mode on or off, or to take over the tempo master role.
type SyncCommand struct {
	Source       net.IP
	DeviceNumber int
	Command      byte
}

// DecodeSyncCommand parses a sync control packet.
func DecodeSyncCommand(data []byte, source net.IP) (*SyncCommand, error) {
	if len(data) < minimumLengths[KindSyncControl] {
		return nil, fmt.Errorf("%w: sync control is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindSyncControl])
	}
	cmd := data[syncControlCommand]
	switch cmd {
	case SyncModeOn, SyncModeOff, BecomeMaster:
	default:
		return nil, fmt.Errorf("%w: sync control command byte 0x%02x is not recognized", ErrMalformedPacket, cmd)
	}
	return &SyncCommand{
		Source:       source,
		DeviceNumber: int(data[commandDeviceNumber]),
		Command:      cmd,
	}, nil
}

// FaderStartCommand reports, for each of the four channels, whether its
// player has been told to start, stop, or leave playback alone.
type FaderStartCommand struct {
	Source net.IP
	Start  map[int]bool
	Stop   map[int]bool
}

// Fader start per-channel values.
const (
	faderStart = 0
	faderStop  = 1
)

// DecodeFaderStart parses a fader start command.
func DecodeFaderStart(data []byte, source net.IP) (*FaderStartCommand, error) {
	if len(data) < minimumLengths[KindFaderStart] {
		return nil, fmt.Errorf("%w: fader start is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindFaderStart])
	}
	cmd := &FaderStartCommand{
		Source: source,
		Start:  make(map[int]bool),
		Stop:   make(map[int]bool),
	}
	for channel := 1; channel <= 4; channel++ {
		switch data[faderStartChannels+channel-1] {
		case faderStart:
			cmd.Start[channel] = true
		case faderStop:
			cmd.Stop[channel] = true
		}
	}
	return cmd, nil
}

// OnAirCommand reports which channels the mixer currently has audible.
type OnAirCommand struct {
	Source net.IP
	OnAir  map[int]bool
}

// DecodeOnAir parses a channels-on-air packet.
func DecodeOnAir(data []byte, source net.IP) (*OnAirCommand, error) {
	if len(data) < minimumLengths[KindChannelsOnAir] {
		return nil, fmt.Errorf("%w: channels on air is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindChannelsOnAir])
	}
	cmd := &OnAirCommand{Source: source, OnAir: make(map[int]bool)}
	for channel := 1; channel <= 4; channel++ {
		if data[onAirChannels+channel-1] != 0 {
			cmd.OnAir[channel] = true
		}
	}
	return cmd, nil
}

// MasterHandoffRequest asks the receiving device, the current tempo master,
// to yield the role to the sender.
type MasterHandoffRequest struct {
	Source       net.IP
	DeviceNumber int
}

// DecodeMasterHandoffRequest parses a master handoff request.
func DecodeMasterHandoffRequest(data []byte, source net.IP) (*MasterHandoffRequest, error) {
	if len(data) < minimumLengths[KindMasterHandoffRequest] {
		return nil, fmt.Errorf("%w: master handoff request is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindMasterHandoffRequest])
	}
	return &MasterHandoffRequest{
		Source:       source,
		DeviceNumber: int(data[commandDeviceNumber]),
	}, nil
}

// MasterHandoffResponse answers a handoff request; Yielded reports whether
// the sender agreed to hand the master role over.
type MasterHandoffResponse struct {
	Source       net.IP
	DeviceNumber int
	Yielded      bool
}

// DecodeMasterHandoffResponse parses a master handoff response.
func DecodeMasterHandoffResponse(data []byte, source net.IP) (*MasterHandoffResponse, error) {
	if len(data) < minimumLengths[KindMasterHandoffResponse] {
		return nil, fmt.Errorf("%w: master handoff response is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindMasterHandoffResponse])
	}
	return &MasterHandoffResponse{
		Source:       source,
		DeviceNumber: int(data[commandDeviceNumber]),
		Yielded:      data[handoffResponseFlag] != 0,
	}, nil
}

// LoadTrackCommand tells the receiving player to load a track from another
// player's media slot.
type LoadTrackCommand struct {
	Source       net.IP
	DeviceNumber int
	SourcePlayer int
	SourceSlot   TrackSourceSlot
	SourceType   TrackType
	RekordboxID  int
}

// DecodeLoadTrack parses a load track command.
func DecodeLoadTrack(data []byte, source net.IP) (*LoadTrackCommand, error) {
	if len(data) < minimumLengths[KindLoadTrack] {
		return nil, fmt.Errorf("%w: load track is %d bytes, need at least %d",
			ErrMalformedPacket, len(data), minimumLengths[KindLoadTrack])
	}
	return &LoadTrackCommand{
		Source:       source,
		DeviceNumber: int(data[commandDeviceNumber]),
		SourcePlayer: int(data[loadTrackSourceDev]),
		SourceSlot:   TrackSourceSlot(data[loadTrackSourceSlot]),
		SourceType:   TrackType(data[loadTrackSourceType]),
		RekordboxID:  int(BytesToNumber(data, loadTrackID, 4)),
	}, nil
}
