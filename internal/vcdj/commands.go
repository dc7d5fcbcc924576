package vcdj

import (
	"fmt"
	"net"

	"github.com/petervdpas/djlink/internal/protocol"
)

// Payload templates for the command packets we send. Each is copied and
// patched with our device number (and the command's particulars) per send.
var (
	mediaQueryPayload = []byte{0x01,
		0x00, 0x0d, 0x00, 0x0c, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	syncControlPayload = []byte{0x01,
		0x00, 0x0d, 0x00, 0x08, 0x00, 0x00, 0x00, 0x0d, 0x00, 0x00, 0x00, 0x0f}

	faderStartPayloadTemplate = []byte{0x01,
		0x00, 0x0d, 0x00, 0x04, 0x02, 0x02, 0x02, 0x02}

	channelsOnAirPayloadTemplate = []byte{0x01,
		0x00, 0x0d, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	loadTrackPayload = []byte{0x01,
		0x00, 0x0d, 0x00, 0x34, 0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x32, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

	masterHandoffRequestPayload = []byte{0x01,
		0x00, 0x0d, 0x00, 0x04, 0x00, 0x00, 0x00, 0x0d}

	yieldAckPayload = []byte{0x01,
		0x00, 0x0d, 0x00, 0x08, 0x00, 0x00, 0x00, 0x0d, 0x00, 0x00, 0x00, 0x01}
)

// assembleAndSendPacket builds a packet of the given kind from our device
// name block and the payload, then sends it to the destination.
func (s *VirtualCdj) assembleAndSendPacket(kind protocol.Kind, payload []byte, destination net.IP, port int) error {
	conn := s.socket.Load()
	if conn == nil {
		return ErrNotRunning
	}
	packet := protocol.BuildPacket(kind, s.nameBlock(), payload)
	_, err := conn.WriteToUDP(packet, &net.UDPAddr{IP: destination, Port: port})
	if err != nil {
		return fmt.Errorf("send %s packet to %s: %w", kind, destination, err)
	}
	return nil
}

// SendMediaQuery asks a player for information about the media mounted in
// one of its slots; the response arrives through the media details
// listeners.
func (s *VirtualCdj) SendMediaQuery(player int, slot protocol.TrackSourceSlot) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	announcement := s.finder.LatestAnnouncementFrom(player)
	if announcement == nil {
		return fmt.Errorf("%w: player %d", ErrUnknownPeer, player)
	}
	payload := make([]byte, len(mediaQueryPayload))
	copy(payload, mediaQueryPayload)
	payload[0x02] = byte(s.DeviceNumber())
	s.announceMu.Lock()
	copy(payload[0x05:0x09], s.announcement[protocol.AnnounceIPOffset:protocol.AnnounceIPOffset+4])
	s.announceMu.Unlock()
	payload[0x0c] = byte(player)
	payload[0x10] = byte(slot)
	return s.assembleAndSendPacket(protocol.KindMediaQuery, payload, announcement.Address, protocol.UpdatePort)
}

// sendSyncControlCommand sends one of the sync control packets to a device.
func (s *VirtualCdj) sendSyncControlCommand(target protocol.DeviceUpdate, command byte) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	payload := make([]byte, len(syncControlPayload))
	copy(payload, syncControlPayload)
	payload[0x02] = byte(s.DeviceNumber())
	payload[0x08] = byte(s.DeviceNumber())
	payload[0x0c] = command
	return s.assembleAndSendPacket(protocol.KindSyncControl, payload, target.Source(), protocol.BeatPort)
}

// SendSyncModeCommand tells a device to turn its sync mode on or off.
func (s *VirtualCdj) SendSyncModeCommand(deviceNumber int, synced bool) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	target := s.LatestStatusFor(deviceNumber)
	if target == nil {
		return fmt.Errorf("%w: device %d", ErrUnknownPeer, deviceNumber)
	}
	command := byte(protocol.SyncModeOff)
	if synced {
		command = protocol.SyncModeOn
	}
	return s.sendSyncControlCommand(target, command)
}

// AppointTempoMaster tells a device to take over the tempo master role.
func (s *VirtualCdj) AppointTempoMaster(deviceNumber int) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	target := s.LatestStatusFor(deviceNumber)
	if target == nil {
		return fmt.Errorf("%w: device %d", ErrUnknownPeer, deviceNumber)
	}
	return s.sendSyncControlCommand(target, protocol.BecomeMaster)
}

// faderStartPayload builds the per-channel bytes of a fader start command: 0
// starts a player, 1 stops it, 2 leaves it alone. A player in both sets is
// stopped; numbers outside 1 through 4 are ignored.
func faderStartPayload(ourNumber byte, start, stop map[int]bool) []byte {
	payload := make([]byte, len(faderStartPayloadTemplate))
	copy(payload, faderStartPayloadTemplate)
	payload[0x02] = ourNumber
	for channel := 1; channel <= 4; channel++ {
		if start[channel] {
			payload[channel+4] = 0
		}
		if stop[channel] {
			payload[channel+4] = 1
		}
	}
	return payload
}

// SendFaderStartCommand broadcasts a packet telling some players to start
// playing and others to stop. A player in both sets is stopped.
func (s *VirtualCdj) SendFaderStartCommand(start, stop map[int]bool) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	payload := faderStartPayload(byte(s.DeviceNumber()), start, stop)
	return s.assembleAndSendPacket(protocol.KindFaderStart, payload, s.BroadcastAddress(), protocol.BeatPort)
}

// onAirPayload builds the per-channel bytes of a channels on-air report: 1
// means the channel is audible. Numbers outside 1 through 4 are ignored.
func onAirPayload(ourNumber byte, audible map[int]bool) []byte {
	payload := make([]byte, len(channelsOnAirPayloadTemplate))
	copy(payload, channelsOnAirPayloadTemplate)
	payload[0x02] = ourNumber
	for channel := 1; channel <= 4; channel++ {
		if audible[channel] {
			payload[channel+4] = 1
		}
	}
	return payload
}

// SendOnAirCommand broadcasts a packet telling the players which channels
// are audible in the mixer output. A real mixer on the network sends these
// several times per second, so the effect is quickly overridden.
func (s *VirtualCdj) SendOnAirCommand(audible map[int]bool) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	payload := onAirPayload(byte(s.DeviceNumber()), audible)
	return s.assembleAndSendPacket(protocol.KindChannelsOnAir, payload, s.BroadcastAddress(), protocol.BeatPort)
}

// SendLoadTrackCommand tells the target player to load the given rekordbox
// track from another player's media slot.
func (s *VirtualCdj) SendLoadTrackCommand(targetPlayer, rekordboxID, sourcePlayer int,
	sourceSlot protocol.TrackSourceSlot, sourceType protocol.TrackType) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	target := s.LatestStatusFor(targetPlayer)
	if target == nil {
		return fmt.Errorf("%w: device %d", ErrUnknownPeer, targetPlayer)
	}
	payload := make([]byte, len(loadTrackPayload))
	copy(payload, loadTrackPayload)
	payload[0x02] = byte(s.DeviceNumber())
	payload[0x05] = byte(s.DeviceNumber())
	payload[0x09] = byte(sourcePlayer)
	payload[0x0a] = byte(sourceSlot)
	payload[0x0b] = byte(sourceType)
	protocol.NumberToBytes(int64(rekordboxID), payload, 0x0d, 4)
	return s.assembleAndSendPacket(protocol.KindLoadTrack, payload, target.Source(), protocol.UpdatePort)
}
