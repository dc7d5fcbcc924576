package vcdj

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/petervdpas/djlink/internal/metronome"
	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/pubsub"
)

// statusPayloadTemplate is the payload of the status packets we send,
// matching what a real player transmits. The runtime fields (device number,
// play state, counters, tempo, beat) are patched into a copy for each send.
var statusPayloadTemplate = [0xb5]byte{
	0x01,
	0x04, 0x00, 0x00, 0xf8, 0x00, 0x00, 0x01, 0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xa0, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x04, 0x04, 0x00, 0x00, 0x00, 0x04,
	0x00, 0x00, 0x00, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x31, 0x2e, 0x34, 0x33,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x00, 0x00, 0x10, 0x00, 0x00,
	0x80, 0x00, 0x00, 0x00, 0x7f, 0xff, 0xff, 0xff, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x01, 0xff, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x10, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0f, 0x01, 0x00, 0x00,
	0x12, 0x34, 0x56, 0x78,
}

// IsSendingStatus reports whether we are sending status packets, which is
// what lets us participate in (and control) tempo and beat sync.
func (s *VirtualCdj) IsSendingStatus() bool {
	return s.sending.Load()
}

// SetSendingStatus controls whether we send status packets to the other
// players. Requires a standard player number, 1 through 4, and starts the
// beat finder so we can receive the handoff conversation. Turning it off
// stops the status and beat senders and the sync follower.
func (s *VirtualCdj) SetSendingStatus(send bool) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.setSendingStatusLocked(send)
}

func (s *VirtualCdj) setSendingStatusLocked(send bool) error {
	if s.sending.Load() == send {
		return nil
	}

	if send {
		if !s.running.Load() {
			return ErrNotRunning
		}
		if number := s.DeviceNumber(); number < 1 || number > 4 {
			return ErrInvalidDeviceNumberForStatus
		}
		if err := s.beatFinder.Start(); err != nil {
			return fmt.Errorf("start beat finder: %w", err)
		}
		// If the beat finder stops we can no longer take part in the handoff
		// conversation, so stop sending status.
		s.beatFinderLifecycleToken = s.beatFinder.AddLifecycleListener(pubsub.LifecycleListener{
			Stopped: func() {
				if s.sending.Load() {
					log.Printf("VCDJ: no longer sending status updates because the beat finder has stopped")
					go func() {
						if err := s.SetSendingStatus(false); err != nil {
							log.Printf("VCDJ: problem stopping status packets after beat finder stopped: %v", err)
						}
					}()
				}
			},
		})

		stop := make(chan struct{})
		s.statusStop = stop
		s.sending.Store(true)
		go s.statusLoop(stop)

		if s.synced.Load() {
			s.addSyncFollower()
		}
		if s.playing.Load() {
			s.startBeatSender()
		}
		return nil
	}

	s.beatFinder.RemoveLifecycleListener(s.beatFinderLifecycleToken)
	s.removeSyncFollower()
	s.sending.Store(false)
	close(s.statusStop)
	s.stopBeatSender()
	return nil
}

// statusLoop sends a status packet every status interval until stopped.
func (s *VirtualCdj) statusLoop(stop chan struct{}) {
	for {
		s.sendStatus()
		select {
		case <-stop:
			return
		case <-time.After(time.Duration(s.statusInterval.Load()) * time.Millisecond):
		}
	}
}

// avoidBeatPacket returns the current playback position, after having
// delayed while we were too close to a beat, so the beat sender always
// announces a new beat before a status packet can report it.
func (s *VirtualCdj) avoidBeatPacket() metronome.Snapshot {
	playState := s.PlaybackPosition()
	distance := playState.DistanceFromBeat()
	for s.playing.Load() &&
		((distance < 0 && -distance <= sleepThreshold) ||
			(distance >= 0 && distance <= beatThreshold+1)) {
		time.Sleep(2 * time.Millisecond)
		playState = s.PlaybackPosition()
		distance = playState.DistanceFromBeat()
	}
	return playState
}

// sendStatus unicasts a status packet to every device on the network,
// reflecting our current play state, tempo, beat, and role in the master
// handoff conversation.
func (s *VirtualCdj) sendStatus() {
	playState := s.avoidBeatPacket()
	playing := s.playing.Load()

	payload := make([]byte, len(statusPayloadTemplate))
	copy(payload, statusPayloadTemplate[:])
	number := byte(s.DeviceNumber())
	payload[0x02] = number
	payload[0x05] = number
	if playing {
		payload[0x08] = 1
	}
	payload[0x09] = number // the player a track would have been loaded from
	if playing {
		payload[0x5c] = 3
	} else {
		payload[0x5c] = 5
	}
	protocol.NumberToBytes(int64(s.syncCounter.Load()), payload, 0x65, 4)
	flags := byte(0x84)
	if playing {
		flags += protocol.FlagPlaying
	}
	if s.master.Load() {
		flags += protocol.FlagMaster
	}
	if s.synced.Load() {
		flags += protocol.FlagSynced
	}
	if s.onAir.Load() {
		flags += protocol.FlagOnAir
	}
	payload[0x6a] = flags
	if playing {
		payload[0x6c] = 0x7a
	} else {
		payload[0x6c] = 0x7e
	}
	protocol.NumberToBytes(int64(math.Round(s.Tempo()*100)), payload, 0x73, 2)
	if playing {
		payload[0x7e] = 9
	} else {
		payload[0x7e] = 1
	}
	if s.master.Load() {
		payload[0x7f] = 1
	}
	payload[0x80] = byte(s.nextMaster.Load())
	protocol.NumberToBytes(int64(playState.Beat), payload, 0x81, 4)
	payload[0x87] = byte(playState.BeatWithinBar())
	protocol.NumberToBytes(int64(s.packetCounter.Add(1)), payload, 0xa9, 4)

	for _, device := range s.finder.CurrentDevices() {
		if err := s.assembleAndSendPacket(protocol.KindCdjStatus, payload, device.Address, protocol.UpdatePort); err != nil {
			log.Printf("VCDJ: unable to send status packet to %s: %v", device, err)
		}
	}
}

// beatPayloadTemplate is the payload of the beat packets we send. The beat
// and bar timings, tempo, bar position, and device number are patched in
// for each send.
var beatPayloadTemplate = [0x41]byte{
	0x01,
	0x00, 0x0d, 0x00, 0x3c, 0x01, 0x01, 0x01, 0x01, 0x02, 0x02, 0x02, 0x02, 0x10, 0x10, 0x10, 0x10,
	0x04, 0x04, 0x04, 0x04, 0x20, 0x20, 0x20, 0x20, 0x08, 0x08, 0x08, 0x08, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0b, 0x00, 0x00, 0x0d,
}

// SendBeat broadcasts a beat packet for the current playback position and
// returns the beat number it announced. Normally invoked by the beat sender
// at exactly the right moment.
func (s *VirtualCdj) SendBeat() int {
	return s.sendBeat(s.PlaybackPosition())
}

// sendBeat broadcasts a beat packet computed from the given playback
// snapshot, filling in the upcoming beat and bar timings at our tempo.
func (s *VirtualCdj) sendBeat(snapshot metronome.Snapshot) int {
	payload := make([]byte, len(beatPayloadTemplate))
	copy(payload, beatPayloadTemplate[:])
	number := byte(s.DeviceNumber())
	payload[0x02] = number

	interval := snapshot.BeatInterval()
	protocol.NumberToBytes(int64(math.Round(interval)), payload, 0x05, 4)
	protocol.NumberToBytes(int64(math.Round(interval*2)), payload, 0x09, 4)
	protocol.NumberToBytes(int64(math.Round(interval*4)), payload, 0x11, 4)
	protocol.NumberToBytes(int64(math.Round(interval*8)), payload, 0x19, 4)

	beatsLeft := snapshot.BeatsPerBar + 1 - snapshot.BeatWithinBar()
	nextBar := int64(math.Round(interval * float64(beatsLeft)))
	protocol.NumberToBytes(nextBar, payload, 0x0d, 4)
	protocol.NumberToBytes(nextBar+int64(math.Round(snapshot.BarInterval())), payload, 0x15, 4)

	protocol.NumberToBytes(int64(math.Round(snapshot.Tempo*100)), payload, 0x3b, 2)
	payload[0x3d] = byte(snapshot.BeatWithinBar())
	payload[0x40] = number

	broadcast := s.BroadcastAddress()
	if broadcast == nil {
		return snapshot.Beat
	}
	if err := s.assembleAndSendPacket(protocol.KindBeat, payload, broadcast, protocol.BeatPort); err != nil {
		log.Printf("VCDJ: failed to send beat packet: %v", err)
	}
	return snapshot.Beat
}

// startBeatSender spins up the beat sender task. Called with stateMu held;
// active only while sending status and playing.
func (s *VirtualCdj) startBeatSender() {
	if s.beatSender.Load() != nil {
		return
	}
	s.beatSender.Store(newBeatSender(s.metronome, s.sendBeat))
}

// stopBeatSender shuts down the beat sender task if one is active. Called
// with stateMu held.
func (s *VirtualCdj) stopBeatSender() {
	if sender := s.beatSender.Swap(nil); sender != nil {
		sender.shutDown()
	}
}

// notifyBeatSenderOfChange wakes the beat sender, if one is active, so it
// reassesses its timing after the metronome timeline moved.
func (s *VirtualCdj) notifyBeatSenderOfChange() {
	if sender := s.beatSender.Load(); sender != nil {
		sender.timelineChanged()
	}
}
