package vcdj

import (
	"fmt"
	"log"
	"math"

	"github.com/petervdpas/djlink/internal/beats"
	"github.com/petervdpas/djlink/internal/metronome"
	"github.com/petervdpas/djlink/internal/protocol"
)

// Tempo returns the tempo at which we report ourselves to be playing.
func (s *VirtualCdj) Tempo() float64 {
	return s.metronome.Tempo()
}

// SetTempo changes the tempo we report in our status and beat packets. If we
// are synced and not master, the next master tempo change will override it.
func (s *VirtualCdj) SetTempo(bpm float64) error {
	if bpm == 0 {
		return fmt.Errorf("tempo cannot be zero")
	}
	if bpm < 0 {
		return fmt.Errorf("tempo cannot be negative, got %f", bpm)
	}
	oldTempo := s.metronome.Tempo()
	s.metronome.SetTempo(bpm)
	s.notifyBeatSenderOfChange()

	if s.master.Load() && math.Abs(bpm-oldTempo) > s.TempoEpsilon() {
		s.deliverTempoChanged(bpm)
	}
	return nil
}

// Metronome exposes the metronome driving our simulated playback, so
// collaborators can inspect its timeline.
func (s *VirtualCdj) Metronome() *metronome.Metronome {
	return s.metronome
}

// IsPlaying reports whether we are pretending to play a track.
func (s *VirtualCdj) IsPlaying() bool {
	return s.playing.Load()
}

// SetPlaying controls whether we pretend to be playing. Starting playback
// resumes from where we last stopped and, if we are sending status, spins up
// the beat sender; stopping remembers the position for next time.
func (s *VirtualCdj) SetPlaying(playing bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.playing.Load() == playing {
		return
	}
	s.playing.Store(playing)

	if playing {
		s.metronome.JumpToBeat(s.whereStopped.Load().Beat)
		if s.sending.Load() {
			s.startBeatSender()
		}
	} else {
		s.stopBeatSender()
		stopped := s.metronome.Snapshot()
		s.whereStopped.Store(&stopped)
	}
}

// IsOnAir reports whether we believe our channel is audible in the mixer
// output.
func (s *VirtualCdj) IsOnAir() bool {
	return s.onAir.Load()
}

// SetOnAir changes whether we report our channel as on the air. A real mixer
// on the network will rapidly override this with its actual report.
func (s *VirtualCdj) SetOnAir(audible bool) {
	s.onAir.Store(audible)
}

// IsSynced reports whether we are slaving our metronome to the tempo master.
func (s *VirtualCdj) IsSynced() bool {
	return s.synced.Load()
}

// SetSynced controls whether we stay aligned with the tempo master. While
// synced and sending status, a follower listener adopts master tempo changes
// and snaps our metronome to master beats.
func (s *VirtualCdj) SetSynced(sync bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.synced.Load() != sync {
		if sync && s.sending.Load() {
			s.addSyncFollower()
		} else {
			s.removeSyncFollower()
		}
		if sync && !s.master.Load() && s.TempoMaster() != nil {
			if err := s.SetTempo(s.MasterTempo()); err != nil {
				log.Printf("VCDJ: unable to adopt master tempo: %v", err)
			}
		}
	}
	s.synced.Store(sync)
}

// addSyncFollower registers the internal master listener that keeps our
// metronome aligned with the tempo master. Called with stateMu held.
func (s *VirtualCdj) addSyncFollower() {
	if s.syncFollowerActive {
		return
	}
	s.syncFollowerToken = s.masterListeners.Add(MasterListener{
		TempoChanged: func(tempo float64) {
			if !s.master.Load() {
				s.metronome.SetTempo(tempo)
				s.notifyBeatSenderOfChange()
			}
		},
		NewBeat: func(beat *protocol.Beat) {
			if !s.master.Load() {
				s.metronome.SetBeatPhase(0.0)
				s.notifyBeatSenderOfChange()
			}
		},
	})
	s.syncFollowerActive = true
}

// removeSyncFollower deregisters the follower listener. Called with stateMu
// held.
func (s *VirtualCdj) removeSyncFollower() {
	if !s.syncFollowerActive {
		return
	}
	s.masterListeners.Remove(s.syncFollowerToken)
	s.syncFollowerActive = false
}

// PlaybackPosition returns the current simulated playback state, or the
// position where we last stopped.
func (s *VirtualCdj) PlaybackPosition() metronome.Snapshot {
	if s.playing.Load() {
		return s.metronome.Snapshot()
	}
	return *s.whereStopped.Load()
}

// wrapBeat keeps beat numbers from growing without bound: past MaxBeat they
// wrap back into range, maybe we are playing a giant loop. The arithmetic
// accounts for beats being one-based.
func wrapBeat(beat int) int {
	if beat <= MaxBeat {
		return beat
	}
	return (beat-1)%MaxBeat + 1
}

// JumpToBeat moves our simulated playback position to the given beat, which
// will be reflected in the status and beat packets we send. Values below one
// jump to the first beat; values past MaxBeat wrap.
func (s *VirtualCdj) JumpToBeat(beat int) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if beat < 1 {
		beat = 1
	} else {
		beat = wrapBeat(beat)
	}
	if s.playing.Load() {
		s.metronome.JumpToBeat(beat)
		s.notifyBeatSenderOfChange()
	} else {
		stopped := s.metronome.SnapshotAt(s.metronome.TimeOfBeat(beat))
		s.whereStopped.Store(&stopped)
	}
}

// AdjustPlaybackPosition nudges the simulated playback position by the given
// number of milliseconds, to support synchronization with an external clock.
// If the shift would land before beat one, we jump forward a bar to correct
// it, so it is not safe to jump backwards more than a bar's worth of time.
func (s *VirtualCdj) AdjustPlaybackPosition(ms int) {
	if ms == 0 {
		return
	}
	s.metronome.AdjustStart(int64(-ms))
	if s.metronome.Beat() < 1 {
		// The shift landed before beat one; jump forward a bar to stay on
		// the timeline.
		s.metronome.AdjustStart(-int64(math.Round(
			metronome.BeatsToMilliseconds(s.metronome.BeatsPerBar(), s.metronome.Tempo()))))
	}
	s.notifyBeatSenderOfChange()
}

// wireBeatFinder registers the listeners that keep our simulated state in
// step with commands and reports from the mixer and other players.
func (s *VirtualCdj) wireBeatFinder() {
	s.beatFinder.AddBeatListener(func(beat *protocol.Beat) {
		s.processBeat(beat)
	})

	s.beatFinder.AddOnAirListener(func(audible map[int]bool) {
		s.SetOnAir(audible[s.DeviceNumber()])
	})

	s.beatFinder.AddFaderStartListener(func(start, stop map[int]bool) {
		if stop[s.DeviceNumber()] {
			s.SetPlaying(false)
		} else if start[s.DeviceNumber()] {
			s.SetPlaying(true)
		}
	})

	s.beatFinder.AddSyncListener(beats.SyncListener{
		SetSyncMode: func(synced bool) {
			s.SetSynced(synced)
		},
		BecomeMaster: func() {
			log.Printf("VCDJ: received packet telling us to become master")
			if !s.sending.Load() {
				log.Printf("VCDJ: ignoring sync command to become tempo master, since we are not sending status packets")
				return
			}
			go func() {
				if err := s.BecomeTempoMaster(); err != nil {
					log.Printf("VCDJ: problem becoming tempo master in response to sync command packet: %v", err)
				}
			}()
		},
	})

	s.beatFinder.AddMasterHandoffListener(beats.MasterHandoffListener{
		YieldMasterTo: func(deviceNumber int) {
			s.yieldMasterTo(deviceNumber)
		},
		YieldResponse: func(deviceNumber int, yielded bool) {
			s.yieldResponse(deviceNumber, yielded)
		},
	})
}
