package vcdj

import (
	"log"
	"math"

	"github.com/petervdpas/djlink/internal/protocol"
)

// TempoMaster returns the update in which the current tempo master asserted
// its role, or nil if no real device holds it. When we hold the role
// ourselves this is also nil, because no real player is acting as master.
func (s *VirtualCdj) TempoMaster() protocol.DeviceUpdate {
	if record := s.tempoMaster.Load(); record != nil {
		return record.update
	}
	return nil
}

// IsTempoMaster reports whether we currently hold the tempo master role.
// Only meaningful while sending status packets.
func (s *VirtualCdj) IsTempoMaster() bool {
	return s.master.Load()
}

// MasterTempo returns the most recently reported master tempo.
func (s *VirtualCdj) MasterTempo() float64 {
	return math.Float64frombits(s.masterTempo.Load())
}

// setTempoMaster records a new tempo master, reporting the change to master
// listeners if it differs from the previous one.
func (s *VirtualCdj) setTempoMaster(update protocol.DeviceUpdate) {
	var record *masterRecord
	if update != nil {
		record = &masterRecord{update: update}
	}
	previous := s.tempoMaster.Swap(record)

	changed := false
	switch {
	case previous == nil && update != nil:
		changed = true
	case previous != nil && update == nil:
		changed = true
	case previous != nil && update != nil:
		changed = !previous.update.Source().Equal(update.Source()) ||
			previous.update.DeviceNumber() != update.DeviceNumber()
	}
	if changed {
		s.deliverMasterChanged(update)
	}
}

// setMasterTempo establishes a new master tempo. When a master exists and
// the change exceeds the tempo epsilon, the change is reported, and if we
// are synced our own metronome follows it.
func (s *VirtualCdj) setMasterTempo(newTempo float64) {
	oldTempo := math.Float64frombits(s.masterTempo.Swap(math.Float64bits(newTempo)))
	if s.TempoMaster() != nil && math.Abs(newTempo-oldTempo) > s.TempoEpsilon() {
		if s.synced.Load() {
			s.metronome.SetTempo(newTempo)
			s.notifyBeatSenderOfChange()
		}
		s.deliverTempoChanged(newTempo)
	}
}

// processUpdate tracks an incoming status update as the most recent from its
// address, works through the tempo master handoff dance, and fans the update
// out to listeners. Called only from the receive goroutine, which keeps the
// election state single-writer.
func (s *VirtualCdj) processUpdate(update protocol.DeviceUpdate) {
	s.updatesMu.Lock()
	s.updates[update.Source().String()] = update
	s.updatesMu.Unlock()

	// Keep track of the largest sync counter we see.
	if status, ok := update.(*protocol.CdjStatus); ok {
		if int32(status.SyncNumber) > s.largestSyncCounter.Load() {
			s.largestSyncCounter.Store(int32(status.SyncNumber))
		}
	}

	if update.TempoMaster() {
		yieldingTo := yieldTarget(update)
		if yieldingTo == 0 {
			// A normal, non-yielding master assertion. Update our notion of
			// the current master and, if we were yielding to this device,
			// finish the handoff by bumping our sync counter.
			if s.master.Load() {
				next := int(s.nextMaster.Load())
				if next == update.DeviceNumber() {
					s.syncCounter.Store(s.largestSyncCounter.Load() + 1)
				} else if next == protocol.NoHandoff {
					log.Printf("VCDJ: saw master asserted by player %d when we were not yielding it", update.DeviceNumber())
				} else {
					log.Printf("VCDJ: expected to yield master role to player %d but saw master asserted by player %d",
						next, update.DeviceNumber())
				}
			}
			s.master.Store(false)
			s.nextMaster.Store(protocol.NoHandoff)
			s.setTempoMaster(update)
			s.setMasterTempo(update.EffectiveTempo())
		} else if yieldingTo == s.DeviceNumber() {
			// The master is handing the role to us. Accept it even when
			// unsolicited; we must be the only synced device playing.
			yieldedFrom := int(s.masterYieldedFrom.Load())
			if update.DeviceNumber() != yieldedFrom {
				if yieldedFrom == 0 {
					log.Printf("VCDJ: accepting unsolicited master yield from player %d", update.DeviceNumber())
				} else {
					log.Printf("VCDJ: expected player %d to yield master to us, but player %d did",
						yieldedFrom, update.DeviceNumber())
				}
			}
			s.master.Store(true)
			s.masterYieldedFrom.Store(0)
			s.setTempoMaster(nil)
			s.setMasterTempo(s.Tempo())
		}
	} else {
		// This device is not asserting mastery; if we thought it was the
		// master, it has resigned and nobody else has claimed the role yet.
		if current := s.TempoMaster(); current != nil && current.Source().Equal(update.Source()) {
			s.setTempoMaster(nil)
		}
	}
	s.deliverDeviceUpdate(update)
}

// yieldTarget extracts the device number a master update is yielding the
// role to, or 0 when it is not yielding.
func yieldTarget(update protocol.DeviceUpdate) int {
	if status, ok := update.(*protocol.CdjStatus); ok {
		return status.YieldingTo
	}
	return 0
}

// processBeat updates the master tempo and notifies master listeners when a
// beat from the current tempo master arrives.
func (s *VirtualCdj) processBeat(beat *protocol.Beat) {
	if !s.running.Load() {
		return
	}
	current := s.TempoMaster()
	if current == nil || !current.Source().Equal(beat.Source()) || current.DeviceNumber() != beat.DeviceNumber() {
		return
	}
	s.setMasterTempo(beat.EffectiveTempo())
	s.deliverBeat(beat)
}

// BecomeTempoMaster arranges for us to take over the tempo master role. If
// another device currently holds it, a handoff request is sent and the role
// transfers once the yield completes; otherwise we claim it immediately.
func (s *VirtualCdj) BecomeTempoMaster() error {
	if !s.sending.Load() {
		return ErrNotSendingStatus
	}
	if current := s.TempoMaster(); current != nil {
		payload := make([]byte, len(masterHandoffRequestPayload))
		copy(payload, masterHandoffRequestPayload)
		payload[0x02] = byte(s.DeviceNumber())
		payload[0x08] = byte(s.DeviceNumber())
		s.requestingMasterFrom.Store(int32(current.DeviceNumber()))
		log.Printf("VCDJ: sending master yield request to player %d", current.DeviceNumber())
		return s.assembleAndSendPacket(protocol.KindMasterHandoffRequest, payload, current.Source(), protocol.BeatPort)
	}
	if !s.master.Load() {
		// Nobody holds the role, so claim it directly. No real device was
		// master before, so report the change ourselves.
		s.requestingMasterFrom.Store(0)
		s.setMasterTempo(s.Tempo())
		s.master.Store(true)
		s.deliverMasterChanged(nil)
	}
	return nil
}

// yieldMasterTo handles a received instruction to hand the master role to
// another device: record it as the next master and acknowledge, then let our
// status packets carry the handoff byte until it asserts mastery.
func (s *VirtualCdj) yieldMasterTo(deviceNumber int) {
	log.Printf("VCDJ: received instruction to yield master to device %d", deviceNumber)
	if !s.master.Load() {
		log.Printf("VCDJ: ignoring instruction to yield master to device %d: we were not tempo master", deviceNumber)
		return
	}
	if !s.sending.Load() || s.DeviceNumber() == deviceNumber {
		return
	}
	s.nextMaster.Store(int32(deviceNumber))
	target := s.LatestStatusFor(deviceNumber)
	if target == nil {
		log.Printf("VCDJ: unable to send master yield response to device %d: no status updates have been received from it", deviceNumber)
		return
	}
	payload := make([]byte, len(yieldAckPayload))
	copy(payload, yieldAckPayload)
	payload[0x02] = byte(s.DeviceNumber())
	payload[0x08] = byte(s.DeviceNumber())
	if err := s.assembleAndSendPacket(protocol.KindMasterHandoffResponse, payload, target.Source(), protocol.UpdatePort); err != nil {
		log.Printf("VCDJ: problem sending master yield acknowledgment to player %d: %v", deviceNumber, err)
	}
}

// yieldResponse handles the answer to our own handoff request. On a
// successful yield from the player we asked, the next normal master
// assertion we see from it (carrying our number as its handoff target)
// completes the transfer.
func (s *VirtualCdj) yieldResponse(deviceNumber int, yielded bool) {
	log.Printf("VCDJ: received yield response of %v from device %d", yielded, deviceNumber)
	if !yielded {
		log.Printf("VCDJ: ignoring master yield response with unexpected non-yielding value")
		return
	}
	if !s.sending.Load() {
		log.Printf("VCDJ: ignoring master yield response because we are not sending status")
		return
	}
	requesting := int(s.requestingMasterFrom.Load())
	if deviceNumber == requesting {
		s.requestingMasterFrom.Store(0)
		s.masterYieldedFrom.Store(int32(deviceNumber))
		return
	}
	if requesting == 0 {
		log.Printf("VCDJ: ignoring master yield response from player %d because we are not trying to become tempo master", deviceNumber)
	} else {
		log.Printf("VCDJ: ignoring master yield response from player %d because we asked player %d", deviceNumber, requesting)
	}
}
