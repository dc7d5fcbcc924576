package vcdj

import (
	"github.com/google/uuid"

	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/pubsub"
)

// UpdateListener is called for every device update processed, on the thread
// that received it from the network. Listeners must return quickly and hand
// anything slow to their own goroutine.
type UpdateListener func(protocol.DeviceUpdate)

// MasterListener is notified of changes related to the tempo master. Any
// field may be nil. Callbacks run inline on the receive thread.
type MasterListener struct {
	// MasterChanged receives the update in which a device asserted the
	// master role, or nil when no real device holds it; when nil, check
	// IsTempoMaster to tell our own mastery apart from an empty network.
	MasterChanged func(update protocol.DeviceUpdate)
	// TempoChanged receives the new master tempo whenever it moves by more
	// than the tempo epsilon while a master exists.
	TempoChanged func(tempo float64)
	// NewBeat receives each beat played by the tempo master.
	NewBeat func(beat *protocol.Beat)
}

// MediaDetailsListener is called when a media query response arrives.
type MediaDetailsListener func(*protocol.MediaDetails)

// AddUpdateListener registers for device updates; returns the removal token.
func (s *VirtualCdj) AddUpdateListener(listener UpdateListener) uuid.UUID {
	return s.updateListeners.Add(listener)
}

// RemoveUpdateListener deregisters an update listener.
func (s *VirtualCdj) RemoveUpdateListener(id uuid.UUID) {
	s.updateListeners.Remove(id)
}

// AddMasterListener registers for tempo master changes; returns the removal
// token.
func (s *VirtualCdj) AddMasterListener(listener MasterListener) uuid.UUID {
	return s.masterListeners.Add(listener)
}

// RemoveMasterListener deregisters a master listener.
func (s *VirtualCdj) RemoveMasterListener(id uuid.UUID) {
	s.masterListeners.Remove(id)
}

// AddMediaDetailsListener registers for media query responses; returns the
// removal token.
func (s *VirtualCdj) AddMediaDetailsListener(listener MediaDetailsListener) uuid.UUID {
	return s.mediaDetailsListeners.Add(listener)
}

// RemoveMediaDetailsListener deregisters a media details listener.
func (s *VirtualCdj) RemoveMediaDetailsListener(id uuid.UUID) {
	s.mediaDetailsListeners.Remove(id)
}

// AddLifecycleListener registers for start/stop reports; returns the removal
// token.
func (s *VirtualCdj) AddLifecycleListener(listener pubsub.LifecycleListener) uuid.UUID {
	return s.lifecycleListeners.Add(listener)
}

// RemoveLifecycleListener deregisters a lifecycle listener.
func (s *VirtualCdj) RemoveLifecycleListener(id uuid.UUID) {
	s.lifecycleListeners.Remove(id)
}

func (s *VirtualCdj) deliverDeviceUpdate(update protocol.DeviceUpdate) {
	s.updateListeners.Dispatch(func(l UpdateListener) { l(update) })
}

func (s *VirtualCdj) deliverMasterChanged(update protocol.DeviceUpdate) {
	s.masterListeners.Dispatch(func(l MasterListener) {
		if l.MasterChanged != nil {
			l.MasterChanged(update)
		}
	})
}

func (s *VirtualCdj) deliverTempoChanged(tempo float64) {
	s.masterListeners.Dispatch(func(l MasterListener) {
		if l.TempoChanged != nil {
			l.TempoChanged(tempo)
		}
	})
}

func (s *VirtualCdj) deliverBeat(beat *protocol.Beat) {
	s.masterListeners.Dispatch(func(l MasterListener) {
		if l.NewBeat != nil {
			l.NewBeat(beat)
		}
	})
}
