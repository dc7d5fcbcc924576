// Package beats watches the beat port, where devices announce each beat they
// play and where several control commands arrive: sync mode, fader start,
// channels on air, and the tempo master handoff packets. Each packet kind has
// its own listener registry, and listeners are called inline on the receive
// goroutine, so they must be quick.
package beats

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/pubsub"
)

// BeatListener is called for each beat packet received.
type BeatListener func(*protocol.Beat)

// SyncListener is notified of received sync control commands. Either field
// may be nil.
type SyncListener struct {
	// SetSyncMode is called when another device tells us to turn sync on or off.
	SetSyncMode func(synced bool)
	// BecomeMaster is called when another device tells us to take over the
	// tempo master role.
	BecomeMaster func()
}

// FaderStartListener is called when a mixer commands players to start or stop.
type FaderStartListener func(start, stop map[int]bool)

// OnAirListener is called when a mixer reports which channels are audible.
type OnAirListener func(audible map[int]bool)

// MasterHandoffListener is notified of the packets that carry the tempo
// master handoff conversation. Either field may be nil.
type MasterHandoffListener struct {
	// YieldMasterTo is called when a device asks us, the current master, to
	// hand the role to the given device number.
	YieldMasterTo func(deviceNumber int)
	// YieldResponse is called when a device answers our own handoff request.
	YieldResponse func(deviceNumber int, yielded bool)
}

// Finder listens on the beat port and fans each packet kind out to its typed
// listeners.
type Finder struct {
	running atomic.Bool
	socket  atomic.Pointer[net.UDPConn]
	mu      sync.Mutex

	beatListeners       *pubsub.Registry[BeatListener]
	syncListeners       *pubsub.Registry[SyncListener]
	faderStartListeners *pubsub.Registry[FaderStartListener]
	onAirListeners      *pubsub.Registry[OnAirListener]
	handoffListeners    *pubsub.Registry[MasterHandoffListener]
	lifecycleListeners  *pubsub.Registry[pubsub.LifecycleListener]
}

// NewFinder creates a beat finder. It does nothing until started.
func NewFinder() *Finder {
	return &Finder{
		beatListeners:       pubsub.NewRegistry[BeatListener](),
		syncListeners:       pubsub.NewRegistry[SyncListener](),
		faderStartListeners: pubsub.NewRegistry[FaderStartListener](),
		onAirListeners:      pubsub.NewRegistry[OnAirListener](),
		handoffListeners:    pubsub.NewRegistry[MasterHandoffListener](),
		lifecycleListeners:  pubsub.NewRegistry[pubsub.LifecycleListener](),
	}
}

// IsRunning reports whether we are listening for beats.
func (f *Finder) IsRunning() bool {
	return f.running.Load()
}

// Start opens the beat port and begins dispatching packets. Idempotent.
func (f *Finder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running.Load() {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: protocol.BeatPort})
	if err != nil {
		return fmt.Errorf("open beat port %d: %w", protocol.BeatPort, err)
	}
	f.socket.Store(conn)
	f.running.Store(true)

	go f.receiveLoop(conn)

	f.lifecycleListeners.Dispatch(func(l pubsub.LifecycleListener) {
		if l.Started != nil {
			l.Started()
		}
	})
	return nil
}

// Stop closes the beat port. Idempotent.
func (f *Finder) Stop() {
	f.mu.Lock()
	if !f.running.Load() {
		f.mu.Unlock()
		return
	}
	f.running.Store(false)
	if conn := f.socket.Swap(nil); conn != nil {
		conn.Close()
	}
	f.mu.Unlock()

	f.lifecycleListeners.Dispatch(func(l pubsub.LifecycleListener) {
		if l.Stopped != nil {
			l.Stopped()
		}
	})
}

// receiveLoop blocks reading beat port packets until the socket closes. A
// packet that fails to decode or a listener that misbehaves is logged and the
// loop moves on.
func (f *Finder) receiveLoop(conn *net.UDPConn) {
	buffer := make([]byte, 512)
	for f.running.Load() {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if f.running.Load() {
				log.Printf("BEATS: problem reading from beat socket, stopping: %v", err)
				f.Stop()
			}
			return
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("BEATS: problem processing beat port packet: %v", p)
				}
			}()
			f.handlePacket(buffer[:n], addr.IP)
		}()
	}
}

func (f *Finder) handlePacket(data []byte, source net.IP) {
	kind, err := protocol.ValidateHeader(data, protocol.BeatPort)
	if err != nil {
		// Foreign traffic lands on this port all the time; drop it quietly.
		return
	}

	switch kind {
	case protocol.KindBeat:
		beat, err := protocol.DecodeBeat(data, source)
		if err != nil {
			log.Printf("BEATS: ignoring malformed beat packet from %s: %v", source, err)
			return
		}
		f.beatListeners.Dispatch(func(l BeatListener) { l(beat) })

	case protocol.KindSyncControl:
		cmd, err := protocol.DecodeSyncCommand(data, source)
		if err != nil {
			log.Printf("BEATS: ignoring malformed sync command from %s: %v", source, err)
			return
		}
		f.syncListeners.Dispatch(func(l SyncListener) {
			switch cmd.Command {
			case protocol.SyncModeOn:
				if l.SetSyncMode != nil {
					l.SetSyncMode(true)
				}
			case protocol.SyncModeOff:
				if l.SetSyncMode != nil {
					l.SetSyncMode(false)
				}
			case protocol.BecomeMaster:
				if l.BecomeMaster != nil {
					l.BecomeMaster()
				}
			}
		})

	case protocol.KindFaderStart:
		cmd, err := protocol.DecodeFaderStart(data, source)
		if err != nil {
			log.Printf("BEATS: ignoring malformed fader start from %s: %v", source, err)
			return
		}
		f.faderStartListeners.Dispatch(func(l FaderStartListener) { l(cmd.Start, cmd.Stop) })

	case protocol.KindChannelsOnAir:
		cmd, err := protocol.DecodeOnAir(data, source)
		if err != nil {
			log.Printf("BEATS: ignoring malformed channels on air from %s: %v", source, err)
			return
		}
		f.onAirListeners.Dispatch(func(l OnAirListener) { l(cmd.OnAir) })

	case protocol.KindMasterHandoffRequest:
		request, err := protocol.DecodeMasterHandoffRequest(data, source)
		if err != nil {
			log.Printf("BEATS: ignoring malformed handoff request from %s: %v", source, err)
			return
		}
		f.handoffListeners.Dispatch(func(l MasterHandoffListener) {
			if l.YieldMasterTo != nil {
				l.YieldMasterTo(request.DeviceNumber)
			}
		})

	case protocol.KindMasterHandoffResponse:
		response, err := protocol.DecodeMasterHandoffResponse(data, source)
		if err != nil {
			log.Printf("BEATS: ignoring malformed handoff response from %s: %v", source, err)
			return
		}
		f.handoffListeners.Dispatch(func(l MasterHandoffListener) {
			if l.YieldResponse != nil {
				l.YieldResponse(response.DeviceNumber, response.Yielded)
			}
		})

	default:
		log.Printf("BEATS: ignoring %s packet sent to beat port", kind)
	}
}

// AddBeatListener registers for beat packets; returns the removal token.
func (f *Finder) AddBeatListener(listener BeatListener) uuid.UUID {
	return f.beatListeners.Add(listener)
}

// RemoveBeatListener deregisters a beat listener.
func (f *Finder) RemoveBeatListener(id uuid.UUID) {
	f.beatListeners.Remove(id)
}

// AddSyncListener registers for sync commands; returns the removal token.
func (f *Finder) AddSyncListener(listener SyncListener) uuid.UUID {
	return f.syncListeners.Add(listener)
}

// RemoveSyncListener deregisters a sync listener.
func (f *Finder) RemoveSyncListener(id uuid.UUID) {
	f.syncListeners.Remove(id)
}

// AddFaderStartListener registers for fader start commands; returns the
// removal token.
func (f *Finder) AddFaderStartListener(listener FaderStartListener) uuid.UUID {
	return f.faderStartListeners.Add(listener)
}

// RemoveFaderStartListener deregisters a fader start listener.
func (f *Finder) RemoveFaderStartListener(id uuid.UUID) {
	f.faderStartListeners.Remove(id)
}

// AddOnAirListener registers for channels-on-air reports; returns the removal
// token.
func (f *Finder) AddOnAirListener(listener OnAirListener) uuid.UUID {
	return f.onAirListeners.Add(listener)
}

// RemoveOnAirListener deregisters an on-air listener.
func (f *Finder) RemoveOnAirListener(id uuid.UUID) {
	f.onAirListeners.Remove(id)
}

// AddMasterHandoffListener registers for handoff packets; returns the removal
// token.
func (f *Finder) AddMasterHandoffListener(listener MasterHandoffListener) uuid.UUID {
	return f.handoffListeners.Add(listener)
}

// RemoveMasterHandoffListener deregisters a handoff listener.
func (f *Finder) RemoveMasterHandoffListener(id uuid.UUID) {
	f.handoffListeners.Remove(id)
}

// AddLifecycleListener registers for start/stop reports; returns the removal
// token.
func (f *Finder) AddLifecycleListener(listener pubsub.LifecycleListener) uuid.UUID {
	return f.lifecycleListeners.Add(listener)
}

// RemoveLifecycleListener deregisters a lifecycle listener.
func (f *Finder) RemoveLifecycleListener(id uuid.UUID) {
	f.lifecycleListeners.Remove(id)
}
