// Package devices watches the announcement port and keeps a registry of the
// DJ Link devices currently active on the network: who they are, where they
// are, and when they were last heard from.
package devices

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/djlink/internal/metronome"
	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/pubsub"
)

// MaximumAge is how long a device may stay silent before the registry
// considers it to have left the network.
const MaximumAge = 10 * time.Second

// expireInterval is how often the registry sweeps for silent devices.
const expireInterval = time.Second

// AnnouncementListener is notified as devices join and leave the network.
// Either field may be nil.
type AnnouncementListener struct {
	Found func(*protocol.DeviceAnnouncement)
	Lost  func(*protocol.DeviceAnnouncement)
}

// Finder keeps track of which DJ Link devices are visible on the network by
// listening for their announcement broadcasts.
type Finder struct {
	running atomic.Bool
	socket  atomic.Pointer[net.UDPConn]

	// firstDeviceTime is the timeline instant the first announcement arrived
	// after starting, or 0 when no devices have been seen. Self-assignment
	// waits against this so it has watched the network long enough.
	firstDeviceTime atomic.Int64

	mu      sync.Mutex
	devices map[string]*protocol.DeviceAnnouncement
	ignored map[string]struct{}
	stop    chan struct{}

	announcementListeners *pubsub.Registry[AnnouncementListener]
	lifecycleListeners    *pubsub.Registry[pubsub.LifecycleListener]
}

// NewFinder creates a device finder. It does nothing until started.
func NewFinder() *Finder {
	return &Finder{
		devices:               make(map[string]*protocol.DeviceAnnouncement),
		ignored:               make(map[string]struct{}),
		announcementListeners: pubsub.NewRegistry[AnnouncementListener](),
		lifecycleListeners:    pubsub.NewRegistry[pubsub.LifecycleListener](),
	}
}

// IsRunning reports whether we are listening for announcements.
func (f *Finder) IsRunning() bool {
	return f.running.Load()
}

// Start opens the announcement port and begins tracking devices. Idempotent.
func (f *Finder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running.Load() {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: protocol.AnnouncementPort})
	if err != nil {
		return fmt.Errorf("open announcement port %d: %w", protocol.AnnouncementPort, err)
	}
	f.socket.Store(conn)
	f.firstDeviceTime.Store(0)
	f.stop = make(chan struct{})
	f.running.Store(true)

	go f.receiveLoop(conn)
	go f.expireLoop(f.stop)

	f.lifecycleListeners.Dispatch(func(l pubsub.LifecycleListener) {
		if l.Started != nil {
			l.Started()
		}
	})
	return nil
}

// Stop closes the announcement port and forgets all devices. Idempotent.
func (f *Finder) Stop() {
	f.mu.Lock()
	if !f.running.Load() {
		f.mu.Unlock()
		return
	}
	f.running.Store(false)
	close(f.stop)
	if conn := f.socket.Swap(nil); conn != nil {
		conn.Close()
	}
	lost := make([]*protocol.DeviceAnnouncement, 0, len(f.devices))
	for _, device := range f.devices {
		lost = append(lost, device)
	}
	f.devices = make(map[string]*protocol.DeviceAnnouncement)
	f.firstDeviceTime.Store(0)
	f.mu.Unlock()

	for _, device := range lost {
		f.deliverLost(device)
	}
	f.lifecycleListeners.Dispatch(func(l pubsub.LifecycleListener) {
		if l.Stopped != nil {
			l.Stopped()
		}
	})
}

// receiveLoop blocks reading announcement packets until the socket closes.
func (f *Finder) receiveLoop(conn *net.UDPConn) {
	buffer := make([]byte, 512)
	for f.running.Load() {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if f.running.Load() {
				log.Printf("DEVICES: problem reading from announcement socket, stopping: %v", err)
				f.Stop()
			}
			return
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("DEVICES: problem processing announcement packet: %v", p)
				}
			}()
			f.handlePacket(buffer[:n], addr.IP)
		}()
	}
}

func (f *Finder) handlePacket(data []byte, source net.IP) {
	kind, err := protocol.ValidateHeader(data, protocol.AnnouncementPort)
	if err != nil {
		// Foreign traffic lands on this port all the time; drop it quietly.
		return
	}
	if kind != protocol.KindAnnouncement {
		return
	}
	announcement, err := protocol.DecodeAnnouncement(data, source)
	if err != nil {
		log.Printf("DEVICES: ignoring malformed announcement from %s: %v", source, err)
		return
	}
	f.processAnnouncement(announcement)
}

// processAnnouncement records a device sighting, reporting it to listeners if
// the device is new. Announcements from our own addresses are filtered so the
// virtual player does not track itself.
func (f *Finder) processAnnouncement(announcement *protocol.DeviceAnnouncement) {
	f.mu.Lock()
	if _, skip := f.ignored[announcement.Address.String()]; skip {
		f.mu.Unlock()
		return
	}
	if f.firstDeviceTime.Load() == 0 {
		// The timeline starts at 0, which also marks "no device seen", so a
		// sighting in its first millisecond is recorded as 1.
		f.firstDeviceTime.Store(max(metronome.Now(), 1))
	}
	_, known := f.devices[announcement.Address.String()]
	f.devices[announcement.Address.String()] = announcement
	f.mu.Unlock()

	if !known {
		log.Printf("DEVICES: found new device: %s", announcement)
		f.announcementListeners.Dispatch(func(l AnnouncementListener) {
			if l.Found != nil {
				l.Found(announcement)
			}
		})
	}
}

// expireLoop sweeps out devices that have gone silent.
func (f *Finder) expireLoop(stop chan struct{}) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.expireDevices(time.Now())
		}
	}
}

// expireDevices removes devices unheard from for longer than MaximumAge,
// reporting each loss. When the last device disappears the first-device time
// resets, so a later self-assignment starts a fresh watch period.
func (f *Finder) expireDevices(now time.Time) {
	var lost []*protocol.DeviceAnnouncement
	f.mu.Lock()
	for key, device := range f.devices {
		if now.Sub(device.Seen) > MaximumAge {
			delete(f.devices, key)
			lost = append(lost, device)
		}
	}
	if len(f.devices) == 0 {
		f.firstDeviceTime.Store(0)
	}
	f.mu.Unlock()

	for _, device := range lost {
		log.Printf("DEVICES: lost device: %s", device)
		f.deliverLost(device)
	}
}

func (f *Finder) deliverLost(device *protocol.DeviceAnnouncement) {
	f.announcementListeners.Dispatch(func(l AnnouncementListener) {
		if l.Lost != nil {
			l.Lost(device)
		}
	})
}

// CurrentDevices returns a snapshot of the devices currently active.
func (f *Finder) CurrentDevices() []*protocol.DeviceAnnouncement {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]*protocol.DeviceAnnouncement, 0, len(f.devices))
	for _, device := range f.devices {
		result = append(result, device)
	}
	return result
}

// LatestAnnouncementFrom returns the most recent announcement from the device
// with the given number, or nil if it is not on the network.
func (f *Finder) LatestAnnouncementFrom(number int) *protocol.DeviceAnnouncement {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, device := range f.devices {
		if device.Number == number {
			return device
		}
	}
	return nil
}

// FirstDeviceTime returns the timeline instant at which the first device was
// seen since the finder started, or 0 if no devices have been seen.
func (f *Finder) FirstDeviceTime() int64 {
	return f.firstDeviceTime.Load()
}

// AddIgnoredAddress filters announcements from the given address, so the
// virtual player's own broadcasts do not register it as a device.
func (f *Finder) AddIgnoredAddress(address net.IP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored[address.String()] = struct{}{}
}

// RemoveIgnoredAddress stops filtering announcements from the given address.
func (f *Finder) RemoveIgnoredAddress(address net.IP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ignored, address.String())
}

// AddAnnouncementListener registers for device found/lost reports and returns
// the token that removes the registration.
func (f *Finder) AddAnnouncementListener(listener AnnouncementListener) uuid.UUID {
	return f.announcementListeners.Add(listener)
}

// RemoveAnnouncementListener deregisters an announcement listener.
func (f *Finder) RemoveAnnouncementListener(id uuid.UUID) {
	f.announcementListeners.Remove(id)
}

// AddLifecycleListener registers for start/stop reports and returns the token
// that removes the registration.
func (f *Finder) AddLifecycleListener(listener pubsub.LifecycleListener) uuid.UUID {
	return f.lifecycleListeners.Add(listener)
}

// RemoveLifecycleListener deregisters a lifecycle listener.
func (f *Finder) RemoveLifecycleListener(id uuid.UUID) {
	f.lifecycleListeners.Remove(id)
}
