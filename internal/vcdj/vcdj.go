// Package vcdj implements the virtual player: it announces itself on the
// network so real players send it status packets, tracks the moment-to-moment
// state of every device, takes part in the tempo master election, and can
// synthesize its own status and beat packets so it can hold the master role
// and steer the tempo and beat alignment of the group.
package vcdj

import (
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/djlink/internal/beats"
	"github.com/petervdpas/djlink/internal/devices"
	"github.com/petervdpas/djlink/internal/metronome"
	"github.com/petervdpas/djlink/internal/protocol"
	"github.com/petervdpas/djlink/internal/pubsub"
)

// Failure kinds callers can test for with errors.Is.
var (
	// ErrNoPeers means no DJ Link devices appeared within the startup wait,
	// so there is no network to join.
	ErrNoPeers = errors.New("no DJ Link devices found")
	// ErrNoAvailableNumber means self-assignment found every usable device
	// number already taken.
	ErrNoAvailableNumber = errors.New("no unused device number available")
	// ErrBusySendingStatus rejects device number changes while we are
	// sending status packets under the old number.
	ErrBusySendingStatus = errors.New("cannot change device number while sending status packets")
	// ErrNotRunning rejects operations that need the virtual player active.
	ErrNotRunning = errors.New("virtual player is not running")
	// ErrNotSendingStatus rejects operations that need us to be sending
	// status packets, such as becoming tempo master.
	ErrNotSendingStatus = errors.New("virtual player is not sending status packets")
	// ErrInvalidDeviceNumberForStatus means status packets require a
	// standard player number, 1 through 4.
	ErrInvalidDeviceNumberForStatus = errors.New("can only send status when using a standard player number, 1 through 4")
	// ErrUnknownPeer means a command targeted a device the registry has no
	// announcement for.
	ErrUnknownPeer = errors.New("device not found on network")
)

// Configuration limits.
const (
	minAnnounceInterval = 200
	maxAnnounceInterval = 2000
	minStatusInterval   = 20
	maxStatusInterval   = 2000

	// DefaultTempoEpsilon is how large a tempo change must be before we
	// consider it a real difference worth reporting.
	DefaultTempoEpsilon = 0.0001

	// selfAssignmentWatchPeriod is how long the device finder must have been
	// watching the network before we trust its picture enough to choose an
	// unused device number, in milliseconds.
	selfAssignmentWatchPeriod = 4000

	// MaxBeat is the longest beat we will report playing before wrapping
	// back to one; a little over nine hours at 120 bpm.
	MaxBeat = 65536
)

// Announcement packet template. The name, device number, MAC, and IP regions
// are patched before use; the remaining bytes are the fixed values players
// expect.
var announcementTemplate = [54]byte{
	0x51, 0x73, 0x70, 0x74, 0x31, 0x57, 0x6d, 0x4a, 0x4f, 0x4c, 0x06, 0x00, 0x64, 0x6a, 0x6c, 0x69,
	0x6e, 0x6b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x02, 0x00, 0x36, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x00, 0x00, 0x01, 0x00,
}

// masterRecord boxes the status update that most recently asserted the tempo
// master role, for lock-free reads through an atomic pointer.
type masterRecord struct {
	update protocol.DeviceUpdate
}

// VirtualCdj impersonates a CDJ player on the local network. Create one with
// New, configure it, then Start it.
type VirtualCdj struct {
	finder     *devices.Finder
	beatFinder *beats.Finder

	// stateMu serializes the lifecycle transitions: start, stop, sending
	// status, playing, and synced changes.
	stateMu sync.Mutex

	// announceMu guards the announcement packet bytes: the name and device
	// number change from the application, the MAC and IP are patched at start.
	announceMu   sync.Mutex
	announcement [54]byte

	running          atomic.Bool
	socket           atomic.Pointer[net.UDPConn]
	localAddress     atomic.Pointer[net.IP]
	broadcastAddress atomic.Pointer[net.IP]
	matchedNetwork   atomic.Pointer[net.IPNet]
	stopChan         chan struct{}

	announceInterval        atomic.Int32
	statusInterval          atomic.Int32
	tempoEpsilon            atomic.Uint64
	useStandardPlayerNumber atomic.Bool

	updatesMu sync.Mutex
	updates   map[string]protocol.DeviceUpdate

	metronome    *metronome.Metronome
	whereStopped atomic.Pointer[metronome.Snapshot]
	playing      atomic.Bool
	synced       atomic.Bool
	onAir        atomic.Bool

	master      atomic.Bool
	masterTempo atomic.Uint64
	tempoMaster atomic.Pointer[masterRecord]

	syncCounter          atomic.Int32
	largestSyncCounter   atomic.Int32
	nextMaster           atomic.Int32
	requestingMasterFrom atomic.Int32
	masterYieldedFrom    atomic.Int32
	packetCounter        atomic.Int32

	sending    atomic.Bool
	statusStop chan struct{}
	beatSender atomic.Pointer[beatSender]

	// Listener registration tokens, guarded by stateMu.
	finderLifecycleToken     uuid.UUID
	beatFinderLifecycleToken uuid.UUID
	syncFollowerToken        uuid.UUID
	syncFollowerActive       bool

	updateListeners       *pubsub.Registry[UpdateListener]
	masterListeners       *pubsub.Registry[MasterListener]
	mediaDetailsListeners *pubsub.Registry[MediaDetailsListener]
	lifecycleListeners    *pubsub.Registry[pubsub.LifecycleListener]
}

// New creates a virtual player that discovers peers through the given device
// finder and receives beats and commands through the given beat finder. The
// finders are shared collaborators; the virtual player starts and observes
// them but never owns their lifecycle beyond its own needs.
func New(finder *devices.Finder, beatFinder *beats.Finder) *VirtualCdj {
	s := &VirtualCdj{
		finder:                finder,
		beatFinder:            beatFinder,
		announcement:          announcementTemplate,
		updates:               make(map[string]protocol.DeviceUpdate),
		metronome:             metronome.New(),
		updateListeners:       pubsub.NewRegistry[UpdateListener](),
		masterListeners:       pubsub.NewRegistry[MasterListener](),
		mediaDetailsListeners: pubsub.NewRegistry[MediaDetailsListener](),
		lifecycleListeners:    pubsub.NewRegistry[pubsub.LifecycleListener](),
	}
	s.announceInterval.Store(1500)
	s.statusInterval.Store(200)
	s.tempoEpsilon.Store(math.Float64bits(DefaultTempoEpsilon))
	s.syncCounter.Store(1)
	s.largestSyncCounter.Store(1)
	s.nextMaster.Store(protocol.NoHandoff)
	stopped := s.metronome.Snapshot()
	s.whereStopped.Store(&stopped)
	s.wireBeatFinder()
	return s
}

// DeviceName returns the name we announce ourselves under.
func (s *VirtualCdj) DeviceName() string {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	return protocol.DecodeName(s.announcement[:], protocol.AnnounceNameOffset)
}

// SetDeviceName changes the name we announce ourselves under. Names are
// limited to twenty bytes of plain ASCII.
func (s *VirtualCdj) SetDeviceName(name string) error {
	if len(name) > protocol.AnnounceNameLength {
		return fmt.Errorf("name cannot be more than %d bytes long", protocol.AnnounceNameLength)
	}
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	copy(s.announcement[protocol.AnnounceNameOffset:protocol.AnnounceNameOffset+protocol.AnnounceNameLength],
		protocol.EncodeName(name))
	return nil
}

// DeviceNumber returns the device number we are using, or 0 if one will be
// self-assigned at the next start.
func (s *VirtualCdj) DeviceNumber() int {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	return int(s.announcement[protocol.AnnounceNumberOffset])
}

// SetDeviceNumber changes the device number we use on the network. Zero
// requests self-assignment at start. Fails while status packets are being
// sent under the old number.
func (s *VirtualCdj) SetDeviceNumber(number int) error {
	if number < 0 || number > 127 {
		return fmt.Errorf("device number must be between 0 and 127, got %d", number)
	}
	if s.sending.Load() {
		return ErrBusySendingStatus
	}
	s.setDeviceNumber(byte(number))
	return nil
}

func (s *VirtualCdj) setDeviceNumber(number byte) {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	s.announcement[protocol.AnnounceNumberOffset] = number
}

// nameBlock returns a copy of the twenty byte device name region of the
// announcement packet, for use in assembling other packets.
func (s *VirtualCdj) nameBlock() []byte {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	block := make([]byte, protocol.AnnounceNameLength)
	copy(block, s.announcement[protocol.AnnounceNameOffset:])
	return block
}

// AnnounceInterval returns the milliseconds between announcement broadcasts.
func (s *VirtualCdj) AnnounceInterval() int {
	return int(s.announceInterval.Load())
}

// SetAnnounceInterval changes the announcement broadcast interval.
func (s *VirtualCdj) SetAnnounceInterval(interval int) error {
	if interval < minAnnounceInterval || interval > maxAnnounceInterval {
		return fmt.Errorf("announce interval must be between %d and %d, got %d",
			minAnnounceInterval, maxAnnounceInterval, interval)
	}
	s.announceInterval.Store(int32(interval))
	return nil
}

// StatusInterval returns the milliseconds between status packets when we are
// sending them.
func (s *VirtualCdj) StatusInterval() int {
	return int(s.statusInterval.Load())
}

// SetStatusInterval changes the status packet interval.
func (s *VirtualCdj) SetStatusInterval(interval int) error {
	if interval < minStatusInterval || interval > maxStatusInterval {
		return fmt.Errorf("status interval must be between %d and %d, got %d",
			minStatusInterval, maxStatusInterval, interval)
	}
	s.statusInterval.Store(int32(interval))
	return nil
}

// TempoEpsilon returns how large a tempo change must be before it is
// reported as a real difference.
func (s *VirtualCdj) TempoEpsilon() float64 {
	return math.Float64frombits(s.tempoEpsilon.Load())
}

// SetTempoEpsilon changes the tempo change reporting threshold.
func (s *VirtualCdj) SetTempoEpsilon(epsilon float64) error {
	if epsilon < 0 {
		return fmt.Errorf("tempo epsilon must not be negative, got %f", epsilon)
	}
	s.tempoEpsilon.Store(math.Float64bits(epsilon))
	return nil
}

// UseStandardPlayerNumber reports whether self-assignment tries the real
// player range 1-4 before falling back to 5-15.
func (s *VirtualCdj) UseStandardPlayerNumber() bool {
	return s.useStandardPlayerNumber.Load()
}

// SetUseStandardPlayerNumber controls whether self-assignment tries the real
// player range 1-4 first. Needed to send status packets, but risks a number
// collision if a real player joins later.
func (s *VirtualCdj) SetUseStandardPlayerNumber(use bool) {
	s.useStandardPlayerNumber.Store(use)
}

// IsRunning reports whether we are announcing ourselves and listening for
// status packets.
func (s *VirtualCdj) IsRunning() bool {
	return s.running.Load()
}

// LocalAddress returns the address our update socket is bound to, or nil when
// not running.
func (s *VirtualCdj) LocalAddress() net.IP {
	if addr := s.localAddress.Load(); addr != nil {
		return *addr
	}
	return nil
}

// BroadcastAddress returns the broadcast address of the network the players
// were found on, or nil when not running.
func (s *VirtualCdj) BroadcastAddress() net.IP {
	if addr := s.broadcastAddress.Load(); addr != nil {
		return *addr
	}
	return nil
}

// Start announces our presence and begins processing status packets. It
// requires at least one real device to be visible on the network, so we can
// tell which interface and address to use; waits up to ten seconds for one
// to appear before giving up with ErrNoPeers. Idempotent.
func (s *VirtualCdj) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.running.Load() {
		return nil
	}

	// We depend on the device finder: if it stops, so do we.
	s.finderLifecycleToken = s.finder.AddLifecycleListener(pubsub.LifecycleListener{
		Stopped: func() {
			if s.IsRunning() {
				log.Printf("VCDJ: stopping because the device finder has stopped")
				go s.Stop()
			}
		},
	})

	if err := s.finder.Start(); err != nil {
		s.finder.RemoveLifecycleListener(s.finderLifecycleToken)
		return err
	}

	for i := 0; len(s.finder.CurrentDevices()) == 0 && i < 20; i++ {
		time.Sleep(500 * time.Millisecond)
	}
	if len(s.finder.CurrentDevices()) == 0 {
		s.finder.RemoveLifecycleListener(s.finderLifecycleToken)
		return ErrNoPeers
	}

	if err := s.createVirtualCdj(); err != nil {
		s.finder.RemoveLifecycleListener(s.finderLifecycleToken)
		return err
	}
	return nil
}

// createVirtualCdj finishes startup once devices are visible: matches a
// network interface, self-assigns a device number if needed, patches the
// announcement template, opens the update socket, and spawns the receive and
// announcement tasks. Called with stateMu held.
func (s *VirtualCdj) createVirtualCdj() (err error) {
	current := s.finder.CurrentDevices()
	if len(current) == 0 {
		return ErrNoPeers
	}
	aDevice := current[0]
	matched, extras, err := findMatchingInterfaces(aDevice.Address)
	if err != nil {
		return err
	}
	if matched == nil {
		return fmt.Errorf("%w: no network interface shares a network with %s", ErrNoPeers, aDevice)
	}
	log.Printf("VCDJ: found matching network interface %s, will use address %s", matched.iface.Name, matched.address.IP)
	for _, extra := range extras {
		log.Printf("VCDJ: network interface %s sees same network: we will likely get duplicate packets, causing severe problems", extra.Name)
	}

	if s.DeviceNumber() == 0 {
		if err := s.selfAssignDeviceNumber(); err != nil {
			return err
		}
	}

	// Patch our hardware and IP addresses into the announcement template.
	localIP := matched.address.IP.To4()
	s.announceMu.Lock()
	copy(s.announcement[protocol.AnnounceMACOffset:protocol.AnnounceMACOffset+6], matched.iface.HardwareAddr)
	copy(s.announcement[protocol.AnnounceIPOffset:protocol.AnnounceIPOffset+4], localIP)
	s.announceMu.Unlock()

	broadcast := broadcastAddress(matched.address)
	s.broadcastAddress.Store(&broadcast)
	s.matchedNetwork.Store(matched.address)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP, Port: protocol.UpdatePort})
	if err != nil {
		return fmt.Errorf("open update port %d on %s: %w", protocol.UpdatePort, localIP, err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	s.socket.Store(conn)
	s.localAddress.Store(&localIP)
	s.finder.AddIgnoredAddress(localIP)
	s.stopChan = make(chan struct{})
	s.running.Store(true)

	go s.receiveLoop(conn, localIP)
	go s.announceLoop(s.stopChan)

	s.lifecycleListeners.Dispatch(func(l pubsub.LifecycleListener) {
		if l.Started != nil {
			l.Started()
		}
	})
	return nil
}

// selfAssignDeviceNumber picks a device number nobody on the network is
// using. It waits until the device finder has watched the network long
// enough to have seen everyone announce.
func (s *VirtualCdj) selfAssignDeviceNumber() error {
	elapsed := metronome.Now() - s.finder.FirstDeviceTime()
	if elapsed < selfAssignmentWatchPeriod {
		time.Sleep(time.Duration(selfAssignmentWatchPeriod-elapsed) * time.Millisecond)
	}
	used := make(map[int]bool)
	for _, device := range s.finder.CurrentDevices() {
		used[device.Number] = true
	}
	chosen := chooseDeviceNumber(used, s.useStandardPlayerNumber.Load())
	if chosen == 0 {
		return ErrNoAvailableNumber
	}
	if s.useStandardPlayerNumber.Load() && chosen > 4 {
		log.Printf("VCDJ: unable to self-assign a standard player number, all are in use; using number %d", chosen)
	}
	s.setDeviceNumber(byte(chosen))
	log.Printf("VCDJ: self-assigned device number %d", chosen)
	return nil
}

// chooseDeviceNumber returns the smallest device number not present in used,
// starting from 1 when the standard player range is allowed and 5 otherwise.
// Returns 0 when every candidate through 15 is taken.
func chooseDeviceNumber(used map[int]bool, useStandardPlayerNumber bool) int {
	start := 5
	if useStandardPlayerNumber {
		start = 1
	}
	for number := start; number < 16; number++ {
		if !used[number] {
			return number
		}
	}
	return 0
}

// Stop ceases announcing and listening, releasing the socket and all tasks.
// The device number resets to zero so a later start self-assigns afresh.
// Idempotent.
func (s *VirtualCdj) Stop() {
	s.stateMu.Lock()
	if !s.running.Load() {
		s.stateMu.Unlock()
		return
	}
	if err := s.setSendingStatusLocked(false); err != nil {
		log.Printf("VCDJ: problem stopping status sender during shutdown: %v", err)
	}
	s.running.Store(false)
	close(s.stopChan)
	s.finder.RemoveLifecycleListener(s.finderLifecycleToken)
	if local := s.localAddress.Swap(nil); local != nil {
		s.finder.RemoveIgnoredAddress(*local)
	}
	if conn := s.socket.Swap(nil); conn != nil {
		conn.Close()
	}
	s.broadcastAddress.Store(nil)
	s.matchedNetwork.Store(nil)
	s.updatesMu.Lock()
	s.updates = make(map[string]protocol.DeviceUpdate)
	s.updatesMu.Unlock()
	s.setDeviceNumber(0)
	s.stateMu.Unlock()

	s.setTempoMaster(nil)
	s.lifecycleListeners.Dispatch(func(l pubsub.LifecycleListener) {
		if l.Stopped != nil {
			l.Stopped()
		}
	})
}

// announceLoop broadcasts our announcement packet until stopped. A send
// failure shuts the virtual player down, since we have lost our network.
func (s *VirtualCdj) announceLoop(stop chan struct{}) {
	for {
		if err := s.sendAnnouncement(); err != nil {
			if s.running.Load() {
				log.Printf("VCDJ: unable to send announcement packet, shutting down: %v", err)
				s.Stop()
			}
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(time.Duration(s.announceInterval.Load()) * time.Millisecond):
		}
	}
}

func (s *VirtualCdj) sendAnnouncement() error {
	conn := s.socket.Load()
	broadcast := s.broadcastAddress.Load()
	if conn == nil || broadcast == nil {
		return ErrNotRunning
	}
	s.announceMu.Lock()
	packet := make([]byte, len(s.announcement))
	copy(packet, s.announcement[:])
	s.announceMu.Unlock()
	_, err := conn.WriteToUDP(packet, &net.UDPAddr{IP: *broadcast, Port: protocol.AnnouncementPort})
	return err
}

// receiveLoop blocks reading update port packets until the socket closes.
// All election state mutations happen here, keeping the state machine
// single-writer.
func (s *VirtualCdj) receiveLoop(conn *net.UDPConn, local net.IP) {
	buffer := make([]byte, 1500)
	for s.running.Load() {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if s.running.Load() {
				log.Printf("VCDJ: problem reading from update socket, stopping: %v", err)
				s.Stop()
			}
			return
		}
		if addr.IP.Equal(local) {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("VCDJ: problem processing device update packet: %v", p)
				}
			}()
			s.handlePacket(buffer[:n], addr.IP)
		}()
	}
}

// handlePacket dispatches one update port datagram by kind.
func (s *VirtualCdj) handlePacket(data []byte, source net.IP) {
	kind, err := protocol.ValidateHeader(data, protocol.UpdatePort)
	if err != nil {
		// Foreign traffic lands on this port all the time; drop it quietly.
		return
	}

	switch kind {
	case protocol.KindCdjStatus:
		status, err := protocol.DecodeCdjStatus(data, source)
		if err != nil {
			log.Printf("VCDJ: ignoring CDJ status from %s: %v", source, err)
			return
		}
		s.processUpdate(status)

	case protocol.KindMixerStatus:
		status, err := protocol.DecodeMixerStatus(data, source)
		if err != nil {
			log.Printf("VCDJ: ignoring mixer status from %s: %v", source, err)
			return
		}
		s.processUpdate(status)

	case protocol.KindMediaResponse:
		details, err := protocol.DecodeMediaDetails(data, source)
		if err != nil {
			log.Printf("VCDJ: ignoring media response from %s: %v", source, err)
			return
		}
		s.mediaDetailsListeners.Dispatch(func(l MediaDetailsListener) { l(details) })

	case protocol.KindMasterHandoffResponse:
		response, err := protocol.DecodeMasterHandoffResponse(data, source)
		if err != nil {
			log.Printf("VCDJ: ignoring handoff response from %s: %v", source, err)
			return
		}
		s.yieldResponse(response.DeviceNumber, response.Yielded)

	case protocol.KindLoadTrackAck:
		log.Printf("VCDJ: received track load acknowledgment from player %d", data[0x21])

	case protocol.KindMediaQuery:
		log.Printf("VCDJ: received a media query packet, we do not support responding to this")

	case protocol.KindLoadTrack:
		log.Printf("VCDJ: received a load track command, we have no media to load")

	default:
		log.Printf("VCDJ: ignoring %s packet sent to update port", kind)
	}
}

// LatestStatus returns the most recent status seen from every device recent
// enough to still be considered active.
func (s *VirtualCdj) LatestStatus() ([]protocol.DeviceUpdate, error) {
	if !s.running.Load() {
		return nil, ErrNotRunning
	}
	now := time.Now()
	s.updatesMu.Lock()
	defer s.updatesMu.Unlock()
	result := make([]protocol.DeviceUpdate, 0, len(s.updates))
	for _, update := range s.updates {
		if now.Sub(update.Timestamp()) <= devices.MaximumAge {
			result = append(result, update)
		}
	}
	return result, nil
}

// LatestStatusFor returns the most recent status from the device with the
// given number, or nil if none has been received.
func (s *VirtualCdj) LatestStatusFor(deviceNumber int) protocol.DeviceUpdate {
	s.updatesMu.Lock()
	defer s.updatesMu.Unlock()
	for _, update := range s.updates {
		if update.DeviceNumber() == deviceNumber {
			return update
		}
	}
	return nil
}

// FindUnreachablePlayers reports devices announcing themselves from networks
// other than the one we matched at startup; we cannot exchange packets with
// them, so they should be moved onto a single network.
func (s *VirtualCdj) FindUnreachablePlayers() ([]*protocol.DeviceAnnouncement, error) {
	network := s.matchedNetwork.Load()
	if !s.running.Load() || network == nil {
		return nil, ErrNotRunning
	}
	var unreachable []*protocol.DeviceAnnouncement
	for _, candidate := range s.finder.CurrentDevices() {
		if !network.Contains(candidate.Address) {
			unreachable = append(unreachable, candidate)
		}
	}
	return unreachable, nil
}

func (s *VirtualCdj) String() string {
	return fmt.Sprintf("VirtualCdj[number:%d, name:%s, running:%v, sendingStatus:%v, master:%v, tempo:%.1f]",
		s.DeviceNumber(), s.DeviceName(), s.IsRunning(), s.sending.Load(), s.master.Load(), s.Tempo())
}
