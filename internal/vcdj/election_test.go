package vcdj

import (
	"math"
	"net"
	"testing"

	"github.com/petervdpas/djlink/internal/beats"
	"github.com/petervdpas/djlink/internal/devices"
	"github.com/petervdpas/djlink/internal/protocol"
)

// newTestPlayer creates a virtual player wired to fresh finders but with no
// sockets open, so the election machinery can be driven directly.
func newTestPlayer(t *testing.T) *VirtualCdj {
	t.Helper()
	s := New(devices.NewFinder(), beats.NewFinder())
	s.setDeviceNumber(2)
	return s
}

// statusPacket builds a CDJ status packet the way a real player would send
// one, then decodes it so tests drive processUpdate with realistic input.
type statusPacket struct {
	device  int
	address string
	master  bool
	yieldTo int
	tempo   float64
	syncNum int
}

func makeStatus(t *testing.T, p statusPacket) *protocol.CdjStatus {
	t.Helper()
	data := make([]byte, 0xd0)
	copy(data, protocol.Magic)
	data[0x0a] = protocol.KindCdjStatus.Byte()
	copy(data[0x0b:], protocol.EncodeName("CDJ-2000"))
	data[0x21] = byte(p.device)
	tempo := p.tempo
	if tempo == 0 {
		tempo = 128.0
	}
	protocol.NumberToBytes(int64(p.syncNum), data, 0x84, 4)
	flags := byte(0x84)
	if p.master {
		flags |= protocol.FlagMaster
	}
	data[0x89] = flags
	protocol.NumberToBytes(0x100000, data, 0x8d, 3)
	protocol.NumberToBytes(int64(math.Round(tempo*100)), data, 0x92, 2)
	if p.master {
		data[0x9e] = 1
	}
	if p.yieldTo == 0 {
		data[0x9f] = protocol.NoHandoff
	} else {
		data[0x9f] = byte(p.yieldTo)
	}
	address := p.address
	if address == "" {
		address = "192.168.1.100"
	}
	status, err := protocol.DecodeCdjStatus(data, net.ParseIP(address).To4())
	if err != nil {
		t.Fatalf("build status packet: %v", err)
	}
	if status.TempoMaster() != p.master {
		t.Fatalf("status packet round trip lost the master flag")
	}
	return status
}

// masterEvents records the master listener traffic during a test.
type masterEvents struct {
	masterChanges []protocol.DeviceUpdate
	tempoChanges  []float64
	beats         []*protocol.Beat
}

func watchMaster(s *VirtualCdj) *masterEvents {
	events := &masterEvents{}
	s.AddMasterListener(MasterListener{
		MasterChanged: func(update protocol.DeviceUpdate) {
			events.masterChanges = append(events.masterChanges, update)
		},
		TempoChanged: func(tempo float64) {
			events.tempoChanges = append(events.tempoChanges, tempo)
		},
		NewBeat: func(beat *protocol.Beat) {
			events.beats = append(events.beats, beat)
		},
	})
	return events
}

func TestMasterAssertion(t *testing.T) {
	s := newTestPlayer(t)
	events := watchMaster(s)

	s.processUpdate(makeStatus(t, statusPacket{device: 5, address: "192.168.1.5", master: true, tempo: 128}))

	if master := s.TempoMaster(); master == nil || master.DeviceNumber() != 5 {
		t.Fatalf("expected device 5 as master, got %v", master)
	}
	if len(events.masterChanges) != 1 {
		t.Fatalf("expected one master change, got %d", len(events.masterChanges))
	}
	if s.MasterTempo() != 128.0 {
		t.Fatalf("expected master tempo 128, got %f", s.MasterTempo())
	}

	t.Run("repeat assertion stays silent", func(t *testing.T) {
		s.processUpdate(makeStatus(t, statusPacket{device: 5, address: "192.168.1.5", master: true, tempo: 128}))
		if len(events.masterChanges) != 1 {
			t.Fatalf("expected no extra master change, got %d", len(events.masterChanges))
		}
	})

	t.Run("resignation clears the master", func(t *testing.T) {
		s.processUpdate(makeStatus(t, statusPacket{device: 5, address: "192.168.1.5", master: false, tempo: 128}))
		if s.TempoMaster() != nil {
			t.Fatal("expected master cleared after resignation")
		}
		if len(events.masterChanges) != 2 || events.masterChanges[1] != nil {
			t.Fatalf("expected a nil master change, got %v", events.masterChanges)
		}
	})
}

func TestUnsolicitedMasterTakeover(t *testing.T) {
	// We are sending status as the master with no handoff in flight; a
	// status packet from device 5 asserting mastery takes the role from us.
	s := newTestPlayer(t)
	s.sending.Store(true)
	s.master.Store(true)
	events := watchMaster(s)

	s.processUpdate(makeStatus(t, statusPacket{device: 5, address: "192.168.1.5", master: true, tempo: 130}))

	if s.IsTempoMaster() {
		t.Fatal("expected to lose the master role")
	}
	if master := s.TempoMaster(); master == nil || !master.Source().Equal(net.ParseIP("192.168.1.5").To4()) {
		t.Fatalf("expected device 5's address as master, got %v", master)
	}
	if len(events.masterChanges) != 1 {
		t.Fatalf("expected exactly one master change, got %d", len(events.masterChanges))
	}
	if next := s.nextMaster.Load(); next != protocol.NoHandoff {
		t.Fatalf("expected next master cleared, got %d", next)
	}
}

func TestYieldCompletionBumpsSyncCounter(t *testing.T) {
	// We are the master handing off to device 3; its first normal master
	// assertion completes the handoff and our sync counter moves past the
	// largest seen on the network.
	s := newTestPlayer(t)
	s.sending.Store(true)
	s.master.Store(true)
	s.nextMaster.Store(3)
	s.largestSyncCounter.Store(7)

	s.processUpdate(makeStatus(t, statusPacket{device: 3, address: "192.168.1.3", master: true, syncNum: 4}))

	if s.IsTempoMaster() {
		t.Fatal("expected to relinquish the master role")
	}
	if got := s.syncCounter.Load(); got != 8 {
		t.Fatalf("expected sync counter 8, got %d", got)
	}
	if next := s.nextMaster.Load(); next != protocol.NoHandoff {
		t.Fatalf("expected next master cleared, got %d", next)
	}
}

func TestAssistedHandoffToUs(t *testing.T) {
	// Scenario: we asked device 3 to yield; it answers yes, then its next
	// status packet yields to our number, completing the transfer.
	s := newTestPlayer(t)
	s.sending.Store(true)
	if err := s.SetTempo(124.0); err != nil {
		t.Fatalf("set tempo: %v", err)
	}

	// Device 3 is the current master.
	s.processUpdate(makeStatus(t, statusPacket{device: 3, address: "192.168.1.3", master: true, tempo: 128}))
	events := watchMaster(s)

	s.requestingMasterFrom.Store(3)
	s.yieldResponse(3, true)
	if got := s.masterYieldedFrom.Load(); got != 3 {
		t.Fatalf("expected yield recorded from device 3, got %d", got)
	}
	if got := s.requestingMasterFrom.Load(); got != 0 {
		t.Fatalf("expected request cleared, got %d", got)
	}

	s.processUpdate(makeStatus(t, statusPacket{device: 3, address: "192.168.1.3", master: true, yieldTo: 2, tempo: 128}))

	if !s.IsTempoMaster() {
		t.Fatal("expected to hold the master role")
	}
	if got := s.masterYieldedFrom.Load(); got != 0 {
		t.Fatalf("expected yield bookkeeping cleared, got %d", got)
	}
	if s.TempoMaster() != nil {
		t.Fatal("expected no real device recorded as master")
	}
	if s.MasterTempo() != 124.0 {
		t.Fatalf("expected our tempo as master tempo, got %f", s.MasterTempo())
	}
	if len(events.masterChanges) != 1 || events.masterChanges[0] != nil {
		t.Fatalf("expected one nil master change, got %v", events.masterChanges)
	}
}

func TestYieldResponseGuards(t *testing.T) {
	s := newTestPlayer(t)

	t.Run("ignored when not sending status", func(t *testing.T) {
		s.yieldResponse(3, true)
		if s.masterYieldedFrom.Load() != 0 {
			t.Fatal("expected response ignored while not sending")
		}
	})

	t.Run("ignored from the wrong player", func(t *testing.T) {
		s.sending.Store(true)
		s.requestingMasterFrom.Store(3)
		s.yieldResponse(4, true)
		if s.masterYieldedFrom.Load() != 0 {
			t.Fatal("expected response from wrong player ignored")
		}
		if s.requestingMasterFrom.Load() != 3 {
			t.Fatal("expected request to remain outstanding")
		}
	})

	t.Run("non-yielding response ignored", func(t *testing.T) {
		s.yieldResponse(3, false)
		if s.masterYieldedFrom.Load() != 0 {
			t.Fatal("expected non-yielding response ignored")
		}
	})
}

func TestBecomeTempoMaster(t *testing.T) {
	t.Run("requires sending status", func(t *testing.T) {
		s := newTestPlayer(t)
		if err := s.BecomeTempoMaster(); err != ErrNotSendingStatus {
			t.Fatalf("expected ErrNotSendingStatus, got %v", err)
		}
	})

	t.Run("claims the role directly when nobody holds it", func(t *testing.T) {
		s := newTestPlayer(t)
		s.sending.Store(true)
		if err := s.SetTempo(99.0); err != nil {
			t.Fatalf("set tempo: %v", err)
		}
		events := watchMaster(s)

		if err := s.BecomeTempoMaster(); err != nil {
			t.Fatalf("expected direct claim to succeed, got %v", err)
		}
		if !s.IsTempoMaster() {
			t.Fatal("expected to hold the master role")
		}
		if s.MasterTempo() != 99.0 {
			t.Fatalf("expected master tempo 99, got %f", s.MasterTempo())
		}
		if len(events.masterChanges) != 1 {
			t.Fatalf("expected listeners to see the master change, got %d", len(events.masterChanges))
		}
	})
}

func TestTempoChangeGate(t *testing.T) {
	s := newTestPlayer(t)
	events := watchMaster(s)

	t.Run("no report without a master", func(t *testing.T) {
		s.setMasterTempo(120.0)
		if len(events.tempoChanges) != 0 {
			t.Fatalf("expected no tempo change without a master, got %v", events.tempoChanges)
		}
	})

	s.processUpdate(makeStatus(t, statusPacket{device: 4, address: "192.168.1.4", master: true, tempo: 128}))
	reported := len(events.tempoChanges)

	t.Run("change below epsilon stays silent", func(t *testing.T) {
		s.processUpdate(makeStatus(t, statusPacket{device: 4, address: "192.168.1.4", master: true, tempo: 128}))
		if len(events.tempoChanges) != reported {
			t.Fatalf("expected no tempo change, got %v", events.tempoChanges)
		}
	})

	t.Run("change above epsilon is reported", func(t *testing.T) {
		s.processUpdate(makeStatus(t, statusPacket{device: 4, address: "192.168.1.4", master: true, tempo: 130}))
		if len(events.tempoChanges) != reported+1 {
			t.Fatalf("expected one more tempo change, got %v", events.tempoChanges)
		}
		if last := events.tempoChanges[len(events.tempoChanges)-1]; last != 130.0 {
			t.Fatalf("expected 130, got %f", last)
		}
	})
}

func makeBeat(t *testing.T, device int, address string, tempo float64, barPosition int) *protocol.Beat {
	t.Helper()
	data := make([]byte, 0x60)
	copy(data, protocol.Magic)
	data[0x0a] = protocol.KindBeat.Byte()
	copy(data[0x0b:], protocol.EncodeName("CDJ-2000"))
	data[0x21] = byte(device)
	protocol.NumberToBytes(0x100000, data, 0x55, 3)
	protocol.NumberToBytes(int64(math.Round(tempo*100)), data, 0x5a, 2)
	data[0x5c] = byte(barPosition)
	beat, err := protocol.DecodeBeat(data, net.ParseIP(address).To4())
	if err != nil {
		t.Fatalf("build beat packet: %v", err)
	}
	return beat
}

func TestProcessBeat(t *testing.T) {
	s := newTestPlayer(t)
	s.running.Store(true)
	events := watchMaster(s)

	s.processUpdate(makeStatus(t, statusPacket{device: 3, address: "192.168.1.3", master: true, tempo: 128}))

	t.Run("beats from followers are not master beats", func(t *testing.T) {
		s.processBeat(makeBeat(t, 4, "192.168.1.4", 120, 1))
		if len(events.beats) != 0 {
			t.Fatalf("expected no master beat, got %d", len(events.beats))
		}
	})

	t.Run("master beats reach listeners", func(t *testing.T) {
		s.processBeat(makeBeat(t, 3, "192.168.1.3", 128, 2))
		if len(events.beats) != 1 {
			t.Fatalf("expected one master beat, got %d", len(events.beats))
		}
	})
}

func TestSyncFollowerSnapsToMasterBeat(t *testing.T) {
	s := newTestPlayer(t)
	s.running.Store(true)
	s.sending.Store(true)
	s.synced.Store(true)
	s.addSyncFollower()

	s.processUpdate(makeStatus(t, statusPacket{device: 3, address: "192.168.1.3", master: true, tempo: 128}))

	// Drift partway into a beat, then let a master beat arrive.
	s.metronome.AdjustStart(-137)
	s.processBeat(makeBeat(t, 3, "192.168.1.3", 128, 1))

	if phase := s.metronome.BeatPhase(); phase > 0.02 && phase < 0.98 {
		t.Fatalf("expected metronome snapped to the beat boundary, got phase %f", phase)
	}
	if got := s.metronome.Tempo(); got != 128.0 {
		t.Fatalf("expected metronome following master tempo 128, got %f", got)
	}
}

func TestElectionInterleavings(t *testing.T) {
	// However master assertions from two players interleave, the last
	// packet processed determines the recorded master, and we never retain
	// the role against a normal assertion.
	a := statusPacket{device: 4, address: "192.168.1.4", master: true, tempo: 126}
	b := statusPacket{device: 5, address: "192.168.1.5", master: true, tempo: 132}

	orders := [][]statusPacket{
		{a, b},
		{b, a},
		{a, b, a},
		{b, a, b, a},
	}
	for _, order := range orders {
		s := newTestPlayer(t)
		s.sending.Store(true)
		s.master.Store(true)
		for _, packet := range order {
			s.processUpdate(makeStatus(t, packet))
		}
		last := order[len(order)-1]
		if s.IsTempoMaster() {
			t.Fatal("expected to lose the master role under any interleaving")
		}
		if master := s.TempoMaster(); master == nil || master.DeviceNumber() != last.device {
			t.Fatalf("expected device %d as master, got %v", last.device, master)
		}
		if next := s.nextMaster.Load(); next != protocol.NoHandoff {
			t.Fatalf("expected next master cleared, got %d", next)
		}
		if s.MasterTempo() != last.tempo {
			t.Fatalf("expected master tempo %f, got %f", last.tempo, s.MasterTempo())
		}
	}
}
