package beats

import (
	"net"
	"testing"

	"github.com/petervdpas/djlink/internal/protocol"
)

func makePacket(kind protocol.Kind, length int) []byte {
	data := make([]byte, length)
	copy(data, protocol.Magic)
	data[0x0a] = kind.Byte()
	copy(data[0x0b:], protocol.EncodeName("CDJ-2000"))
	return data
}

func TestDispatchBeat(t *testing.T) {
	f := NewFinder()
	var received []*protocol.Beat
	f.AddBeatListener(func(beat *protocol.Beat) { received = append(received, beat) })

	data := makePacket(protocol.KindBeat, 0x60)
	data[0x21] = 3
	protocol.NumberToBytes(0x100000, data, 0x55, 3)
	protocol.NumberToBytes(12800, data, 0x5a, 2)
	data[0x5c] = 1
	f.handlePacket(data, net.ParseIP("192.168.1.3").To4())

	if len(received) != 1 {
		t.Fatalf("expected one beat, got %d", len(received))
	}
	if received[0].DeviceNumber() != 3 || received[0].EffectiveTempo() != 128.0 {
		t.Fatalf("unexpected beat: %v", received[0])
	}
}

func TestDispatchSyncCommands(t *testing.T) {
	f := NewFinder()
	var syncModes []bool
	becomeMaster := 0
	f.AddSyncListener(SyncListener{
		SetSyncMode:  func(synced bool) { syncModes = append(syncModes, synced) },
		BecomeMaster: func() { becomeMaster++ },
	})

	for _, command := range []byte{protocol.SyncModeOn, protocol.SyncModeOff, protocol.BecomeMaster} {
		data := makePacket(protocol.KindSyncControl, 0x1f+13)
		data[0x2b] = command
		f.handlePacket(data, net.ParseIP("192.168.1.33").To4())
	}

	if len(syncModes) != 2 || !syncModes[0] || syncModes[1] {
		t.Fatalf("unexpected sync mode sequence: %v", syncModes)
	}
	if becomeMaster != 1 {
		t.Fatalf("expected one become-master command, got %d", becomeMaster)
	}
}

func TestDispatchFaderStartAndOnAir(t *testing.T) {
	f := NewFinder()
	var start, stop, audible map[int]bool
	f.AddFaderStartListener(func(s, p map[int]bool) { start, stop = s, p })
	f.AddOnAirListener(func(a map[int]bool) { audible = a })

	fader := makePacket(protocol.KindFaderStart, 0x1f+9)
	fader[0x24] = 0 // channel 1 starts
	fader[0x25] = 1 // channel 2 stops
	fader[0x26] = 2
	fader[0x27] = 2
	f.handlePacket(fader, net.ParseIP("192.168.1.33").To4())

	onAir := makePacket(protocol.KindChannelsOnAir, 0x1f+14)
	onAir[0x24] = 1
	onAir[0x27] = 1
	f.handlePacket(onAir, net.ParseIP("192.168.1.33").To4())

	if !start[1] || !stop[2] || start[3] || stop[4] {
		t.Fatalf("unexpected fader sets: start %v stop %v", start, stop)
	}
	if !audible[1] || audible[2] || audible[3] || !audible[4] {
		t.Fatalf("unexpected on-air set: %v", audible)
	}
}

func TestDispatchMasterHandoff(t *testing.T) {
	f := NewFinder()
	yieldTo := 0
	responses := map[int]bool{}
	f.AddMasterHandoffListener(MasterHandoffListener{
		YieldMasterTo: func(device int) { yieldTo = device },
		YieldResponse: func(device int, yielded bool) { responses[device] = yielded },
	})

	request := makePacket(protocol.KindMasterHandoffRequest, 0x1f+9)
	request[0x21] = 4
	f.handlePacket(request, net.ParseIP("192.168.1.4").To4())

	response := makePacket(protocol.KindMasterHandoffResponse, 0x1f+13)
	response[0x21] = 3
	response[0x2b] = 1
	f.handlePacket(response, net.ParseIP("192.168.1.3").To4())

	if yieldTo != 4 {
		t.Fatalf("expected yield request from device 4, got %d", yieldTo)
	}
	if yielded, ok := responses[3]; !ok || !yielded {
		t.Fatalf("expected yielding response from device 3, got %v", responses)
	}
}

func TestForeignTrafficIgnored(t *testing.T) {
	f := NewFinder()
	calls := 0
	f.AddBeatListener(func(*protocol.Beat) { calls++ })

	f.handlePacket([]byte{0x01, 0x02}, net.ParseIP("192.168.1.3"))
	// A status packet does not belong on the beat port.
	f.handlePacket(makePacket(protocol.KindCdjStatus, 0xd0), net.ParseIP("192.168.1.3"))

	if calls != 0 {
		t.Fatalf("expected no dispatches, got %d", calls)
	}
}
