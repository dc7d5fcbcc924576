package devices

import (
	"net"
	"testing"
	"time"

	"github.com/petervdpas/djlink/internal/protocol"
)

func announcement(number int, address string, seen time.Time) *protocol.DeviceAnnouncement {
	return &protocol.DeviceAnnouncement{
		Name:    "CDJ-2000",
		Number:  number,
		Address: net.ParseIP(address).To4(),
		MAC:     net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, byte(number)},
		Seen:    seen,
	}
}

func TestProcessAnnouncement(t *testing.T) {
	f := NewFinder()
	now := time.Now()

	var found, lost []int
	f.AddAnnouncementListener(AnnouncementListener{
		Found: func(d *protocol.DeviceAnnouncement) { found = append(found, d.Number) },
		Lost:  func(d *protocol.DeviceAnnouncement) { lost = append(lost, d.Number) },
	})

	f.processAnnouncement(announcement(2, "192.168.1.2", now))
	f.processAnnouncement(announcement(3, "192.168.1.3", now))

	if len(f.CurrentDevices()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(f.CurrentDevices()))
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 found reports, got %d", len(found))
	}
	if f.FirstDeviceTime() == 0 {
		t.Fatal("expected first device time to be recorded")
	}

	t.Run("refresh does not re-report", func(t *testing.T) {
		f.processAnnouncement(announcement(2, "192.168.1.2", now.Add(time.Second)))
		if len(found) != 2 {
			t.Fatalf("expected refresh to stay silent, got %d reports", len(found))
		}
	})

	t.Run("lookup by number", func(t *testing.T) {
		device := f.LatestAnnouncementFrom(3)
		if device == nil || device.Number != 3 {
			t.Fatalf("expected device 3, got %v", device)
		}
		if f.LatestAnnouncementFrom(9) != nil {
			t.Fatal("expected no device 9")
		}
	})

	t.Run("expiry removes silent devices", func(t *testing.T) {
		f.expireDevices(now.Add(MaximumAge + time.Millisecond))
		if remaining := f.CurrentDevices(); len(remaining) != 1 || remaining[0].Number != 2 {
			t.Fatalf("expected only device 2 to survive, got %v", remaining)
		}
		if len(lost) != 1 || lost[0] != 3 {
			t.Fatalf("expected device 3 reported lost, got %v", lost)
		}
	})

	t.Run("losing the last device resets first device time", func(t *testing.T) {
		f.expireDevices(now.Add(time.Hour))
		if len(f.CurrentDevices()) != 0 {
			t.Fatal("expected all devices expired")
		}
		if f.FirstDeviceTime() != 0 {
			t.Fatalf("expected first device time reset, got %d", f.FirstDeviceTime())
		}
	})
}

func TestIgnoredAddresses(t *testing.T) {
	f := NewFinder()
	ours := net.ParseIP("192.168.1.9").To4()
	f.AddIgnoredAddress(ours)

	f.processAnnouncement(announcement(5, "192.168.1.9", time.Now()))
	if len(f.CurrentDevices()) != 0 {
		t.Fatal("expected our own announcement to be filtered")
	}
	if f.FirstDeviceTime() != 0 {
		t.Fatal("expected ignored announcement not to start the watch period")
	}

	f.RemoveIgnoredAddress(ours)
	f.processAnnouncement(announcement(5, "192.168.1.9", time.Now()))
	if len(f.CurrentDevices()) != 1 {
		t.Fatal("expected announcement tracked after deregistration")
	}
}

func TestHandlePacketFiltersForeignTraffic(t *testing.T) {
	f := NewFinder()
	f.handlePacket([]byte{0x00, 0x01, 0x02}, net.ParseIP("192.168.1.2"))
	if len(f.CurrentDevices()) != 0 {
		t.Fatal("expected garbage to be ignored")
	}
}
