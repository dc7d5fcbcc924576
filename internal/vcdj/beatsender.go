package vcdj

import (
	"time"

	"github.com/petervdpas/djlink/internal/metronome"
)

// Beat timing thresholds, in milliseconds.
const (
	// sleepThreshold is how close to an upcoming beat we stop sleeping and
	// spin on the clock instead, so the packet lands at beat time.
	sleepThreshold = 1.0
	// beatThreshold is how long after a beat the status sender must keep
	// waiting, so the beat packet always announces a new beat first.
	beatThreshold = 2.0
)

// beatSender is the phase-locked task that emits one beat packet at the
// start of each beat while we are sending status and playing. It sleeps
// until just before the beat, spins through the last moment, sends, and
// recomputes; any change to the metronome timeline wakes it early so it
// never fires against a stale schedule.
type beatSender struct {
	metronome *metronome.Metronome
	send      func(metronome.Snapshot) int
	wake      chan struct{}
	stop      chan struct{}
}

func newBeatSender(m *metronome.Metronome, send func(metronome.Snapshot) int) *beatSender {
	b := &beatSender{
		metronome: m,
		send:      send,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	go b.run()
	return b
}

// timelineChanged wakes the sender so it recomputes its deadline. Safe to
// call from any goroutine; redundant wakeups collapse.
func (b *beatSender) timelineChanged() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// shutDown stops the sender task.
func (b *beatSender) shutDown() {
	close(b.stop)
}

func (b *beatSender) run() {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		snapshot := b.metronome.Snapshot()
		due := snapshot.TimeOfBeat(snapshot.Beat + 1)
		wait := due - metronome.Now() - int64(sleepThreshold)

		if wait > 0 {
			timer.Reset(time.Duration(wait) * time.Millisecond)
			select {
			case <-b.stop:
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-b.wake:
				// The timeline changed; recompute from a fresh snapshot.
				if !timer.Stop() {
					<-timer.C
				}
			case <-timer.C:
			}
			continue
		}

		// Spin through the last moment so the packet lands on the beat.
		for metronome.Now() < due {
			select {
			case <-b.stop:
				return
			default:
			}
			time.Sleep(100 * time.Microsecond)
		}
		b.send(b.metronome.SnapshotAt(due))
	}
}
