// Package metronome keeps musical time for the virtual player: a tempo, a
// start instant on a monotonic millisecond timeline, and the number of beats
// in a bar. Everything else (the current beat, the phase within it, the time
// of an upcoming beat) is derived from those three values, so the state fits
// in a handful of atomics and can be read lock-free from the beat and status
// senders while the application adjusts it.
package metronome

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// epoch anchors the monotonic millisecond timeline all metronome times are
// expressed on.
var epoch = time.Now()

// Now returns the current instant on the metronome timeline, in milliseconds.
func Now() int64 {
	return time.Since(epoch).Milliseconds()
}

// DefaultTempo is the tempo a fresh metronome ticks at, in beats per minute.
const DefaultTempo = 120.0

// Metronome tracks beats against a monotonic clock. The zero value is not
// usable; create one with New.
type Metronome struct {
	startTime   atomic.Int64  // timeline ms of beat one
	tempo       atomic.Uint64 // float64 bits, beats per minute
	beatsPerBar atomic.Int32
}

// New creates a metronome ticking at DefaultTempo with four beats to the bar,
// with beat one at the current instant.
func New() *Metronome {
	m := &Metronome{}
	m.startTime.Store(Now())
	m.tempo.Store(math.Float64bits(DefaultTempo))
	m.beatsPerBar.Store(4)
	return m
}

// BeatsToMilliseconds converts a beat count at the given tempo to elapsed
// milliseconds.
func BeatsToMilliseconds(beats int, tempo float64) float64 {
	return 60000.0 / tempo * float64(beats)
}

// Tempo returns the current tempo in beats per minute.
func (m *Metronome) Tempo() float64 {
	return math.Float64frombits(m.tempo.Load())
}

// SetTempo changes the tempo, relocating the start time so the current beat
// and phase carry over smoothly at the new rate.
func (m *Metronome) SetTempo(tempo float64) {
	if tempo <= 0 {
		panic("tempo must be positive")
	}
	s := m.Snapshot()
	interval := 60000.0 / tempo
	newStart := s.Instant - int64(math.Ceil((float64(s.Beat-1)+s.BeatPhase)*interval))
	m.startTime.Store(newStart)
	m.tempo.Store(math.Float64bits(tempo))
}

// BeatsPerBar returns the number of beats in a bar.
func (m *Metronome) BeatsPerBar() int {
	return int(m.beatsPerBar.Load())
}

// SetBeatsPerBar changes the bar length.
func (m *Metronome) SetBeatsPerBar(beats int) error {
	if beats < 1 {
		return fmt.Errorf("beats per bar must be at least 1, got %d", beats)
	}
	m.beatsPerBar.Store(int32(beats))
	return nil
}

// StartTime returns the timeline instant of beat one.
func (m *Metronome) StartTime() int64 {
	return m.startTime.Load()
}

// BeatInterval returns the length of one beat in milliseconds.
func (m *Metronome) BeatInterval() float64 {
	return 60000.0 / m.Tempo()
}

// BarInterval returns the length of one bar in milliseconds.
func (m *Metronome) BarInterval() float64 {
	return m.BeatInterval() * float64(m.BeatsPerBar())
}

// AdjustStart shifts the start time by the given number of milliseconds.
// Positive values move the timeline later (the playback position jumps back).
func (m *Metronome) AdjustStart(ms int64) {
	m.startTime.Add(ms)
}

// Beat returns the beat number being played at the current instant. Beats
// start at one; a start time in the future yields values below one, which the
// participant corrects by adding whole bars.
func (m *Metronome) Beat() int {
	return m.Snapshot().Beat
}

// JumpToBeat relocates the start time so the given beat is starting now.
func (m *Metronome) JumpToBeat(beat int) {
	m.startTime.Store(Now() - int64(math.Ceil(float64(beat-1)*m.BeatInterval())))
}

// TimeOfBeat returns the timeline instant at which the given beat falls: the
// first whole millisecond within it.
func (m *Metronome) TimeOfBeat(beat int) int64 {
	return m.startTime.Load() + int64(math.Ceil(float64(beat-1)*m.BeatInterval()))
}

// BeatPhase returns how far into the current beat we are, from 0.0 (the beat
// is just starting) up to (but not including) 1.0.
func (m *Metronome) BeatPhase() float64 {
	return m.Snapshot().BeatPhase
}

// SetBeatPhase shifts the start time so we are the given fraction of the way
// through the current beat. Snapping to a master beat uses phase zero.
func (m *Metronome) SetBeatPhase(phase float64) {
	delta := int64(math.Round((phase - m.BeatPhase()) * m.BeatInterval()))
	m.startTime.Add(-delta)
}

// Snapshot captures the metronome state at the current instant.
func (m *Metronome) Snapshot() Snapshot {
	return m.SnapshotAt(Now())
}

// SnapshotAt captures the metronome state as it was (or will be) at the given
// timeline instant.
func (m *Metronome) SnapshotAt(instant int64) Snapshot {
	s := Snapshot{
		StartTime:   m.startTime.Load(),
		Tempo:       m.Tempo(),
		BeatsPerBar: m.BeatsPerBar(),
		Instant:     instant,
	}
	interval := 60000.0 / s.Tempo
	elapsed := float64(instant - s.StartTime)
	fractional := elapsed / interval
	whole := math.Floor(fractional)
	s.Beat = int(whole) + 1
	s.BeatPhase = fractional - whole
	return s
}

func (m *Metronome) String() string {
	return fmt.Sprintf("Metronome[tempo:%.1f, beatsPerBar:%d, beat:%d]",
		m.Tempo(), m.BeatsPerBar(), m.Beat())
}
