package metronome

import (
	"fmt"
	"math"
)

// Snapshot is an immutable capture of the metronome at one instant. All the
// timing questions the beat and status senders ask are answered from a
// snapshot, so a packet's fields are always mutually consistent even while
// the metronome keeps moving.
type Snapshot struct {
	StartTime   int64
	Tempo       float64
	BeatsPerBar int
	Instant     int64

	// Beat is the beat number being played at Instant, starting from one.
	Beat int
	// BeatPhase is how far into that beat we are, 0.0 up to (not including) 1.0.
	BeatPhase float64
}

// BeatInterval returns the length of one beat in milliseconds.
func (s Snapshot) BeatInterval() float64 {
	return 60000.0 / s.Tempo
}

// BarInterval returns the length of one bar in milliseconds.
func (s Snapshot) BarInterval() float64 {
	return s.BeatInterval() * float64(s.BeatsPerBar)
}

// BeatWithinBar returns where the current beat falls in a bar, from 1 (the
// downbeat) through BeatsPerBar.
func (s Snapshot) BeatWithinBar() int {
	bar := s.BeatsPerBar
	return ((s.Beat-1)%bar+bar)%bar + 1
}

// TimeOfBeat returns the timeline instant at which the given beat falls: the
// first whole millisecond within it.
func (s Snapshot) TimeOfBeat(beat int) int64 {
	return s.StartTime + int64(math.Ceil(float64(beat-1)*s.BeatInterval()))
}

// TimeUntilNextBeat returns the number of milliseconds remaining before the
// next beat starts.
func (s Snapshot) TimeUntilNextBeat() float64 {
	return (1.0 - s.BeatPhase) * s.BeatInterval()
}

// TimeUntilNextBar returns the number of milliseconds remaining before the
// next downbeat.
func (s Snapshot) TimeUntilNextBar() float64 {
	beatsLeft := float64(s.BeatsPerBar-s.BeatWithinBar()) + (1.0 - s.BeatPhase)
	return beatsLeft * s.BeatInterval()
}

// DistanceFromBeat returns how many milliseconds we are from the nearest
// beat: positive if the beat has just passed, negative if one is coming up.
func (s Snapshot) DistanceFromBeat() float64 {
	if s.BeatPhase <= 0.5 {
		return s.BeatPhase * s.BeatInterval()
	}
	return (s.BeatPhase - 1.0) * s.BeatInterval()
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Snapshot[beat:%d, beatWithinBar:%d, tempo:%.1f, phase:%.3f]",
		s.Beat, s.BeatWithinBar(), s.Tempo, s.BeatPhase)
}
