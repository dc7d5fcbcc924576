package metronome

import (
	"math"
	"testing"
)

func TestSnapshotAt(t *testing.T) {
	m := New()
	m.startTime.Store(1000)
	m.tempo.Store(math.Float64bits(120.0)) // 500 ms beats

	t.Run("beat one at start", func(t *testing.T) {
		s := m.SnapshotAt(1000)
		if s.Beat != 1 || s.BeatPhase != 0.0 {
			t.Fatalf("expected beat 1 phase 0, got beat %d phase %f", s.Beat, s.BeatPhase)
		}
	})

	t.Run("halfway through beat one", func(t *testing.T) {
		s := m.SnapshotAt(1250)
		if s.Beat != 1 {
			t.Fatalf("expected beat 1, got %d", s.Beat)
		}
		if math.Abs(s.BeatPhase-0.5) > 0.001 {
			t.Fatalf("expected phase 0.5, got %f", s.BeatPhase)
		}
	})

	t.Run("second beat", func(t *testing.T) {
		s := m.SnapshotAt(1500)
		if s.Beat != 2 {
			t.Fatalf("expected beat 2, got %d", s.Beat)
		}
	})

	t.Run("beat within bar cycles", func(t *testing.T) {
		for beat, want := range map[int]int{1: 1, 2: 2, 4: 4, 5: 1, 8: 4, 9: 1} {
			s := m.SnapshotAt(1000 + int64(beat-1)*500)
			if got := s.BeatWithinBar(); got != want {
				t.Fatalf("beat %d: expected bar position %d, got %d", beat, want, got)
			}
		}
	})

	t.Run("before the start yields beats below one", func(t *testing.T) {
		s := m.SnapshotAt(400)
		if s.Beat >= 1 {
			t.Fatalf("expected beat below 1, got %d", s.Beat)
		}
		if s.BeatPhase < 0 || s.BeatPhase >= 1 {
			t.Fatalf("phase must stay in [0,1), got %f", s.BeatPhase)
		}
	})
}

func TestSnapshotTiming(t *testing.T) {
	m := New()
	m.startTime.Store(0)
	m.tempo.Store(math.Float64bits(120.0))

	t.Run("time of beat", func(t *testing.T) {
		s := m.SnapshotAt(0)
		if got := s.TimeOfBeat(5); got != 2000 {
			t.Fatalf("expected beat 5 at 2000ms, got %d", got)
		}
	})

	t.Run("distance just after a beat is positive", func(t *testing.T) {
		s := m.SnapshotAt(510)
		if d := s.DistanceFromBeat(); math.Abs(d-10) > 0.001 {
			t.Fatalf("expected distance 10, got %f", d)
		}
	})

	t.Run("distance just before a beat is negative", func(t *testing.T) {
		s := m.SnapshotAt(493)
		if d := s.DistanceFromBeat(); math.Abs(d+7) > 0.001 {
			t.Fatalf("expected distance -7, got %f", d)
		}
	})

	t.Run("time until next beat and bar", func(t *testing.T) {
		s := m.SnapshotAt(100)
		if got := s.TimeUntilNextBeat(); math.Abs(got-400) > 0.001 {
			t.Fatalf("expected 400ms to next beat, got %f", got)
		}
		if got := s.TimeUntilNextBar(); math.Abs(got-1900) > 0.001 {
			t.Fatalf("expected 1900ms to next bar, got %f", got)
		}
	})

	t.Run("intervals", func(t *testing.T) {
		s := m.SnapshotAt(0)
		if s.BeatInterval() != 500 || s.BarInterval() != 2000 {
			t.Fatalf("unexpected intervals: beat %f, bar %f", s.BeatInterval(), s.BarInterval())
		}
	})
}

func TestSetTempoPreservesPosition(t *testing.T) {
	m := New()
	m.JumpToBeat(9)
	before := m.Snapshot()
	m.SetTempo(90.0)
	after := m.Snapshot()
	if after.Beat != before.Beat {
		t.Fatalf("tempo change moved the beat from %d to %d", before.Beat, after.Beat)
	}
	if math.Abs(after.BeatPhase-before.BeatPhase) > 0.01 {
		t.Fatalf("tempo change moved the phase from %f to %f", before.BeatPhase, after.BeatPhase)
	}
	if m.Tempo() != 90.0 {
		t.Fatalf("expected tempo 90, got %f", m.Tempo())
	}
}

func TestJumpToBeat(t *testing.T) {
	m := New()
	m.JumpToBeat(42)
	if got := m.Beat(); got != 42 {
		t.Fatalf("expected beat 42, got %d", got)
	}
}

func TestSetBeatPhase(t *testing.T) {
	m := New()
	m.JumpToBeat(5)
	m.AdjustStart(-137) // push us partway into the beat
	m.SetBeatPhase(0.0)
	if phase := m.BeatPhase(); phase > 0.01 && phase < 0.99 {
		t.Fatalf("expected phase snapped to a beat boundary, got %f", phase)
	}
}

func TestAdjustStart(t *testing.T) {
	m := New()
	m.startTime.Store(1000)
	m.AdjustStart(250)
	if got := m.StartTime(); got != 1250 {
		t.Fatalf("expected start 1250, got %d", got)
	}
}

func TestBeatsToMilliseconds(t *testing.T) {
	if got := BeatsToMilliseconds(4, 120.0); got != 2000 {
		t.Fatalf("expected 2000ms, got %f", got)
	}
}

func TestSetBeatsPerBar(t *testing.T) {
	m := New()
	if err := m.SetBeatsPerBar(0); err == nil {
		t.Fatal("expected zero beats per bar to be rejected")
	}
	if err := m.SetBeatsPerBar(3); err != nil {
		t.Fatalf("expected 3 beats per bar accepted, got %v", err)
	}
	if m.BeatsPerBar() != 3 {
		t.Fatalf("expected 3 beats per bar, got %d", m.BeatsPerBar())
	}
}
