package grid

import "testing"

// a steady 120 bpm grid: beats every 500 ms starting at 100 ms.
func steadyGrid(t *testing.T, beats int) *BeatGrid {
	t.Helper()
	bars := make([]int, beats)
	times := make([]int64, beats)
	for i := 0; i < beats; i++ {
		bars[i] = i%4 + 1
		times[i] = 100 + int64(i)*500
	}
	g, err := NewBeatGrid(bars, times)
	if err != nil {
		t.Fatalf("build grid: %v", err)
	}
	return g
}

func TestNewBeatGrid(t *testing.T) {
	if _, err := NewBeatGrid([]int{1, 2}, []int64{0}); err == nil {
		t.Fatal("expected mismatched arrays to be rejected")
	}
}

func TestFindBeatAtTime(t *testing.T) {
	g := steadyGrid(t, 8)

	t.Run("before the first beat", func(t *testing.T) {
		if got := g.FindBeatAtTime(50); got != -1 {
			t.Fatalf("expected -1, got %d", got)
		}
	})

	t.Run("exactly on a beat", func(t *testing.T) {
		if got := g.FindBeatAtTime(600); got != 2 {
			t.Fatalf("expected beat 2, got %d", got)
		}
	})

	t.Run("between beats", func(t *testing.T) {
		if got := g.FindBeatAtTime(899); got != 2 {
			t.Fatalf("expected beat 2, got %d", got)
		}
	})

	t.Run("on the last beat", func(t *testing.T) {
		if got := g.FindBeatAtTime(3600); got != 8 {
			t.Fatalf("expected beat 8, got %d", got)
		}
	})

	t.Run("past the end extrapolates for loops", func(t *testing.T) {
		if got := g.FindBeatAtTime(4100); got != 9 {
			t.Fatalf("expected beat 9, got %d", got)
		}
		if got := g.FindBeatAtTime(5700); got != 12 {
			t.Fatalf("expected beat 12, got %d", got)
		}
	})

	t.Run("empty grid", func(t *testing.T) {
		g, err := NewBeatGrid(nil, nil)
		if err != nil {
			t.Fatalf("build empty grid: %v", err)
		}
		if got := g.FindBeatAtTime(1000); got != -1 {
			t.Fatalf("expected -1 for empty grid, got %d", got)
		}
	})
}

func TestTimeWithinTrack(t *testing.T) {
	g := steadyGrid(t, 4)

	t.Run("beat zero means before the first beat", func(t *testing.T) {
		got, err := g.TimeWithinTrack(0)
		if err != nil || got != 0 {
			t.Fatalf("expected 0, got %d (%v)", got, err)
		}
	})

	t.Run("within the grid", func(t *testing.T) {
		got, err := g.TimeWithinTrack(3)
		if err != nil || got != 1100 {
			t.Fatalf("expected 1100, got %d (%v)", got, err)
		}
	})

	t.Run("past the end extrapolates", func(t *testing.T) {
		got, err := g.TimeWithinTrack(6)
		if err != nil || got != 2600 {
			t.Fatalf("expected 2600, got %d (%v)", got, err)
		}
	})

	t.Run("negative rejected", func(t *testing.T) {
		if _, err := g.TimeWithinTrack(-1); err == nil {
			t.Fatal("expected negative beat to be rejected")
		}
	})
}

func TestBeatWithinBar(t *testing.T) {
	g := steadyGrid(t, 6) // bar positions 1 2 3 4 1 2

	got, err := g.BeatWithinBar(5)
	if err != nil || got != 1 {
		t.Fatalf("expected position 1, got %d (%v)", got, err)
	}

	// Past the end the cycle continues from the last recorded beat (2).
	got, err = g.BeatWithinBar(7)
	if err != nil || got != 3 {
		t.Fatalf("expected position 3, got %d (%v)", got, err)
	}
	got, err = g.BeatWithinBar(9)
	if err != nil || got != 1 {
		t.Fatalf("expected position 1, got %d (%v)", got, err)
	}
}

func TestCueList(t *testing.T) {
	cues := NewCueList([]CueEntry{
		{CueTime: 4000, HotCueNumber: 2},
		{CueTime: 100},
		{CueTime: 2000, HotCueNumber: 1, IsLoop: true, LoopTime: 3000},
	})

	t.Run("entries are sorted by cue time", func(t *testing.T) {
		entries := cues.Entries()
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		for i := 1; i < len(entries); i++ {
			if entries[i].CueTime < entries[i-1].CueTime {
				t.Fatalf("entries out of order: %v", entries)
			}
		}
	})

	t.Run("hot cues filter", func(t *testing.T) {
		hot := cues.HotCues()
		if len(hot) != 2 {
			t.Fatalf("expected 2 hot cues, got %d", len(hot))
		}
		if hot[0].HotCueNumber != 1 || hot[1].HotCueNumber != 2 {
			t.Fatalf("hot cues out of order: %v", hot)
		}
	})

	t.Run("entry before a position", func(t *testing.T) {
		entry, ok := cues.EntryBefore(2500)
		if !ok || entry.CueTime != 2000 {
			t.Fatalf("expected the loop cue, got %v (%v)", entry, ok)
		}
		if _, ok := cues.EntryBefore(50); ok {
			t.Fatal("expected no entry before the first cue")
		}
	})
}
