// Package grid holds the per-track timing structures collaborators attach to
// tracks: the beat grid mapping beat numbers to times within the track, and
// the cue list of memory points and hot cues.
package grid

import (
	"fmt"
	"sort"
)

// BeatGrid records, for every beat in a track, the number of milliseconds
// after the start of the track at which it occurs and where it falls within a
// bar. Immutable once built.
type BeatGrid struct {
	beatWithinBar   []int
	timeWithinTrack []int64
}

// NewBeatGrid builds a beat grid from parallel arrays of bar positions (1-4)
// and times within the track (milliseconds, ascending).
func NewBeatGrid(beatWithinBar []int, timeWithinTrack []int64) (*BeatGrid, error) {
	if len(beatWithinBar) != len(timeWithinTrack) {
		return nil, fmt.Errorf("beat grid arrays must be the same length: %d bar positions, %d times",
			len(beatWithinBar), len(timeWithinTrack))
	}
	g := &BeatGrid{
		beatWithinBar:   make([]int, len(beatWithinBar)),
		timeWithinTrack: make([]int64, len(timeWithinTrack)),
	}
	copy(g.beatWithinBar, beatWithinBar)
	copy(g.timeWithinTrack, timeWithinTrack)
	return g, nil
}

// BeatCount returns how many beats the grid describes.
func (g *BeatGrid) BeatCount() int {
	return len(g.timeWithinTrack)
}

// lastInterval returns the spacing of the final two beats, used to keep
// answering questions about positions past the end of the grid: players
// report beats beyond it while looping the end of a track. A one-beat grid
// has no interval to extrapolate from, so fall back to a 120 bpm beat.
func (g *BeatGrid) lastInterval() int64 {
	n := len(g.timeWithinTrack)
	if n < 2 {
		return 500
	}
	return g.timeWithinTrack[n-1] - g.timeWithinTrack[n-2]
}

// TimeWithinTrack returns the number of milliseconds into the track at which
// the given beat occurs. Beat 0 means before the first beat, so returns 0.
// Beats past the end of the grid are extrapolated from the final interval.
func (g *BeatGrid) TimeWithinTrack(beatNumber int) (int64, error) {
	if beatNumber == 0 {
		return 0, nil
	}
	if beatNumber < 0 {
		return 0, fmt.Errorf("beat number %d must not be negative", beatNumber)
	}
	n := len(g.timeWithinTrack)
	if n == 0 {
		return 0, fmt.Errorf("beat grid is empty")
	}
	if beatNumber <= n {
		return g.timeWithinTrack[beatNumber-1], nil
	}
	return g.timeWithinTrack[n-1] + int64(beatNumber-n)*g.lastInterval(), nil
}

// BeatWithinBar returns the musical count of the given beat, 1 through 4,
// where 1 is the downbeat. Beats past the end of the grid continue the cycle
// from the last recorded beat.
func (g *BeatGrid) BeatWithinBar(beatNumber int) (int, error) {
	n := len(g.beatWithinBar)
	if n == 0 {
		return 0, fmt.Errorf("beat grid is empty")
	}
	if beatNumber < 1 {
		return 0, fmt.Errorf("beat number %d must be at least 1", beatNumber)
	}
	if beatNumber <= n {
		return g.beatWithinBar[beatNumber-1], nil
	}
	return (g.beatWithinBar[n-1]+beatNumber-n-1)%4 + 1, nil
}

// FindBeatAtTime returns the 1-based number of the beat in which the given
// track position falls, or -1 if the position is before the first beat.
// Positions past the last beat extrapolate using the final beat interval
// rather than failing, since players report such positions while looping.
func (g *BeatGrid) FindBeatAtTime(milliseconds int64) int {
	n := len(g.timeWithinTrack)
	if n == 0 {
		return -1
	}
	// Index of the first beat strictly after the position.
	after := sort.Search(n, func(i int) bool {
		return g.timeWithinTrack[i] > milliseconds
	})
	if after == 0 {
		return -1
	}
	if after < n || milliseconds < g.timeWithinTrack[n-1]+g.lastInterval() {
		return after
	}
	return n + int((milliseconds-g.timeWithinTrack[n-1])/g.lastInterval())
}

func (g *BeatGrid) String() string {
	return fmt.Sprintf("BeatGrid[beats:%d]", g.BeatCount())
}
