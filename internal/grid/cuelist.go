package grid

import (
	"fmt"
	"sort"
)

// CueEntry describes one memory point, hot cue, or loop within a track.
type CueEntry struct {
	// CueTime is the position of the cue within the track, in milliseconds.
	CueTime int64
	// LoopTime is the end of the loop in milliseconds, or 0 when the entry
	// is not a loop.
	LoopTime int64
	// HotCueNumber is 1 for hot cue A and so on, or 0 for a memory point.
	HotCueNumber int
	IsLoop       bool
	// Color is the protocol color code assigned to the cue.
	Color   byte
	Comment string
}

func (e CueEntry) String() string {
	if e.HotCueNumber > 0 {
		return fmt.Sprintf("CueEntry[hotCue:%d, time:%dms, loop:%v]", e.HotCueNumber, e.CueTime, e.IsLoop)
	}
	return fmt.Sprintf("CueEntry[memoryPoint, time:%dms, loop:%v]", e.CueTime, e.IsLoop)
}

// CueList holds the cues of a track, ordered by their position within it.
type CueList struct {
	entries []CueEntry
}

// NewCueList builds a cue list, sorting the entries by cue time.
func NewCueList(entries []CueEntry) *CueList {
	sorted := make([]CueEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CueTime < sorted[j].CueTime
	})
	return &CueList{entries: sorted}
}

// Entries returns the cues in track order.
func (c *CueList) Entries() []CueEntry {
	result := make([]CueEntry, len(c.entries))
	copy(result, c.entries)
	return result
}

// Len returns the number of cues.
func (c *CueList) Len() int {
	return len(c.entries)
}

// HotCues returns only the entries assigned to hot cue buttons, in track order.
func (c *CueList) HotCues() []CueEntry {
	var result []CueEntry
	for _, e := range c.entries {
		if e.HotCueNumber > 0 {
			result = append(result, e)
		}
	}
	return result
}

// EntryBefore returns the last cue at or before the given track position, or
// false if the position precedes every cue.
func (c *CueList) EntryBefore(milliseconds int64) (CueEntry, bool) {
	after := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].CueTime > milliseconds
	})
	if after == 0 {
		return CueEntry{}, false
	}
	return c.entries[after-1], true
}

func (c *CueList) String() string {
	return fmt.Sprintf("CueList[entries:%d, hotCues:%d]", c.Len(), len(c.HotCues()))
}
