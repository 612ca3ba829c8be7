package epg

import (
	"sort"
)

// Merge combines per-source entries into one timeline per channel.
// bySource is in priority order, highest first. An entry that overlaps
// already accepted entries of its channel keeps only its earliest free
// span, or is dropped when it has none. Every resulting timeline is
// start-ordered with no overlaps.
func Merge(bySource [][]ProgramEntry) map[string][]ProgramEntry {
	merged := make(map[string][]ProgramEntry, 100)

	for _, entries := range bySource {
		ordered := make([]ProgramEntry, len(entries))
		copy(ordered, entries)

		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Start.Before(ordered[j].Start)
		})

		for _, e := range ordered {
			if !e.Start.Before(e.End) {
				continue
			}

			clipped, ok := clip(merged[e.ChannelID], e)
			if !ok {
				continue
			}

			merged[e.ChannelID] = insert(merged[e.ChannelID], clipped)
		}
	}

	return merged
}

// clip trims e to its earliest span not covered by accepted, which must be
// start-ordered and non-overlapping.
func clip(accepted []ProgramEntry, e ProgramEntry) (ProgramEntry, bool) {
	start, end := e.Start, e.End

	for _, a := range accepted {
		if !a.End.After(start) {
			continue
		}

		if !a.Start.Before(end) {
			break
		}

		if a.Start.After(start) {
			end = a.Start

			break
		}

		start = a.End
		if !start.Before(end) {
			return e, false
		}
	}

	e.Start, e.End = start, end

	return e, true
}

func insert(timeline []ProgramEntry, e ProgramEntry) []ProgramEntry {
	i := sort.Search(len(timeline), func(i int) bool {
		return timeline[i].Start.After(e.Start)
	})

	timeline = append(timeline, ProgramEntry{})
	copy(timeline[i+1:], timeline[i:])
	timeline[i] = e

	return timeline
}
