package epg

import (
	"sort"
	"time"
)

// ScheduleItem is the JSON shape of one programme in the schedule endpoint.
type ScheduleItem struct {
	Start int64  `json:"start"`
	Stop  int64  `json:"stop"`
	Title string `json:"title"`
	Desc  string `json:"desc"`
}

// Window bounds a schedule query. A zero Start or End leaves that side open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether e airs at any point inside the window.
func (w Window) Overlaps(e ProgramEntry) bool {
	if !w.Start.IsZero() && !e.End.After(w.Start) {
		return false
	}

	if !w.End.IsZero() && !e.Start.Before(w.End) {
		return false
	}

	return true
}

func scheduleItem(e ProgramEntry) ScheduleItem {
	return ScheduleItem{
		Start: e.Start.Unix(),
		Stop:  e.End.Unix(),
		Title: e.Title,
		Desc:  e.Description,
	}
}

// Schedule maps guide channel IDs to their programmes inside the window, in
// start order. With a nil ids slice every channel is included; channels with
// nothing in the window are omitted. The result is never nil.
func Schedule(timelines map[string][]ProgramEntry, ids []string, window Window) map[string][]ScheduleItem {
	out := make(map[string][]ScheduleItem, len(timelines))

	add := func(id string) {
		var items []ScheduleItem

		for _, e := range timelines[id] {
			if window.Overlaps(e) {
				items = append(items, scheduleItem(e))
			}
		}

		if len(items) > 0 {
			out[id] = items
		}
	}

	if ids == nil {
		for id := range timelines {
			add(id)
		}

		return out
	}

	for _, id := range ids {
		add(id)
	}

	return out
}

// NowPlaying returns the programme airing at t on each channel. Channels
// with nothing on air are omitted; ids filters as in Schedule.
func NowPlaying(timelines map[string][]ProgramEntry, ids []string, t time.Time) map[string]ScheduleItem {
	out := make(map[string]ScheduleItem)

	add := func(id string) {
		timeline := timelines[id]

		// Timelines are sorted and non-overlapping.
		i := sort.Search(len(timeline), func(i int) bool {
			return timeline[i].End.After(t)
		})

		if i < len(timeline) && !timeline[i].Start.After(t) {
			out[id] = scheduleItem(timeline[i])
		}
	}

	if ids == nil {
		for id := range timelines {
			add(id)
		}

		return out
	}

	for _, id := range ids {
		add(id)
	}

	return out
}

// ToTV renders merged timelines as an XMLTV document. Channels are emitted
// in the given order; programmes of channels not listed are omitted unless
// channels is nil.
func ToTV(channels []Channel, timelines map[string][]ProgramEntry) *TV {
	tv := &TV{
		Channels: make([]Channel, 0, len(channels)),
		Programs: make([]Programme, 0, 1000),
	}

	ids := make([]string, 0, len(timelines))

	if channels == nil {
		for id := range timelines {
			ids = append(ids, id)
			tv.Channels = append(tv.Channels, Channel{ID: id, DisplayName: id})
		}

		sort.Strings(ids)
		sort.Slice(tv.Channels, func(i, j int) bool { return tv.Channels[i].ID < tv.Channels[j].ID })
	} else {
		for _, ch := range channels {
			ids = append(ids, ch.ID)
			tv.Channels = append(tv.Channels, ch)
		}
	}

	for _, id := range ids {
		for _, e := range timelines[id] {
			tv.Programs = append(tv.Programs, Programme{
				Channel:     id,
				Start:       FormatTime(e.Start),
				Stop:        FormatTime(e.End),
				Title:       e.Title,
				Description: e.Description,
			})
		}
	}

	return tv
}
