// Package catalog holds the channel and VOD catalog served to clients as
// immutable snapshots.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/savid/iptv-gateway/internal/epg"
	"github.com/savid/iptv-gateway/internal/sources"
)

// ErrDuplicateID is returned when a replacement catalog repeats an ID.
var ErrDuplicateID = errors.New("duplicate catalog id")

// Channel is a live channel.
type Channel struct {
	ID           string
	DisplayName  string
	TVGName      string
	LogoURL      string
	GroupTitle   string
	EPGChannelID string
	StreamURL    string
}

// VodItem is a video-on-demand title. Rating is 0..10, Duration is minutes.
type VodItem struct {
	ID          string
	Title       string
	Plot        string
	Cast        string
	Director    string
	Genre       string
	ReleaseDate string
	Rating      *float64
	Duration    *int
	LogoURL     string
	GroupTitle  string
	StreamURL   string
	Container   string
}

// Guide is the merged EPG data published alongside the catalog.
type Guide struct {
	Channels  []epg.Channel
	Timelines map[string][]epg.ProgramEntry
	Sources   []sources.Source
}

// Snapshot is one published catalog. It is never modified after Replace
// returns it to readers.
type Snapshot struct {
	Channels      []Channel
	VOD           []VodItem
	GuideChannels []epg.Channel
	Timelines     map[string][]epg.ProgramEntry
	Sources       []sources.Source
	BuiltAt       time.Time

	channelIndex map[string]int
	vodIndex     map[string]int
}

// Channel returns the channel with the given ID.
func (s *Snapshot) Channel(id string) (Channel, bool) {
	i, ok := s.channelIndex[id]
	if !ok {
		return Channel{}, false
	}

	return s.Channels[i], true
}

// Vod returns the VOD item with the given ID.
func (s *Snapshot) Vod(id string) (VodItem, bool) {
	i, ok := s.vodIndex[id]
	if !ok {
		return VodItem{}, false
	}

	return s.VOD[i], true
}

// Empty reports whether the snapshot has no channels and no VOD.
func (s *Snapshot) Empty() bool {
	return len(s.Channels) == 0 && len(s.VOD) == 0
}

// Groups returns all unique group-titles, sorted alphabetically.
func (s *Snapshot) Groups() []string {
	seen := make(map[string]bool)
	groups := make([]string, 0)

	add := func(g string) {
		if g != "" && !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}

	for _, ch := range s.Channels {
		add(ch.GroupTitle)
	}

	for _, v := range s.VOD {
		add(v.GroupTitle)
	}

	sort.Strings(groups)

	return groups
}

// EligibleChannels returns the channels in the allowed groups, or all of
// them when allowed is empty.
func (s *Snapshot) EligibleChannels(allowed []string) []Channel {
	if len(allowed) == 0 {
		return s.Channels
	}

	set := toSet(allowed)
	out := make([]Channel, 0, len(s.Channels))

	for _, ch := range s.Channels {
		if set[ch.GroupTitle] {
			out = append(out, ch)
		}
	}

	return out
}

// EligibleVOD returns the VOD items in the allowed groups, or all of them
// when allowed is empty.
func (s *Snapshot) EligibleVOD(allowed []string) []VodItem {
	if len(allowed) == 0 {
		return s.VOD
	}

	set := toSet(allowed)
	out := make([]VodItem, 0, len(s.VOD))

	for _, v := range s.VOD {
		if set[v.GroupTitle] {
			out = append(out, v)
		}
	}

	return out
}

// GuideIDs returns the distinct guide channel IDs of the given channels.
func GuideIDs(channels []Channel) []string {
	seen := make(map[string]bool, len(channels))
	ids := make([]string, 0, len(channels))

	for _, ch := range channels {
		if ch.EPGChannelID != "" && !seen[ch.EPGChannelID] {
			seen[ch.EPGChannelID] = true
			ids = append(ids, ch.EPGChannelID)
		}
	}

	return ids
}

// Store publishes catalog snapshots. Readers never see a partial update.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}

	snap, _ := newSnapshot(nil, nil, Guide{}, time.Time{})
	s.current.Store(snap)

	return s
}

// Snapshot returns the current snapshot; never nil.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Replace builds a new snapshot from copies of the inputs and publishes it.
// On error the previous snapshot stays current.
func (s *Store) Replace(channels []Channel, vod []VodItem, guide Guide) (*Snapshot, error) {
	snap, err := newSnapshot(channels, vod, guide, time.Now())
	if err != nil {
		return nil, err
	}

	s.current.Store(snap)

	return snap, nil
}

func newSnapshot(channels []Channel, vod []VodItem, guide Guide, builtAt time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		Channels:      append(make([]Channel, 0, len(channels)), channels...),
		VOD:           append(make([]VodItem, 0, len(vod)), vod...),
		GuideChannels: append(make([]epg.Channel, 0, len(guide.Channels)), guide.Channels...),
		Sources:       append(make([]sources.Source, 0, len(guide.Sources)), guide.Sources...),
		Timelines:     make(map[string][]epg.ProgramEntry, len(guide.Timelines)),
		BuiltAt:       builtAt,
		channelIndex:  make(map[string]int, len(channels)),
		vodIndex:      make(map[string]int, len(vod)),
	}

	for id, timeline := range guide.Timelines {
		snap.Timelines[id] = append(make([]epg.ProgramEntry, 0, len(timeline)), timeline...)
	}

	for i, ch := range snap.Channels {
		if _, dup := snap.channelIndex[ch.ID]; dup {
			return nil, fmt.Errorf("%w: channel %s", ErrDuplicateID, ch.ID)
		}

		snap.channelIndex[ch.ID] = i
	}

	for i, v := range snap.VOD {
		if _, dup := snap.vodIndex[v.ID]; dup {
			return nil, fmt.Errorf("%w: vod %s", ErrDuplicateID, v.ID)
		}

		snap.vodIndex[v.ID] = i
	}

	return snap, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}

	return set
}
