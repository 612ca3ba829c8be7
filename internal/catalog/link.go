package catalog

import (
	"github.com/savid/iptv-gateway/internal/epg"
)

type guideCandidate struct {
	id     string
	region string
}

// LinkGuide sets EPGChannelID on channels that have no usable guide
// reference. A manual mapping keyed by channel ID always wins. Otherwise
// matching tries the tvg-id, then the exact display name, then the
// normalized name where the best region agreement wins. It returns a new
// slice and the number of channels linked to a guide channel.
func LinkGuide(channels []Channel, guide []epg.Channel, mappings map[string]string) ([]Channel, int) {
	out := append(make([]Channel, 0, len(channels)), channels...)
	linked := 0
	mapped := make(map[int]bool, len(mappings))

	for i := range out {
		if id, ok := mappings[out[i].ID]; ok && id != "" {
			out[i].EPGChannelID = id
			mapped[i] = true
			linked++
		}
	}

	if len(guide) == 0 {
		return out, linked
	}

	byID := make(map[string]bool, len(guide))
	byName := make(map[string]string, len(guide))
	byNormalized := make(map[string][]guideCandidate, len(guide))

	for _, g := range guide {
		if g.ID == "" {
			continue
		}

		byID[g.ID] = true

		if g.DisplayName == "" {
			continue
		}

		if _, exists := byName[g.DisplayName]; !exists {
			byName[g.DisplayName] = g.ID
		}

		normalized := epg.NormalizeName(g.DisplayName)
		byNormalized[normalized] = append(byNormalized[normalized], guideCandidate{
			id:     g.ID,
			region: epg.Region(g.DisplayName),
		})
	}

	for i := range out {
		if mapped[i] {
			continue
		}

		ch := &out[i]

		if byID[ch.EPGChannelID] {
			linked++

			continue
		}

		if id, ok := byName[ch.DisplayName]; ok {
			ch.EPGChannelID = id
			linked++

			continue
		}

		if id, ok := bestCandidate(ch.DisplayName, byNormalized); ok {
			ch.EPGChannelID = id
			linked++
		}
	}

	return out, linked
}

func bestCandidate(name string, byNormalized map[string][]guideCandidate) (string, bool) {
	candidates := byNormalized[epg.NormalizeName(name)]
	if len(candidates) == 0 {
		return "", false
	}

	region := epg.Region(name)
	bestID := ""
	bestScore := 0

	for _, c := range candidates {
		if score := epg.RegionScore(region, c.region); score > bestScore {
			bestID = c.id
			bestScore = score
		}
	}

	return bestID, bestScore > 0
}
