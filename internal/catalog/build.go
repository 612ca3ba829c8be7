package catalog

import (
	"crypto/md5" //nolint:gosec // MD5 is fine for ID generation
	"fmt"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/savid/iptv-gateway/internal/m3u"
)

var vodContainers = map[string]bool{
	"mp4": true, "mkv": true, "avi": true, "mov": true, "m4v": true,
	"wmv": true, "flv": true, "webm": true, "mpg": true, "mpeg": true,
}

// Build classifies upstream playlist entries into live channels and VOD
// items. Entries whose ID was already seen are dropped and counted.
func Build(entries []m3u.Entry) ([]Channel, []VodItem, int) {
	channels := make([]Channel, 0, len(entries))
	vod := make([]VodItem, 0)
	seenChannels := make(map[string]bool, len(entries))
	seenVOD := make(map[string]bool)
	dropped := 0

	for i := range entries {
		e := &entries[i]
		if e.URL == "" {
			dropped++

			continue
		}

		id, container, isVOD := classify(e.URL)

		if isVOD {
			if seenVOD[id] {
				dropped++

				continue
			}

			seenVOD[id] = true

			vod = append(vod, newVodItem(id, container, e))

			continue
		}

		if seenChannels[id] {
			dropped++

			continue
		}

		seenChannels[id] = true

		name := e.Name
		if name == "" {
			name = e.TVGName
		}

		channels = append(channels, Channel{
			ID:           id,
			DisplayName:  name,
			TVGName:      e.TVGName,
			LogoURL:      e.TVGLogo,
			GroupTitle:   e.Group,
			EPGChannelID: e.TVGID,
			StreamURL:    e.URL,
		})
	}

	return channels, vod, dropped
}

func newVodItem(id, container string, e *m3u.Entry) VodItem {
	title := e.Name
	if title == "" {
		title = e.TVGName
	}

	releaseDate := e.Attr("releaseDate")
	if releaseDate == "" {
		releaseDate = e.Attr("releasedate")
	}

	return VodItem{
		ID:          id,
		Title:       title,
		Plot:        e.Attr("plot"),
		Cast:        e.Attr("cast"),
		Director:    e.Attr("director"),
		Genre:       e.Attr("genre"),
		ReleaseDate: releaseDate,
		Rating:      ParseRating(e.Attr("rating")),
		Duration:    ParseDuration(e.Attr("duration")),
		LogoURL:     e.TVGLogo,
		GroupTitle:  e.Group,
		StreamURL:   e.URL,
		Container:   container,
	}
}

// classify derives the catalog ID and container of an upstream URL and
// reports whether it points at VOD content.
func classify(raw string) (string, string, bool) {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}

	base := path.Base(p)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(base), "."))
	stem := strings.TrimSuffix(base, path.Ext(base))

	isVOD := strings.Contains(p, "/movie/") || strings.Contains(p, "/series/") || vodContainers[ext]

	id := stem
	if id == "" || !isNumeric(id) {
		hash := md5.Sum([]byte(raw)) //nolint:gosec // MD5 is fine for ID generation
		id = fmt.Sprintf("%x", hash)
	}

	if !isVOD {
		ext = ""
	}

	return id, ext, isVOD
}

// ParseRating parses a 0..10 decimal rating. Anything else yields nil.
func ParseRating(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	r, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(r) || r < 0 || r > 10 {
		return nil
	}

	return &r
}

// ParseDuration parses a duration in minutes, either as a plain integer or
// as HH:MM[:SS]. Anything else yields nil.
func ParseDuration(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return nil
		}

		return &n
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil
	}

	values := make([]int, len(parts))

	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil
		}

		values[i] = n
	}

	minutes := values[0]*60 + values[1]

	return &minutes
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return s != ""
}
