// Package m3u provides parsing and writing for M3U playlist files.
package m3u

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html"
	"strings"
)

var (
	// ErrIncompleteEntry is returned when an #EXTINF line has no corresponding URL.
	ErrIncompleteEntry = errors.New("found #EXTINF without URL at end of file")
	// ErrOrphanedEntry is returned when a new #EXTINF is found before the previous one has a URL.
	ErrOrphanedEntry = errors.New("found #EXTINF without URL for previous entry")
)

const maxLineSize = 1024 * 1024

// Attr is a single key="value" pair from an #EXTM3U or #EXTINF line.
type Attr struct {
	Key   string
	Value string
}

// Entry represents a single entry in an M3U playlist.
type Entry struct {
	Name     string
	URL      string
	Duration string
	TVGID    string
	TVGName  string
	TVGLogo  string
	Group    string
	Attrs    []Attr
	Original string
}

// Attr returns the value of the named attribute, or "" when absent.
func (e *Entry) Attr(key string) string {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value
		}
	}

	return ""
}

// Playlist is a parsed playlist with its header attributes.
type Playlist struct {
	Header  []Attr
	Entries []Entry
}

// HeaderAttr returns the value of the named #EXTM3U attribute.
func (p *Playlist) HeaderAttr(key string) string {
	for _, a := range p.Header {
		if a.Key == key {
			return a.Value
		}
	}

	return ""
}

// Parse extracts entries from M3U playlist data.
func Parse(data []byte) ([]Entry, error) {
	playlist, err := ParsePlaylist(data)
	if err != nil {
		return nil, err
	}

	return playlist.Entries, nil
}

// ParsePlaylist extracts the header attributes and entries from M3U playlist data.
func ParsePlaylist(data []byte) (*Playlist, error) {
	playlist := &Playlist{
		Entries: make([]Entry, 0, 100),
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var current *Entry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXTM3U") {
			attrs, _ := parseAttributes(strings.TrimPrefix(line, "#EXTM3U"))
			playlist.Header = append(playlist.Header, attrs...)

			continue
		}

		if strings.HasPrefix(line, "#EXTINF:") {
			if current != nil {
				return nil, ErrOrphanedEntry
			}

			current = parseExtinf(line)
		} else if !strings.HasPrefix(line, "#") && current != nil {
			current.URL = line
			playlist.Entries = append(playlist.Entries, *current)
			current = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning M3U data: %w", err)
	}

	if current != nil {
		return nil, ErrIncompleteEntry
	}

	return playlist, nil
}

func parseExtinf(line string) *Entry {
	entry := &Entry{Original: line}

	rest := strings.TrimPrefix(line, "#EXTINF:")

	// Duration runs up to the first space or comma.
	end := strings.IndexAny(rest, " ,")
	if end == -1 {
		entry.Duration = strings.TrimSpace(rest)

		return entry
	}

	entry.Duration = rest[:end]

	attrs, name := parseAttributes(rest[end:])
	entry.Attrs = attrs
	entry.Name = strings.TrimSpace(name)
	entry.TVGID = entry.Attr("tvg-id")
	entry.TVGName = entry.Attr("tvg-name")
	entry.TVGLogo = entry.Attr("tvg-logo")
	entry.Group = entry.Attr("group-title")

	return entry
}

// parseAttributes scans key="value" pairs until the first comma outside quotes.
// It returns the attributes and whatever follows that comma.
func parseAttributes(s string) ([]Attr, string) {
	var attrs []Attr

	i := 0
	for i < len(s) {
		switch s[i] {
		case ' ', '\t':
			i++

			continue
		case ',':
			return attrs, s[i+1:]
		}

		keyStart := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != ',' {
			i++
		}

		key := s[keyStart:i]

		if i >= len(s) || s[i] != '=' {
			if key != "" {
				attrs = append(attrs, Attr{Key: key})
			}

			continue
		}

		i++ // '='

		var value string

		if i < len(s) && s[i] == '"' {
			i++
			valueStart := i

			for i < len(s) && s[i] != '"' {
				i++
			}

			value = s[valueStart:i]

			if i < len(s) {
				i++ // closing quote
			}
		} else {
			valueStart := i
			for i < len(s) && s[i] != ' ' && s[i] != ',' {
				i++
			}

			value = s[valueStart:i]
		}

		attrs = append(attrs, Attr{Key: key, Value: Unescape(value)})
	}

	return attrs, ""
}

// Unescape reverses Escape. Unknown entities from upstream playlists are decoded as HTML.
func Unescape(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}

	return html.UnescapeString(s)
}
