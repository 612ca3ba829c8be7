// Package epg parses XMLTV schedule documents and merges them into one
// non-overlapping programme timeline per channel.
package epg

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTime is returned for XMLTV timestamps in no known layout.
var ErrInvalidTime = errors.New("invalid XMLTV timestamp")

// XMLTV timestamp layouts, tried in order. Layouts without an offset are UTC.
var timeLayouts = []string{
	"20060102150405 -0700",
	"20060102150405-0700",
	"20060102150405",
	"200601021504 -0700",
	"200601021504",
}

const outputLayout = "20060102150405 -0700"

// TV represents the root element of an XMLTV EPG file.
type TV struct {
	XMLName  xml.Name    `xml:"tv"`
	Channels []Channel   `xml:"channel"`
	Programs []Programme `xml:"programme"`
}

// Channel represents a channel in the EPG.
type Channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        Icon   `xml:"icon"`
}

// Icon represents a channel or programme icon.
type Icon struct {
	Src string `xml:"src,attr"`
}

// Programme represents a programme/show in the EPG.
type Programme struct {
	Channel     string `xml:"channel,attr"`
	Start       string `xml:"start,attr"`
	Stop        string `xml:"stop,attr"`
	Title       string `xml:"title"`
	Description string `xml:"desc,omitempty"`
	Category    string `xml:"category,omitempty"`
}

// ProgramEntry is one programme on a channel timeline. Start is before End.
type ProgramEntry struct {
	ChannelID   string
	Start       time.Time
	End         time.Time
	Title       string
	Description string
	SourceID    string
}

// Parse parses EPG XML data into a TV structure.
func Parse(data []byte) (*TV, error) {
	var tv TV
	if err := xml.Unmarshal(data, &tv); err != nil {
		return nil, fmt.Errorf("failed to parse EPG XML: %w", err)
	}

	return &tv, nil
}

// Marshal serializes the TV structure to XML.
func Marshal(tv *TV) ([]byte, error) {
	data, err := xml.MarshalIndent(tv, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal EPG XML: %w", err)
	}

	return append([]byte(xml.Header), data...), nil
}

// ParseTime parses an XMLTV timestamp such as "20260104120000 +0000".
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// FormatTime renders t as an XMLTV timestamp in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(outputLayout)
}

// Entries converts the programmes of a parsed document into timeline entries.
// Programmes with unparsable or inverted times are skipped.
func Entries(tv *TV, sourceID string) []ProgramEntry {
	if tv == nil {
		return nil
	}

	entries := make([]ProgramEntry, 0, len(tv.Programs))

	for _, p := range tv.Programs {
		start, err := ParseTime(p.Start)
		if err != nil {
			continue
		}

		end, err := ParseTime(p.Stop)
		if err != nil || !start.Before(end) {
			continue
		}

		entries = append(entries, ProgramEntry{
			ChannelID:   p.Channel,
			Start:       start,
			End:         end,
			Title:       p.Title,
			Description: p.Description,
			SourceID:    sourceID,
		})
	}

	return entries
}
