// Package playlist renders per-user M3U playlists from a catalog snapshot.
package playlist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/catalog"
	"github.com/savid/iptv-gateway/internal/m3u"
)

var (
	// ErrUnsupportedFormat is returned for an unknown playlist type.
	ErrUnsupportedFormat = errors.New("unsupported playlist format")
	// ErrNoLinks is returned when a request carries no link builder.
	ErrNoLinks = errors.New("no link builder")
)

// Format is a playlist output type.
type Format string

const (
	// FormatM3U is a plain playlist without tvg attributes.
	FormatM3U Format = "m3u"
	// FormatM3UPlus adds the guide header and tvg attributes.
	FormatM3UPlus Format = "m3u_plus"
)

// ParseFormat maps a request's type parameter to a Format. An empty value
// selects plain m3u.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatM3U, nil
	case FormatM3U, FormatM3UPlus:
		return Format(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Kind selects which catalog items a playlist contains.
type Kind int

const (
	// KindLive selects live channels.
	KindLive Kind = iota
	// KindVOD selects video-on-demand items.
	KindVOD
)

// Request describes one playlist render.
type Request struct {
	User   auth.Entitlement
	Format Format
	// Kinds limits the output; empty means live channels and VOD.
	Kinds []Kind
	Links Links
}

func (r Request) wants(k Kind) bool {
	if len(r.Kinds) == 0 {
		return true
	}

	for _, kind := range r.Kinds {
		if kind == k {
			return true
		}
	}

	return false
}

// Render writes the playlist for req to w. Nothing is written when an
// error is returned.
func Render(w io.Writer, snap *catalog.Snapshot, req Request) error {
	if req.Format != FormatM3U && req.Format != FormatM3UPlus {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	if req.Links == nil {
		return ErrNoLinks
	}

	plus := req.Format == FormatM3UPlus

	var buf bytes.Buffer

	pw := m3u.NewWriter(&buf)

	if plus {
		pw.WriteHeader(m3u.Attr{Key: "url-tvg", Value: req.Links.Guide()})
	} else {
		pw.WriteHeader()
	}

	if req.wants(KindLive) {
		for _, ch := range snap.EligibleChannels(req.User.AllowedCategories) {
			pw.WriteEntry(channelEntry(ch, plus, req.Links))
		}
	}

	if req.wants(KindVOD) {
		for _, v := range snap.EligibleVOD(req.User.AllowedCategories) {
			pw.WriteEntry(vodEntry(v, plus, req.Links))
		}
	}

	if err := pw.Flush(); err != nil {
		return fmt.Errorf("failed to render playlist: %w", err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}

	return nil
}

func channelEntry(ch catalog.Channel, plus bool, links Links) m3u.Entry {
	attrs := attrList{}

	if plus {
		tvgName := ch.TVGName
		if tvgName == "" {
			tvgName = ch.DisplayName
		}

		attrs.add("tvg-id", ch.EPGChannelID)
		attrs.add("tvg-name", tvgName)
		attrs.add("tvg-logo", ch.LogoURL)
		attrs.add("group-title", ch.GroupTitle)
	}

	return m3u.Entry{Name: ch.DisplayName, URL: links.Live(ch), Attrs: attrs}
}

func vodEntry(v catalog.VodItem, plus bool, links Links) m3u.Entry {
	attrs := attrList{}

	if plus {
		attrs.add("tvg-name", v.Title)
		attrs.add("tvg-logo", v.LogoURL)
		attrs.add("group-title", v.GroupTitle)
	}

	attrs.add("plot", v.Plot)
	attrs.add("cast", v.Cast)
	attrs.add("director", v.Director)
	attrs.add("genre", v.Genre)
	attrs.add("releaseDate", v.ReleaseDate)

	if v.Rating != nil {
		attrs.add("rating", strconv.FormatFloat(*v.Rating, 'f', -1, 64))
	}

	if v.Duration != nil {
		attrs.add("duration", strconv.Itoa(*v.Duration))
	}

	return m3u.Entry{Name: v.Title, URL: links.Movie(v), Attrs: attrs}
}

type attrList []m3u.Attr

// add appends the attribute when value is non-empty.
func (a *attrList) add(key, value string) {
	if value != "" {
		*a = append(*a, m3u.Attr{Key: key, Value: value})
	}
}
