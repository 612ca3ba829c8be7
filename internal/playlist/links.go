package playlist

import (
	"net/url"
	"strings"

	"github.com/savid/iptv-gateway/internal/catalog"
)

// Links builds the client-facing URLs embedded in a playlist. Every URL
// carries the requesting user's own credentials.
type Links interface {
	Live(ch catalog.Channel) string
	Movie(v catalog.VodItem) string
	Guide() string
}

// XtreamLinks builds Xtream-Codes style URLs for get.php clients.
type XtreamLinks struct {
	Base     string
	Username string
	Password string
	// Output is the container hint from the request, used as the live
	// stream extension as given.
	Output string
}

// Live returns /live/{user}/{pass}/{id}.{output}.
func (l XtreamLinks) Live(ch catalog.Channel) string {
	ext := l.Output
	if ext == "" {
		ext = "ts"
	}

	return l.prefix("live") + ch.ID + "." + ext
}

// Movie returns /movie/{user}/{pass}/{id}.{container}.
func (l XtreamLinks) Movie(v catalog.VodItem) string {
	ext := v.Container
	if ext == "" {
		ext = "mp4"
	}

	return l.prefix("movie") + v.ID + "." + ext
}

// Guide returns the xmltv.php URL for the user.
func (l XtreamLinks) Guide() string {
	q := url.Values{}
	q.Set("username", l.Username)
	q.Set("password", l.Password)

	return strings.TrimRight(l.Base, "/") + "/xmltv.php?" + q.Encode()
}

func (l XtreamLinks) prefix(kind string) string {
	return strings.TrimRight(l.Base, "/") + "/" + kind + "/" +
		url.PathEscape(l.Username) + "/" + url.PathEscape(l.Password) + "/"
}

// TokenLinks builds URLs keyed by the user's access token, as used by the
// web player and the tuner lineup.
type TokenLinks struct {
	Base  string
	Token string
}

// Live returns /play/{token}/live/{id}.
func (l TokenLinks) Live(ch catalog.Channel) string {
	return l.prefix() + "live/" + url.PathEscape(ch.ID)
}

// Movie returns /play/{token}/movie/{id}.
func (l TokenLinks) Movie(v catalog.VodItem) string {
	return l.prefix() + "movie/" + url.PathEscape(v.ID)
}

// Guide returns the xmltv.php URL for the token.
func (l TokenLinks) Guide() string {
	q := url.Values{}
	q.Set("token", l.Token)

	return strings.TrimRight(l.Base, "/") + "/xmltv.php?" + q.Encode()
}

func (l TokenLinks) prefix() string {
	return strings.TrimRight(l.Base, "/") + "/play/" + url.PathEscape(l.Token) + "/"
}
