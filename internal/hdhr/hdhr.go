// Package hdhr provides per-user HDHomeRun emulation so tuner clients such
// as Plex can discover the gateway's live channels.
package hdhr

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/savid/iptv-gateway/internal/catalog"
	"github.com/savid/iptv-gateway/internal/playlist"
	"github.com/sirupsen/logrus"
)

// ErrCapabilityAbsent is returned when the user has tuner emulation disabled.
var ErrCapabilityAbsent = errors.New("HDHomeRun emulation is disabled for this user")

// Device is the deployment-wide tuner identity.
type Device struct {
	UUID       uuid.UUID
	Name       string
	TunerCount int
	BaseURL    string
}

// DeviceXML represents the UPnP device description.
type DeviceXML struct {
	XMLName     xml.Name `xml:"root"`
	Xmlns       string   `xml:"xmlns,attr"`
	URLBase     string   `xml:"URLBase"`
	SpecVersion struct {
		Major int `xml:"major"`
		Minor int `xml:"minor"`
	} `xml:"specVersion"`
	Device struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		ModelNumber  string `xml:"modelNumber"`
		SerialNumber string `xml:"serialNumber"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

// Discovery represents the device discovery response.
//
//nolint:tagliatelle // HDHomeRun protocol requires PascalCase JSON field names
type Discovery struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ManufacturerURL string `json:"ManufacturerURL"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	TunerCount      int    `json:"TunerCount"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

// LineupItem represents a channel in the lineup.
//
//nolint:tagliatelle // HDHomeRun protocol requires PascalCase JSON field names
type LineupItem struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// LineupStatus represents the lineup scanning status.
//
//nolint:tagliatelle // HDHomeRun protocol requires PascalCase JSON field names
type LineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// Responder answers discovery and lineup queries for one deployment.
type Responder struct {
	log    logrus.FieldLogger
	device Device
	store  *catalog.Store
	auth   auth.Authenticator
}

// NewResponder creates a responder serving channels from store.
func NewResponder(log logrus.FieldLogger, device Device, store *catalog.Store, authenticator auth.Authenticator) *Responder {
	return &Responder{
		log:    log.WithField("component", "hdhr"),
		device: device,
		store:  store,
		auth:   authenticator,
	}
}

// DeviceID returns the eight hex digit device ID presented to the user.
func (r *Responder) DeviceID(username string) string {
	id := uuid.NewSHA1(r.device.UUID, []byte(username))

	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// UDN returns the UPnP device UUID presented to the user.
func (r *Responder) UDN(username string) string {
	return uuid.NewSHA1(r.device.UUID, []byte(username)).String()
}

// BaseURL returns the tuner base URL for a token.
func (r *Responder) BaseURL(token string) string {
	return strings.TrimRight(r.device.BaseURL, "/") + "/hdhr/" + token
}

// Discover returns the device descriptor for user.
func (r *Responder) Discover(user auth.Entitlement) (Discovery, error) {
	if !user.HDHREnabled {
		return Discovery{}, ErrCapabilityAbsent
	}

	base := r.BaseURL(user.Token)

	return Discovery{
		FriendlyName:    r.friendlyName(user),
		Manufacturer:    "Silicondust",
		ManufacturerURL: "https://github.com/savid/iptv-gateway",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		TunerCount:      r.device.TunerCount,
		FirmwareVersion: "20200101",
		DeviceID:        r.DeviceID(user.Username),
		DeviceAuth:      "iptv-gateway",
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
	}, nil
}

// Lineup returns one entry per eligible live channel of snap. Guide
// numbers follow snapshot order starting at 1. Guide names are unique: a
// name already emitted gets the first free numeric suffix.
func (r *Responder) Lineup(snap *catalog.Snapshot, user auth.Entitlement, links playlist.Links) ([]LineupItem, error) {
	if !user.HDHREnabled {
		return nil, ErrCapabilityAbsent
	}

	channels := snap.EligibleChannels(user.AllowedCategories)
	lineup := make([]LineupItem, 0, len(channels))
	emitted := make(map[string]bool, len(channels))

	for i, ch := range channels {
		guideName := ch.DisplayName

		for n := 2; emitted[guideName]; n++ {
			guideName = fmt.Sprintf("%s (%d)", ch.DisplayName, n)
		}

		emitted[guideName] = true

		lineup = append(lineup, LineupItem{
			GuideNumber: strconv.Itoa(i + 1),
			GuideName:   guideName,
			URL:         links.Live(ch),
		})
	}

	return lineup, nil
}

func (r *Responder) friendlyName(user auth.Entitlement) string {
	return fmt.Sprintf("%s (%s)", r.device.Name, user.Username)
}

func (r *Responder) links(user auth.Entitlement) playlist.Links {
	return playlist.TokenLinks{Base: r.device.BaseURL, Token: user.Token}
}

// Register adds the tuner endpoints under /hdhr/{token}/ to mux.
func (r *Responder) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /hdhr/{token}/discover.json", r.handleDiscovery)
	mux.HandleFunc("GET /hdhr/{token}/discovery.json", r.handleDiscovery)
	mux.HandleFunc("GET /hdhr/{token}/device.xml", r.handleDeviceXML)
	mux.HandleFunc("GET /hdhr/{token}/{$}", r.handleDeviceXML)
	mux.HandleFunc("GET /hdhr/{token}/lineup.json", r.handleLineup)
	mux.HandleFunc("GET /hdhr/{token}/lineup_status.json", r.handleLineupStatus)
	mux.HandleFunc("GET /hdhr/{token}/auto/{channel}", r.handleAutoTune)
}

// authorize resolves the token in the path and writes the error response
// when the user may not use the tuner.
func (r *Responder) authorize(w http.ResponseWriter, req *http.Request) (auth.Entitlement, bool) {
	user, err := r.auth.ValidateToken(req.PathValue("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")

		return auth.Entitlement{}, false
	}

	if !user.HDHREnabled {
		writeError(w, http.StatusForbidden, ErrCapabilityAbsent.Error())

		return auth.Entitlement{}, false
	}

	return user, true
}

func (r *Responder) handleDiscovery(w http.ResponseWriter, req *http.Request) {
	user, ok := r.authorize(w, req)
	if !ok {
		return
	}

	discovery, err := r.Discover(user)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())

		return
	}

	r.writeJSON(w, discovery)
}

func (r *Responder) handleDeviceXML(w http.ResponseWriter, req *http.Request) {
	user, ok := r.authorize(w, req)
	if !ok {
		return
	}

	deviceID := r.DeviceID(user.Username)

	device := DeviceXML{
		Xmlns:   "urn:schemas-upnp-org:device-1-0",
		URLBase: r.BaseURL(user.Token),
	}
	device.SpecVersion.Major = 1
	device.SpecVersion.Minor = 0
	device.Device.DeviceType = ssdpDeviceType
	device.Device.FriendlyName = r.friendlyName(user)
	device.Device.Manufacturer = "Silicondust"
	device.Device.ModelName = "HDTC-2US"
	device.Device.ModelNumber = "HDTC-2US"
	device.Device.SerialNumber = deviceID
	device.Device.UDN = "uuid:" + r.UDN(user.Username)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		r.log.WithError(err).Error("Failed to write XML header")

		return
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")

	if err := encoder.Encode(device); err != nil {
		r.log.WithError(err).Error("Failed to encode device XML")
	}
}

func (r *Responder) handleLineup(w http.ResponseWriter, req *http.Request) {
	user, ok := r.authorize(w, req)
	if !ok {
		return
	}

	lineup, err := r.Lineup(r.store.Snapshot(), user, r.links(user))
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())

		return
	}

	r.writeJSON(w, lineup)
}

func (r *Responder) handleLineupStatus(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.authorize(w, req); !ok {
		return
	}

	r.writeJSON(w, LineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	})
}

// handleAutoTune resolves /auto/v{n} to the n-th lineup channel and
// redirects to the user's stream URL for it.
func (r *Responder) handleAutoTune(w http.ResponseWriter, req *http.Request) {
	user, ok := r.authorize(w, req)
	if !ok {
		return
	}

	channel := req.PathValue("channel")
	if !strings.HasPrefix(channel, "v") || len(channel) < 2 {
		http.Error(w, "Invalid channel", http.StatusBadRequest)

		return
	}

	number, err := strconv.Atoi(channel[1:])
	if err != nil {
		http.Error(w, "Invalid channel number", http.StatusBadRequest)

		return
	}

	channels := r.store.Snapshot().EligibleChannels(user.AllowedCategories)
	if number < 1 || number > len(channels) {
		r.log.WithField("channel", number).Warn("Channel not found")
		http.Error(w, "Channel not found", http.StatusNotFound)

		return
	}

	ch := channels[number-1]

	r.log.WithFields(logrus.Fields{
		"channel": number,
		"name":    ch.DisplayName,
		"user":    user.Username,
	}).Debug("AutoTune redirect")

	http.Redirect(w, req, r.links(user).Live(ch), http.StatusTemporaryRedirect)
}

func (r *Responder) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
