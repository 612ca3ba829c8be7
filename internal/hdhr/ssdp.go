package hdhr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/savid/iptv-gateway/internal/auth"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	ssdpDeviceType = "urn:schemas-upnp-org:device:MediaServer:1"
	ssdpRootDevice = "upnp:rootdevice"
	ssdpAll        = "ssdp:all"
	ssdpServer     = "iptv-gateway UPnP/1.0 HDHomeRun/1.0"
	ssdpMaxAge     = 1800
	ssdpTTL        = 4

	notifyInterval = time.Minute
)

var ssdpGroup = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

// Directory lists the users whose tuners are announced.
type Directory interface {
	HDHRUsers() []auth.Entitlement
}

// SSDP answers M-SEARCH requests with the device.xml location of every
// tuner-enabled user and announces those devices once a minute.
type SSDP struct {
	log       logrus.FieldLogger
	responder *Responder
	users     Directory
	addr      string

	mu     sync.Mutex
	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSSDP creates a responder listening on addr, normally ":1900".
func NewSSDP(log logrus.FieldLogger, responder *Responder, users Directory, addr string) *SSDP {
	return &SSDP{
		log:       log.WithField("component", "ssdp"),
		responder: responder,
		users:     users,
		addr:      addr,
	}
}

// Start binds the UDP socket, joins the SSDP multicast group on every
// multicast interface and starts answering searches.
func (s *SSDP) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil // Already running
	}

	conn, err := net.ListenPacket("udp4", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for SSDP on %s: %w", s.addr, err)
	}

	s.joinGroup(conn)

	runCtx, cancel := context.WithCancel(ctx)

	s.conn = conn
	s.cancel = cancel

	s.wg.Add(2)

	go s.serve(runCtx, conn)
	go s.announce(runCtx, conn)

	s.log.WithField("addr", conn.LocalAddr().String()).Info("SSDP responder started")

	return nil
}

// Addr returns the bound address, or nil when not running.
func (s *SSDP) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for the responder to exit.
func (s *SSDP) Stop() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	cancel()

	err := conn.Close()

	s.wg.Wait()

	s.log.Info("SSDP responder stopped")

	return err
}

func (s *SSDP) joinGroup(conn net.PacketConn) {
	p := ipv4.NewPacketConn(conn)

	if err := p.SetMulticastTTL(ssdpTTL); err != nil {
		s.log.WithError(err).Debug("Failed to set SSDP multicast TTL")
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		s.log.WithError(err).Warn("Failed to list network interfaces")

		return
	}

	joined := 0

	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}

		if err := p.JoinGroup(ifi, ssdpGroup); err != nil {
			s.log.WithError(err).WithField("interface", ifi.Name).Debug("Failed to join SSDP group")

			continue
		}

		joined++
	}

	if joined == 0 {
		s.log.Warn("SSDP multicast group not joined, only unicast searches are answered")
	}
}

func (s *SSDP) serve(ctx context.Context, conn net.PacketConn) {
	defer s.wg.Done()

	buf := make([]byte, 2048)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.WithError(err).Debug("SSDP read error")

			continue
		}

		st, ok := parseSearch(buf[:n])
		if !ok {
			continue
		}

		responses := s.searchResponses(st)

		for _, msg := range responses {
			if _, err := conn.WriteTo(msg, addr); err != nil {
				s.log.WithError(err).WithField("to", addr.String()).Warn("Failed to answer M-SEARCH")

				break
			}
		}

		s.log.WithFields(logrus.Fields{
			"from":      addr.String(),
			"st":        st,
			"responses": len(responses),
		}).Debug("Answered M-SEARCH")
	}
}

func (s *SSDP) announce(ctx context.Context, conn net.PacketConn) {
	defer s.wg.Done()

	ticker := time.NewTicker(notifyInterval)
	defer ticker.Stop()

	for {
		for _, msg := range s.notifications() {
			if _, err := conn.WriteTo(msg, ssdpGroup); err != nil {
				s.log.WithError(err).Debug("Failed to send SSDP NOTIFY")

				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// parseSearch returns the search target of an M-SEARCH discovery request
// when it is one this device answers.
func parseSearch(msg []byte) (string, bool) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(msg)))

	line, err := reader.ReadLine()
	if err != nil || !strings.HasPrefix(line, "M-SEARCH ") {
		return "", false
	}

	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return "", false
	}

	if strings.Trim(header.Get("Man"), `"`) != "ssdp:discover" {
		return "", false
	}

	switch st := header.Get("St"); st {
	case ssdpAll, ssdpRootDevice, ssdpDeviceType:
		return st, true
	default:
		return "", false
	}
}

// searchResponses builds the unicast replies to a search for st, one per
// user and target.
func (s *SSDP) searchResponses(st string) [][]byte {
	date := time.Now().UTC().Format(http.TimeFormat)
	out := make([][]byte, 0, 4)

	for _, user := range s.users.HDHRUsers() {
		udn := "uuid:" + s.responder.UDN(user.Username)

		targets := []string{st}
		if st == ssdpAll {
			targets = []string{ssdpRootDevice, udn, ssdpDeviceType}
		}

		for _, target := range targets {
			out = append(out, ssdpMessage("HTTP/1.1 200 OK",
				fmt.Sprintf("CACHE-CONTROL: max-age=%d", ssdpMaxAge),
				"DATE: "+date,
				"EXT:",
				"LOCATION: "+s.location(user),
				"SERVER: "+ssdpServer,
				"ST: "+target,
				"USN: "+usn(udn, target),
				"BOOTID.UPNP.ORG: 1",
				"CONFIGID.UPNP.ORG: 1",
			))
		}
	}

	return out
}

// notifications builds the ssdp:alive announcements for every user.
func (s *SSDP) notifications() [][]byte {
	out := make([][]byte, 0, 3)

	for _, user := range s.users.HDHRUsers() {
		udn := "uuid:" + s.responder.UDN(user.Username)

		for _, nt := range []string{ssdpRootDevice, udn, ssdpDeviceType} {
			out = append(out, ssdpMessage("NOTIFY * HTTP/1.1",
				"HOST: "+ssdpGroup.String(),
				fmt.Sprintf("CACHE-CONTROL: max-age=%d", ssdpMaxAge),
				"LOCATION: "+s.location(user),
				"NT: "+nt,
				"NTS: ssdp:alive",
				"SERVER: "+ssdpServer,
				"USN: "+usn(udn, nt),
				"BOOTID.UPNP.ORG: 1",
				"CONFIGID.UPNP.ORG: 1",
			))
		}
	}

	return out
}

func (s *SSDP) location(user auth.Entitlement) string {
	return s.responder.BaseURL(user.Token) + "/device.xml"
}

func usn(udn, target string) string {
	if strings.HasPrefix(target, "uuid:") {
		return udn
	}

	return udn + "::" + target
}

func ssdpMessage(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}
