package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
)

// InboundMesh accepts upgraded peer connections. Implemented by
// gun.Manager.
type InboundMesh interface {
	AttachInbound(id string, conn *websocket.Conn)
}

// SocketGateway serves GET /gun: the websocket endpoint whitelisted peers
// dial. Hosts outside the whitelist are rejected with a security log; the
// whitelist is never widened at runtime.
type SocketGateway struct {
	mesh     InboundMesh
	allowed  map[string]bool
	upgrader websocket.Upgrader
	seclog   *logrus.Entry
}

// NewSocketGateway builds the gateway from the configured peer whitelist.
// The allowed set is the hostnames of the whitelist URLs; an empty
// whitelist admits no inbound peers at all.
func NewSocketGateway(mesh InboundMesh, peers []string) *SocketGateway {
	allowed := make(map[string]bool, len(peers))
	for _, raw := range peers {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			allowed[strings.ToLower(u.Hostname())] = true
		}
	}
	return &SocketGateway{
		mesh:    mesh,
		allowed: allowed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The whitelist decides admission; browser-style origin
			// checking does not apply to peer links.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		seclog: common.SecurityLogger("gun-gateway"),
	}
}

// Handle upgrades the connection and serves it until the peer drops. The
// request goroutine is occupied for the life of the link, which is how the
// mesh manager expects to be fed.
func (g *SocketGateway) Handle(c echo.Context) error {
	req := c.Request()
	host := peerHost(req)
	if !g.allowed[host] {
		g.seclog.WithFields(logrus.Fields{
			"remote": req.RemoteAddr,
			"origin": req.Header.Get("Origin"),
		}).Warn("inbound gun peer outside whitelist rejected")
		return echo.NewHTTPError(http.StatusForbidden, "peer not in whitelist")
	}

	conn, err := g.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		return nil
	}
	g.mesh.AttachInbound("in:"+req.RemoteAddr, conn)
	return nil
}

// peerHost names the connecting peer: the Origin host when one is sent,
// otherwise the remote address.
func peerHost(req *http.Request) string {
	if origin := req.Header.Get("Origin"); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return strings.ToLower(req.RemoteAddr)
	}
	return strings.ToLower(host)
}
