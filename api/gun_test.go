package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMesh hands each inbound connection id to the test and closes the
// connection, releasing the handler goroutine.
type recordingMesh struct {
	attached chan string
}

func newRecordingMesh() *recordingMesh {
	return &recordingMesh{attached: make(chan string, 1)}
}

func (m *recordingMesh) AttachInbound(id string, conn *websocket.Conn) {
	m.attached <- id
	conn.Close()
}

func TestSocketGatewayRejectsUnlistedPeer(t *testing.T) {
	mesh := newRecordingMesh()
	g := NewSocketGateway(mesh, []string{"ws://peer-one:8765/gun"})

	c, _ := jsonCtx(http.MethodGet, "/gun", "")
	c.Request().RemoteAddr = "203.0.113.9:51000"
	err := g.Handle(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Empty(t, mesh.attached)
}

func TestSocketGatewayEmptyWhitelistAdmitsNobody(t *testing.T) {
	mesh := newRecordingMesh()
	g := NewSocketGateway(mesh, nil)

	c, _ := jsonCtx(http.MethodGet, "/gun", "")
	err := g.Handle(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestSocketGatewayAdmitsWhitelistedOrigin(t *testing.T) {
	mesh := newRecordingMesh()
	g := NewSocketGateway(mesh, []string{"ws://peer-one:8765/gun"})

	e := echo.New()
	e.GET("/gun", g.Handle)
	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/gun"
	header := http.Header{"Origin": []string{"http://peer-one:8765"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	select {
	case id := <-mesh.attached:
		assert.True(t, strings.HasPrefix(id, "in:"))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound connection never reached the mesh")
	}
}

func TestSocketGatewayDeniesUnlistedOriginOverWire(t *testing.T) {
	mesh := newRecordingMesh()
	g := NewSocketGateway(mesh, []string{"ws://peer-one:8765/gun"})

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.GET("/gun", g.Handle)
	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/gun"
	header := http.Header{"Origin": []string{"http://intruder.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, mesh.attached)
}

func TestPeerHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/gun", nil)
	req.Header.Set("Origin", "https://Peer-One:8765")
	assert.Equal(t, "peer-one", peerHost(req))

	req = httptest.NewRequest(http.MethodGet, "/gun", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	assert.Equal(t, "203.0.113.9", peerHost(req))
}
