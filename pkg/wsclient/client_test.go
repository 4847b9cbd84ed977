package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			typ, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			if err := ws.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendReceiveEcho(t *testing.T) {
	srv := echoServer(t)
	ctx := context.Background()

	conn, err := Dial(ctx, wsURL(srv), nil, WithDialHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer conn.Close(int(websocket.StatusNormalClosure), "")

	require.NoError(t, conn.SendText(ctx, []byte(`{"setup": {}}`)))
	frame, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameText, frame.Type)
	assert.Equal(t, []byte(`{"setup": {}}`), frame.Data)

	require.NoError(t, conn.SendBinary(ctx, []byte{0x01, 0x02}))
	frame, err = conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameBinary, frame.Type)
	assert.Equal(t, []byte{0x01, 0x02}, frame.Data)
}

func TestPing(t *testing.T) {
	srv := echoServer(t)
	ctx := context.Background()

	conn, err := Dial(ctx, wsURL(srv), nil, WithDialHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer conn.Close(int(websocket.StatusNormalClosure), "")

	// The peer's read loop answers pings while it waits for frames.
	assert.NoError(t, conn.Ping(ctx, time.Second))
}

func TestReceiveReportsPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.Close(websocket.StatusGoingAway, "session expired")
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil, WithDialHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = conn.Receive(ctx)
	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, int(websocket.StatusGoingAway), closeErr.Code)
	assert.Equal(t, "session expired", closeErr.Reason)
	assert.Contains(t, closeErr.Error(), "session expired")
}

func TestDialRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no upgrade here", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), wsURL(srv), nil, WithDialHTTPClient(srv.Client()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
}
