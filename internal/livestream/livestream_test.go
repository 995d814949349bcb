package livestream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/internal/model"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLogServer_BroadcastsEmittedLine(t *testing.T) {
	s := NewLogServer("node-a", nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)

	waitForPeerCount(t, func() int { return s.PeerCount() }, 1)

	s.Broadcast(model.LogEvent{SourceTimestamp: "2026-01-01T00:00:00Z", Line: "ERROR: disk full"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg logMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "live_log", msg.Type)
	assert.Equal(t, "node-a", msg.NodeID)
	assert.Equal(t, "ERROR: disk full", msg.Log)
}

func TestLogServer_DeregistersPeerOnDisconnect(t *testing.T) {
	s := NewLogServer("node-a", nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	waitForPeerCount(t, func() int { return s.PeerCount() }, 1)

	require.NoError(t, conn.Close())
	waitForPeerCount(t, func() int { return s.PeerCount() }, 0)
}

func TestTelemetryServer_SendsWelcomeOnConnect(t *testing.T) {
	s := NewTelemetryServer("node-a", 3*time.Second, nil, nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg welcomeMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "welcome", msg.Type)
	assert.Equal(t, "node-a", msg.NodeID)
	assert.Equal(t, 3.0, msg.BroadcastInterval)
}

func TestTelemetryServer_BroadcastsSnapshot(t *testing.T) {
	s := NewTelemetryServer("node-a", time.Second, nil, nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage() // welcome
	require.NoError(t, err)

	s.BroadcastSnapshot(model.MetricSnapshot{NodeID: "node-a", CPUPercent: 42})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg snapshotMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "metrics", msg.Type)
	assert.Equal(t, 42.0, msg.Data.CPUPercent)
}

func TestTelemetryServer_RepliesPongToPing(t *testing.T) {
	s := NewTelemetryServer("node-a", time.Second, nil, nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage() // welcome
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(peerCommand{Command: "ping"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg pongMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "pong", msg.Type)
}

func TestTelemetryServer_RepliesToGetMetricsWithSample(t *testing.T) {
	sampleCalls := 0
	sampleFn := func() model.MetricSnapshot {
		sampleCalls++
		return model.MetricSnapshot{NodeID: "node-a", CPUPercent: 7}
	}
	s := NewTelemetryServer("node-a", time.Second, sampleFn, nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage() // welcome
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(peerCommand{Command: "get_metrics"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg snapshotMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, 7.0, msg.Data.CPUPercent)
	assert.Equal(t, 1, sampleCalls)
}

func TestLogServer_RejectsUpgradeWhenInactive(t *testing.T) {
	s := NewLogServer("node-a", nil, nil)
	s.SetActive(false)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestTelemetryServer_SkipsBroadcastWhenInactive(t *testing.T) {
	s := NewTelemetryServer("node-a", time.Second, nil, nil, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dialWS(t, srv)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage() // welcome
	require.NoError(t, err)

	s.SetActive(false)
	s.BroadcastSnapshot(model.MetricSnapshot{NodeID: "node-a", CPUPercent: 99})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func waitForPeerCount(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, want, count())
}
