package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"synapse/internal/dispatch"
	"synapse/internal/events"
	"synapse/internal/registry"
	"synapse/internal/statesync"
)

type testCore struct {
	registry     *registry.Registry
	synchronizer *statesync.Synchronizer
	dispatcher   *dispatch.Dispatcher
	server       *Server
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New(registry.DefaultOptions(), bus, zap.NewNop())
	syncer := statesync.New(statesync.DefaultOptions(), bus, zap.NewNop())
	classifier := dispatch.Classifier{Engaged: reg.IsEngaged}
	disp := dispatch.New(dispatch.DefaultOptions(), classifier, bus, zap.NewNop())

	process := func(context.Context, dispatch.Message) error { return nil }
	return &testCore{
		registry:     reg,
		synchronizer: syncer,
		dispatcher:   disp,
		server:       New(reg, syncer, disp, process, zap.NewNop()),
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	require.NoError(t, websocket.JSON.Send(conn, frame))
}

func recv(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame Frame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	return frame
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestGateway_RegisterAndEngagementReport(t *testing.T) {
	core := newTestCore(t)
	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	send(t, conn, Frame{
		Type:     "module_register",
		ModuleID: "vision",
		Payload:  rawPayload(t, map[string]string{"role": "perception"}),
	})
	reply := recv(t, conn)
	assert.Equal(t, "registered", reply.Type)

	send(t, conn, Frame{Type: "get_engagement_report"})
	report := recv(t, conn)
	require.Equal(t, "engagement_report", report.Type)

	var payload struct {
		TotalModules int `json:"totalModules"`
	}
	require.NoError(t, json.Unmarshal(report.Payload, &payload))
	assert.Equal(t, 1, payload.TotalModules)
}

func TestGateway_RegisterConflictReturnsError(t *testing.T) {
	core := newTestCore(t)
	_, err := core.registry.Register("vision", "perception")
	require.NoError(t, err)

	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	send(t, conn, Frame{
		Type:     "module_register",
		ModuleID: "vision",
		Payload:  rawPayload(t, map[string]string{"role": "motor"}),
	})
	reply := recv(t, conn)
	assert.Equal(t, "error", reply.Type)
}

func TestGateway_StateUpdateAndStaleBase(t *testing.T) {
	core := newTestCore(t)
	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	send(t, conn, Frame{
		Type:    "consciousness_state_update",
		Payload: rawPayload(t, map[string]any{"fields": map[string]any{"phi": 0.7}}),
	})
	reply := recv(t, conn)
	require.Equal(t, "state_updated", reply.Type)

	var updated struct {
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(reply.Payload, &updated))
	assert.Equal(t, uint64(1), updated.Version)

	// A stale expected base is rejected without changing the state.
	stale := uint64(0)
	send(t, conn, Frame{
		Type: "consciousness_state_update",
		Payload: rawPayload(t, map[string]any{
			"fields":              map[string]any{"phi": 0.1},
			"expectedBaseVersion": stale,
		}),
	})
	reply = recv(t, conn)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, uint64(1), core.synchronizer.MasterSnapshot().Version)
	assert.Equal(t, 0.7, core.synchronizer.MasterSnapshot().Fields["phi"])
}

func TestGateway_ConnectionReceivesStatePushes(t *testing.T) {
	core := newTestCore(t)
	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	send(t, conn, Frame{Type: "module_register", ModuleID: "vision"})
	reply := recv(t, conn)
	require.Equal(t, "registered", reply.Type)

	_, err := core.synchronizer.UpdateMasterState(statesync.Fields{"phi": 0.9})
	require.NoError(t, err)
	core.synchronizer.PropagateOnce(context.Background())

	push := recv(t, conn)
	require.Equal(t, "state_sync", push.Type)

	var payload struct {
		Version uint64             `json:"version"`
		Fields  map[string]float64 `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(push.Payload, &payload))
	assert.Equal(t, uint64(1), payload.Version)
	assert.Equal(t, 0.9, payload.Fields["phi"])
}

func TestGateway_ReconnectKeepsNewConnectionBound(t *testing.T) {
	core := newTestCore(t)
	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()

	old := dialWS(t, ts)
	send(t, old, Frame{Type: "module_register", ModuleID: "vision"})
	require.Equal(t, "registered", recv(t, old).Type)

	fresh := dialWS(t, ts)
	send(t, fresh, Frame{Type: "module_register", ModuleID: "vision"})
	require.Equal(t, "registered", recv(t, fresh).Type)

	// Tearing down the old connection must not sever pushes to the new one.
	require.NoError(t, old.Close())

	for i := 0; i < 3; i++ {
		_, err := core.synchronizer.UpdateMasterState(statesync.Fields{"phi": 0.1 * float64(i+1)})
		require.NoError(t, err)
		core.synchronizer.PropagateOnce(context.Background())

		push := recv(t, fresh)
		require.Equal(t, "state_sync", push.Type)
	}
}

func TestGateway_ActivityFeedsRegistryAndDispatcher(t *testing.T) {
	core := newTestCore(t)
	_, err := core.registry.Register("vision", "perception")
	require.NoError(t, err)

	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	send(t, conn, Frame{
		Type:     "module_activity",
		ModuleID: "vision",
		Payload:  rawPayload(t, map[string]float64{"intensity": 0.9}),
	})

	// Activity is recorded and the message queued for dispatch.
	assert.Eventually(t, func() bool {
		mod, ok := core.registry.Lookup("vision")
		return ok && mod.ProcessingIntensity > 0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return core.dispatcher.Stats().QueueLengths["background"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_UnknownFrameIsDispatchedNotFatal(t *testing.T) {
	core := newTestCore(t)
	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()
	conn := dialWS(t, ts)

	send(t, conn, Frame{Type: "totally_unknown", Payload: rawPayload(t, map[string]int{"n": 1})})

	assert.Eventually(t, func() bool {
		return core.dispatcher.Stats().QueueLengths["background"] == 1
	}, time.Second, 5*time.Millisecond)

	// Connection is still usable afterwards.
	send(t, conn, Frame{Type: "get_processing_stats"})
	reply := recv(t, conn)
	assert.Equal(t, "processing_stats", reply.Type)
}

func TestGateway_HealthEndpoint(t *testing.T) {
	core := newTestCore(t)
	ts := httptest.NewServer(core.server.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/up")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
