// Package gateway is the WebSocket ingress for the routing core. Connected
// modules exchange JSON frames: activity heartbeats and state updates flow
// in, master state snapshots and report replies flow out. The gateway does
// no business logic of its own; every inbound frame is routed to the
// registry, the synchronizer or the dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"synapse/internal/dispatch"
	"synapse/internal/registry"
	"synapse/internal/statesync"
)

// Frame is the wire shape for both directions.
type Frame struct {
	Type     string          `json:"type"`
	ModuleID string          `json:"moduleId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Control frame types understood by the gateway itself. Anything else is
// classified and dispatched; unknown types never crash the pipeline.
const (
	frameRegister         = "module_register"
	frameActivity         = dispatch.TypeModuleActivity
	frameStateUpdate      = dispatch.TypeStateUpdate
	frameStatsRequest     = "get_processing_stats"
	frameSyncReport       = "get_sync_report"
	frameEngagementReport = "get_engagement_report"

	frameRegistered   = "registered"
	frameStateUpdated = "state_updated"
	frameStateSync    = "state_sync"
	frameError        = "error"
)

// Server routes gateway traffic into the core components.
type Server struct {
	registry     *registry.Registry
	synchronizer *statesync.Synchronizer
	dispatcher   *dispatch.Dispatcher
	process      dispatch.Handler
	log          *zap.Logger
}

// New creates a gateway server. process is the business handler handed to
// the dispatcher for every inbound message.
func New(reg *registry.Registry, syncer *statesync.Synchronizer, disp *dispatch.Dispatcher, process dispatch.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		registry:     reg,
		synchronizer: syncer,
		dispatcher:   disp,
		process:      process,
		log:          log,
	}
}

// Handler returns the HTTP handler exposing /up and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/ws", websocket.Handler(s.handleConn))
	return mux
}

// wsConn serializes writes to one connection. Replica pushes and request
// replies come from different goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.conn, v)
}

func (c *wsConn) sendDeadline(v any, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !deadline.IsZero() {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return websocket.JSON.Send(c.conn, v)
}

// connReplica delivers master state snapshots over a live connection.
type connReplica struct {
	conn *wsConn
}

type stateSyncPayload struct {
	Version uint64         `json:"version"`
	Fields  map[string]any `json:"fields"`
}

func (r connReplica) ApplyState(ctx context.Context, snap statesync.Snapshot) error {
	payload, err := json.Marshal(stateSyncPayload{Version: snap.Version, Fields: snap.Fields})
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	return r.conn.sendDeadline(Frame{Type: frameStateSync, Payload: payload}, deadline)
}

func (s *Server) handleConn(raw *websocket.Conn) {
	conn := &wsConn{conn: raw}
	defer raw.Close()

	var boundModule string
	defer func() {
		if boundModule != "" {
			// The view survives the disconnect; deliveries land in an
			// in-process replica until the module reconnects. If a newer
			// connection already re-bound the module, it stays bound.
			s.synchronizer.ReplaceReplicaIf(boundModule, connReplica{conn: conn}, &statesync.MemoryReplica{})
		}
	}()

	for {
		var frame Frame
		if err := websocket.JSON.Receive(raw, &frame); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("gateway receive failed", zap.Error(err))
			}
			return
		}
		if id := s.handleFrame(conn, frame); id != "" {
			boundModule = id
		}
	}
}

// handleFrame routes one frame. Returns the module id when the frame bound
// this connection as that module's replica endpoint.
func (s *Server) handleFrame(conn *wsConn, frame Frame) string {
	switch frame.Type {
	case frameRegister:
		return s.handleRegister(conn, frame)
	case frameActivity:
		s.handleActivity(conn, frame)
	case frameStateUpdate:
		s.handleStateUpdate(conn, frame)
	case frameStatsRequest:
		s.reply(conn, "processing_stats", processingStatsPayload(s.dispatcher.Stats()))
	case frameSyncReport:
		s.reply(conn, "sync_report", syncReportPayload(s.synchronizer.SyncReport()))
	case frameEngagementReport:
		s.reply(conn, "engagement_report", engagementReportPayload(s.registry.EngagementReport()))
	default:
		s.submit(conn, frame)
	}
	return ""
}

type registerPayload struct {
	Role string `json:"role"`
}

func (s *Server) handleRegister(conn *wsConn, frame Frame) string {
	if frame.ModuleID == "" {
		s.sendError(conn, "module id required")
		return ""
	}
	var payload registerPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.sendError(conn, "malformed register payload")
			return ""
		}
	}

	mod, err := s.registry.Register(frame.ModuleID, payload.Role)
	if err != nil {
		s.sendError(conn, err.Error())
		return ""
	}
	s.synchronizer.RegisterReplica(mod.ID, connReplica{conn: conn})
	s.reply(conn, frameRegistered, map[string]any{"moduleId": mod.ID})
	return mod.ID
}

type activityPayload struct {
	Intensity float64 `json:"intensity"`
}

func (s *Server) handleActivity(conn *wsConn, frame Frame) {
	var payload activityPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.sendError(conn, "malformed activity payload")
			return
		}
	}
	s.registry.RecordActivity(frame.ModuleID, payload.Intensity)
	s.submit(conn, frame)
}

type stateUpdatePayload struct {
	Fields              map[string]any `json:"fields"`
	ExpectedBaseVersion *uint64        `json:"expectedBaseVersion,omitempty"`
}

func (s *Server) handleStateUpdate(conn *wsConn, frame Frame) {
	var payload stateUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(conn, "malformed state update payload")
		return
	}

	var (
		version uint64
		err     error
	)
	if payload.ExpectedBaseVersion != nil {
		version, err = s.synchronizer.UpdateMasterStateAt(payload.Fields, *payload.ExpectedBaseVersion)
	} else {
		version, err = s.synchronizer.UpdateMasterState(payload.Fields)
	}
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	s.reply(conn, frameStateUpdated, map[string]any{"version": version})
	s.submit(conn, frame)
}

// submit hands the frame to the dispatcher as a message. Submission failures
// (shutdown) are reported to the peer but never terminate the connection.
func (s *Server) submit(conn *wsConn, frame Frame) {
	msg := dispatch.Message{
		Type:     frame.Type,
		ModuleID: frame.ModuleID,
		Payload:  frame.Payload,
	}
	if err := s.dispatcher.Submit(msg, s.process); err != nil {
		s.sendError(conn, err.Error())
	}
}

func (s *Server) reply(conn *wsConn, frameType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("gateway reply marshal failed", zap.Error(err))
		return
	}
	if err := conn.send(Frame{Type: frameType, Payload: raw}); err != nil {
		s.log.Debug("gateway reply failed", zap.Error(err))
	}
}

func (s *Server) sendError(conn *wsConn, msg string) {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	if err := conn.send(Frame{Type: frameError, Payload: raw}); err != nil {
		s.log.Debug("gateway error reply failed", zap.Error(err))
	}
}

// Wire payloads for the reporting frames. Field names match what module
// instrumentation expects.

func processingStatsPayload(stats dispatch.Stats) map[string]any {
	return map[string]any{
		"totalProcessed":      stats.TotalProcessed,
		"prioritizedMessages": stats.PrioritizedMessages,
		"prioritizationRate":  stats.PrioritizationRate,
		"queueLengths":        stats.QueueLengths,
	}
}

func syncReportPayload(report statesync.SyncReport) map[string]any {
	return map[string]any{
		"totalModules":        report.TotalModules,
		"perfectlySynced":     report.PerfectlySynced,
		"syncSuccessRate":     report.SyncSuccessRate,
		"averageAccuracy":     report.AverageAccuracy,
		"perfectSyncAchieved": report.PerfectSyncAchieved,
	}
}

func engagementReportPayload(report registry.EngagementReport) map[string]any {
	return map[string]any{
		"totalModules":    report.TotalModules,
		"fullyEngaged":    report.FullyEngaged,
		"targetModules":   report.TargetModules,
		"engagementScore": report.EngagementScore,
	}
}
