package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/capture"
	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/device"
	"github.com/mikeyg42/stillwatch/internal/monitor"
	"github.com/mikeyg42/stillwatch/internal/motion"
	"github.com/mikeyg42/stillwatch/internal/notification"
	"github.com/mikeyg42/stillwatch/internal/session"
	"github.com/mikeyg42/stillwatch/internal/storage"
	"github.com/mikeyg42/stillwatch/internal/types"
)

const (
	checkTimeout        = 30 * time.Second
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// StatusResponse is the combined view served at /api/status
type StatusResponse struct {
	Session      session.Status         `json:"session"`
	Notification notification.Status    `json:"notification"`
	Capture      *capture.Status        `json:"capture,omitempty"`
	Detector     *motion.Stats          `json:"detector,omitempty"`
	Pipeline     *monitor.PipelineStats `json:"pipeline,omitempty"`
	Clients      int                    `json:"websocket_clients"`
	Uptime       float64                `json:"uptime_seconds"`
}

type startRequest struct {
	SessionID string `json:"session_id"`
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

type sensitivityRequest struct {
	Sensitivity *float64 `json:"sensitivity"`
}

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Camera != nil {
		resp["camera_connected"] = s.deps.Camera.Status().Connected
	}
	resp["session_active"] = s.deps.Session.Status().IsActive
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session:      s.deps.Session.Status(),
		Notification: s.deps.Dispatcher.Status(),
		Uptime:       time.Since(s.started).Seconds(),
	}
	if s.deps.Camera != nil {
		st := s.deps.Camera.Status()
		resp.Capture = &st
	}
	if s.deps.Motion != nil {
		st := s.deps.Motion.Stats()
		resp.Detector = &st
	}
	if s.deps.Pipeline != nil {
		st := s.deps.Pipeline.Stats()
		resp.Pipeline = &st
	}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionStart handles POST /api/session/start. A running session is
// restarted.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.deps.Session.Start(req.SessionID)
	if err != nil {
		s.logger.Error("Failed to start session", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("Session started via API", zap.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     s.deps.Session.Status(),
	})
}

// handleSessionStop handles POST /api/session/stop
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Session.StopWithReason(session.ReasonManual)
	switch {
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, "no active session")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("Session stopped via API")
	writeJSON(w, http.StatusOK, map[string]any{"status": s.deps.Session.Status()})
}

// handleNotificationTest handles POST /api/notification/test
func (s *Server) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	out := s.deps.Dispatcher.SendTest(ctx)
	status := http.StatusOK
	if !out.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

// handleNotificationCheck handles GET /api/notification/check
func (s *Server) handleNotificationCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	ok := s.deps.Dispatcher.TestConnectivity(ctx)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"reachable": ok,
		"transport": s.deps.Dispatcher.Status().Transport,
	})
}

// handleSnapshot handles GET /api/snapshot
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Camera == nil || s.deps.Encoder == nil {
		writeError(w, http.StatusServiceUnavailable, "camera not available")
		return
	}

	f, err := s.deps.Camera.Snapshot()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot failed: "+err.Error())
		return
	}
	data, err := s.deps.Encoder.Encode(f)
	s.deps.Camera.Release(f)
	if err != nil {
		s.logger.Error("Failed to encode snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}

	w.Header().Set("Content-Type", s.deps.Encoder.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleGetProperties handles GET /api/camera/properties
func (s *Server) handleGetProperties(w http.ResponseWriter, r *http.Request) {
	if s.deps.Camera == nil {
		writeError(w, http.StatusServiceUnavailable, "camera not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Camera.Properties())
}

// handleSetProperty handles PUT /api/camera/properties/{name}
func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	if s.deps.Camera == nil {
		writeError(w, http.StatusServiceUnavailable, "camera not available")
		return
	}
	p, err := device.ParseProperty(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req valueRequest
	if err := decodeBody(r, &req, false); err != nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"value\": <number>}")
		return
	}

	if err := s.deps.Camera.SetProperty(p, *req.Value); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	resp := map[string]any{"property": p, "requested": *req.Value}
	if v, err := s.deps.Camera.GetProperty(p); err == nil {
		resp["value"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetSensitivity handles GET /api/motion/sensitivity
func (s *Server) handleGetSensitivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Motion == nil {
		writeError(w, http.StatusServiceUnavailable, "detector not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"sensitivity": s.deps.Motion.Sensitivity()})
}

// handleSetSensitivity handles PUT /api/motion/sensitivity
func (s *Server) handleSetSensitivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Motion == nil {
		writeError(w, http.StatusServiceUnavailable, "detector not available")
		return
	}
	var req sensitivityRequest
	if err := decodeBody(r, &req, false); err != nil || req.Sensitivity == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"sensitivity\": <number>}")
		return
	}
	if err := s.deps.Motion.UpdateSensitivity(*req.Sensitivity); err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"sensitivity": s.deps.Motion.Sensitivity()})
}

// handleGetRegion handles GET /api/motion/roi
func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Motion == nil {
		writeError(w, http.StatusServiceUnavailable, "detector not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Motion.Region())
}

// handleSetRegion handles PUT /api/motion/roi. The detector relearns its
// background afterwards.
func (s *Server) handleSetRegion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Motion == nil {
		writeError(w, http.StatusServiceUnavailable, "detector not available")
		return
	}
	var roi types.RegionOfInterest
	if err := decodeBody(r, &roi, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid region: "+err.Error())
		return
	}
	if err := s.deps.Motion.SetRegion(roi); err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Motion.Region())
}

// handleListImages handles GET /api/alerts/images
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		writeError(w, http.StatusServiceUnavailable, "image archive disabled")
		return
	}
	images, err := s.deps.Images.List()
	if err != nil {
		s.logger.Error("Failed to list alert images", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if images == nil {
		images = []storage.ImageInfo{}
	}
	writeJSON(w, http.StatusOK, images)
}

// handleGetImage handles GET /api/alerts/images/{name}
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		writeError(w, http.StatusServiceUnavailable, "image archive disabled")
		return
	}
	path, err := s.deps.Images.Open(r.PathValue("name"))
	if err != nil {
		if storage.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "image not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

// handleDeliveries handles GET /api/history/deliveries?limit=N
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.deps.History.RecentDeliveries(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read delivery history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []storage.DeliveryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeConfigError(w http.ResponseWriter, err error) {
	var cerr *config.ConfigError
	if errors.As(err, &cerr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": cerr.Reason,
			"field": cerr.Field,
		})
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err.Error())
}
