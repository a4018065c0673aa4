// Package api provides the HTTP status and control surface
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/capture"
	"github.com/mikeyg42/stillwatch/internal/config"
	"github.com/mikeyg42/stillwatch/internal/device"
	"github.com/mikeyg42/stillwatch/internal/metrics"
	"github.com/mikeyg42/stillwatch/internal/monitor"
	"github.com/mikeyg42/stillwatch/internal/motion"
	"github.com/mikeyg42/stillwatch/internal/notification"
	"github.com/mikeyg42/stillwatch/internal/session"
	"github.com/mikeyg42/stillwatch/internal/storage"
	"github.com/mikeyg42/stillwatch/internal/types"
)

// SessionControl is the session controller surface the API drives
type SessionControl interface {
	Start(sessionID string) (string, error)
	StopWithReason(reason string) error
	Status() session.Status
}

// NotificationControl is the dispatcher surface the API drives
type NotificationControl interface {
	SendTest(ctx context.Context) types.DeliveryOutcome
	TestConnectivity(ctx context.Context) bool
	Status() notification.Status
}

// Camera is the capture source surface the API drives
type Camera interface {
	Status() capture.Status
	Snapshot() (types.Frame, error)
	Release(f types.Frame)
	Properties() map[device.Property]float64
	SetProperty(p device.Property, value float64) error
	GetProperty(p device.Property) (float64, error)
}

// MotionControl is the change detector surface the API drives
type MotionControl interface {
	UpdateSensitivity(s float64) error
	SetRegion(roi types.RegionOfInterest) error
	Sensitivity() float64
	Region() types.RegionOfInterest
	Stats() motion.Stats
}

// PipelineReporter reports frame counters
type PipelineReporter interface {
	Stats() monitor.PipelineStats
}

// ImageArchive lists stored alert images
type ImageArchive interface {
	List() ([]storage.ImageInfo, error)
	Open(name string) (string, error)
}

// DeliveryHistory reads past deliveries
type DeliveryHistory interface {
	RecentDeliveries(ctx context.Context, limit int) ([]storage.DeliveryEntry, error)
}

// Deps are the components behind the API. Session and Dispatcher are
// required; the rest may be nil and their routes answer 503.
type Deps struct {
	Session    SessionControl
	Dispatcher NotificationControl
	Camera     Camera
	Motion     MotionControl
	Pipeline   PipelineReporter
	Encoder    notification.ImageEncoder
	Images     ImageArchive
	History    DeliveryHistory
	Metrics    *metrics.Metrics
	Hub        *Hub
}

// Server is the HTTP API server
type Server struct {
	httpServer  *http.Server
	deps        Deps
	testLimiter *RateLimiter
	logger      *zap.Logger
	started     time.Time
}

// NewServer creates a server listening on cfg.ListenAddr
func NewServer(cfg config.APIConfig, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	s := &Server{
		deps:        deps,
		testLimiter: NewRateLimiter(cfg.TestRateLimit, time.Minute, logger),
		logger:      logger,
		started:     time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        corsMiddleware(cfg.AllowedOrigins, mux),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)

	mux.HandleFunc("POST /api/notification/test", s.testLimiter.Middleware(s.handleNotificationTest))
	mux.HandleFunc("GET /api/notification/check", s.handleNotificationCheck)

	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/camera/properties", s.handleGetProperties)
	mux.HandleFunc("PUT /api/camera/properties/{name}", s.handleSetProperty)

	mux.HandleFunc("GET /api/motion/sensitivity", s.handleGetSensitivity)
	mux.HandleFunc("PUT /api/motion/sensitivity", s.handleSetSensitivity)
	mux.HandleFunc("GET /api/motion/roi", s.handleGetRegion)
	mux.HandleFunc("PUT /api/motion/roi", s.handleSetRegion)

	mux.HandleFunc("GET /api/alerts/images", s.handleListImages)
	mux.HandleFunc("GET /api/alerts/images/{name}", s.handleGetImage)
	mux.HandleFunc("GET /api/history/deliveries", s.handleDeliveries)

	if s.deps.Hub != nil {
		mux.Handle("GET /ws", s.deps.Hub)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// corsMiddleware echoes whitelisted origins
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground runs Start in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.testLimiter.Stop()
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func formatSeconds(d time.Duration) string {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return strconv.Itoa(secs)
}

// decodeBody reads a JSON body of at most 64 KiB. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
