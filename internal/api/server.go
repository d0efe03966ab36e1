package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vigil/internal/auth"
	"vigil/internal/correlation"
	"vigil/internal/middleware"
	"vigil/internal/pipeline"
	"vigil/internal/service"
	"vigil/internal/store"
	"vigil/internal/stream"
	"vigil/internal/ws"
)

// Server is the control surface: camera and relationship management, stats,
// the websocket event stream, and the live view.
type Server struct {
	svc     *service.Service
	store   *store.Store
	auth    *auth.Manager
	secret  string
	handler http.Handler
	httpSrv *http.Server
}

// NewServer builds the server and its routes. The store may be nil, which
// disables the history endpoint.
func NewServer(addr string, svc *service.Service, st *store.Store, authMgr *auth.Manager, secret string) *Server {
	s := &Server{
		svc:    svc,
		store:  st,
		auth:   authMgr,
		secret: secret,
	}

	mux := http.NewServeMux()
	guard := middleware.Auth(authMgr)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /auth/token", s.handleToken)

	mux.Handle("POST /cameras", guard(http.HandlerFunc(s.handleAddCamera)))
	mux.Handle("DELETE /cameras/{id}", guard(http.HandlerFunc(s.handleRemoveCamera)))
	mux.Handle("POST /relationships", guard(http.HandlerFunc(s.handleAddRelationship)))

	mux.HandleFunc("GET /cameras", s.handleListCameras)
	mux.HandleFunc("GET /relationships", s.handleListRelationships)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /correlations", s.handleCorrelations)
	mux.HandleFunc("GET /events/recent", s.handleRecentEvents)

	mux.Handle("GET /ws/events", ws.NewHandler(svc.Publisher()))
	mux.HandleFunc("GET /video/live/{id}", svc.Viewer().ServeStream)
	mux.HandleFunc("GET /video/snapshot/{id}", svc.Viewer().ServeSnapshot)

	s.handler = logRequests(mux)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks serving the control API.
func (s *Server) ListenAndServe() error {
	log.Printf("[API] Listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"detector_healthy": stats.Detector.Healthy,
		"cameras":          len(stats.Cameras),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.auth.IsEnabled() {
		writeJSONError(w, http.StatusBadRequest, "authentication is disabled")
		return
	}

	var req struct {
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSONError(w, http.StatusBadRequest, "username and secret required")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secret)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	token, expiresAt, err := s.auth.GenerateToken(req.Username)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleAddCamera(w http.ResponseWriter, r *http.Request) {
	var cfg pipeline.CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid camera config: "+err.Error())
		return
	}

	if err := s.svc.AddCamera(cfg); err != nil {
		if errors.Is(err, stream.ErrCameraExists) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"camera_id": cfg.CameraID})
}

func (s *Server) handleRemoveCamera(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.RemoveCamera(id); err != nil {
		if errors.Is(err, stream.ErrCameraNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	var rel correlation.Relationship
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid relationship: "+err.Error())
		return
	}

	if err := s.svc.AddRelationship(rel); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats().Cameras)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Relationships())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Engine().OpenCorrelations())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "event history is not enabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recent, err := s.store.RecentThreatEvents(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Response encoding failed: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// logRequests writes one status-coded line per request. Streaming endpoints
// are skipped so an open MJPEG or websocket connection is not logged as
// pending forever.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/events" || strings.HasPrefix(r.URL.Path, "/video/live/") {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("[API] %s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(started).Round(time.Microsecond))
	})
}
