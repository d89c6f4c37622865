// Package httpapi exposes the host's admin REST API: instance lifecycle,
// rollout control, update management, and a live event stream.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperr "github.com/miniapphost/runtime/internal/errors"
	"github.com/miniapphost/runtime/internal/events"
	"github.com/miniapphost/runtime/internal/manifest"
	"github.com/miniapphost/runtime/internal/metrics"
	"github.com/miniapphost/runtime/internal/middleware"
	"github.com/miniapphost/runtime/internal/ota"
	"github.com/miniapphost/runtime/internal/permission"
	"github.com/miniapphost/runtime/internal/rollout"
	"github.com/miniapphost/runtime/internal/runtime"
	"github.com/miniapphost/runtime/pkg/logger"
)

// Server bundles the admin HTTP endpoints.
type Server struct {
	runtime  *runtime.Manager
	rollouts *rollout.Manager
	updates  *ota.Manager
	perms    *permission.Manager
	events   events.Logger
	metrics  metrics.Collector
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// Config wires the server's collaborators and middleware settings.
type Config struct {
	Runtime  *runtime.Manager
	Rollouts *rollout.Manager
	Updates  *ota.Manager
	Perms    *permission.Manager
	Events   events.Logger
	Metrics  metrics.Collector
	Log      *logger.Logger

	JWTSecret   string
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// New builds the routed handler with auth and rate limiting applied.
func New(cfg Config) http.Handler {
	s := &Server{
		runtime:  cfg.Runtime,
		rollouts: cfg.Rollouts,
		updates:  cfg.Updates,
		perms:    cfg.Perms,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		log:      cfg.Log.Component("httpapi"),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if reg := cfg.Metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/instances", s.listInstances).Methods(http.MethodGet)
	v1.HandleFunc("/instances", s.loadInstance).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{appID}", s.instanceStatus).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{appID}", s.stopInstance).Methods(http.MethodDelete)
	v1.HandleFunc("/instances/{appID}/execute", s.execute).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{appID}/reload", s.reload).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{appID}/suspend", s.suspend).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{appID}/resume", s.resume).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{appID}/permissions", s.listPermissions).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{appID}/permissions/{capability}", s.revokePermission).Methods(http.MethodDelete)

	v1.HandleFunc("/rollouts/{appID}", s.getRollout).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{appID}", s.configureRollout).Methods(http.MethodPut)
	v1.HandleFunc("/rollouts/{appID}", s.removeRollout).Methods(http.MethodDelete)
	v1.HandleFunc("/rollouts/{appID}/eligibility", s.eligibility).Methods(http.MethodGet)
	v1.HandleFunc("/rollouts/{appID}/killswitch", s.killSwitch).Methods(http.MethodPost)
	v1.HandleFunc("/rollouts/{appID}/killswitch", s.clearKillSwitch).Methods(http.MethodDelete)

	v1.HandleFunc("/updates/{appID}/check", s.checkUpdate).Methods(http.MethodPost)
	v1.HandleFunc("/updates/{appID}/apply", s.applyUpdate).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.recentEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", s.streamEvents).Methods(http.MethodGet)

	auth := middleware.NewAuth(cfg.JWTSecret, []string{"/health", "/metrics"}, cfg.Log)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Log)
	handler := auth.Handler(limiter.Handler(r))
	if len(cfg.CORSOrigins) > 0 {
		handler = middleware.NewCORS(cfg.CORSOrigins).Handler(handler)
	}
	return handler
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Instances())
}

type loadRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
	User     rollout.User      `json:"user"`
}

func (s *Server) loadInstance(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.runtime.LoadMiniApp(r.Context(), &req.Manifest, req.User); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"appId":   req.Manifest.AppID,
		"version": req.Manifest.Version,
	})
}

func (s *Server) instanceStatus(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appID"]
	status, err := s.runtime.Status(appID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appId": appID, "status": status})
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.StopMiniApp(r.Context(), mux.Vars(r)["appID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &input); err != nil {
			writeError(w, err)
			return
		}
	}
	output, err := s.runtime.Execute(r.Context(), mux.Vars(r)["appID"], input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": output})
}

type reloadRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
	Payload  []byte            `json:"payload"` // base64 in JSON
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Manifest.AppID = mux.Vars(r)["appID"]
	if err := s.runtime.Reload(r.Context(), &req.Manifest, req.Payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appId":   req.Manifest.AppID,
		"version": req.Manifest.Version,
	})
}

func (s *Server) suspend(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Suspend(r.Context(), mux.Vars(r)["appID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Resume(r.Context(), mux.Vars(r)["appID"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appID"]
	writeJSON(w, http.StatusOK, map[string]any{
		"appId":  appID,
		"grants": s.perms.Grants(appID),
	})
}

func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.perms.RevokePermission(vars["appID"], vars["capability"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRollout(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appID"]
	cfg, ok := s.rollouts.Config(appID)
	if !ok {
		writeError(w, apperr.Newf(apperr.CodeNotFound, "no rollout plan for %s", appID))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) configureRollout(w http.ResponseWriter, r *http.Request) {
	var cfg rollout.Config
	if err := decodeJSON(r.Body, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.AppID = mux.Vars(r)["appID"]
	if err := s.rollouts.Configure(cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) removeRollout(w http.ResponseWriter, r *http.Request) {
	s.rollouts.Remove(mux.Vars(r)["appID"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) eligibility(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appID"]
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, apperr.New(apperr.CodeValidation, "userId query parameter is required"))
		return
	}
	user := rollout.User{ID: userID, Attributes: map[string]string{}}
	for key, values := range r.URL.Query() {
		if key != "userId" && len(values) > 0 {
			user.Attributes[key] = values[0]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appId":    appID,
		"userId":   userID,
		"eligible": s.rollouts.IsEligible(appID, user),
		"bucket":   rollout.Bucket(userID, appID),
	})
}

func (s *Server) killSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	s.rollouts.KillSwitch(mux.Vars(r)["appID"], req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.rollouts.ClearKillSwitch(mux.Vars(r)["appID"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkUpdate(w http.ResponseWriter, r *http.Request) {
	info, err := s.updates.Check(r.Context(), mux.Vars(r)["appID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) applyUpdate(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appID"]
	if err := s.updates.Update(r.Context(), appID); err != nil {
		writeError(w, err)
		return
	}
	version, _ := s.updates.Installed(r.Context(), appID)
	writeJSON(w, http.StatusOK, map[string]string{"appId": appID, "version": version})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if appID := r.URL.Query().Get("appId"); appID != "" {
		writeJSON(w, http.StatusOK, s.events.RecentByApp(appID, limit))
		return
	}
	writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

// streamEvents pushes lifecycle events over a websocket. A slow consumer
// loses events rather than stalling the runtime.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	appID := r.URL.Query().Get("appId")
	ch := make(chan events.Event, 256)
	unsubscribe := s.events.SubscribeFiltered(func(e events.Event) bool {
		return appID == "" || e.AppID == appID
	}, func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-ch:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func decodeJSON(body io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	writeJSON(w, httpStatus(code), map[string]errorBody{
		"error": {Code: string(code), Message: err.Error()},
	})
}

// httpStatus maps the failure taxonomy onto HTTP statuses.
func httpStatus(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeInvalidParams:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodePermissionDenied, apperr.CodeNetworkAccessDenied:
		return http.StatusForbidden
	case apperr.CodeNotFound, apperr.CodeInstanceNotFound, apperr.CodeMethodNotFound, apperr.CodeNoUpdate:
		return http.StatusNotFound
	case apperr.CodeRolloutIneligible:
		return http.StatusForbidden
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeBridgeTimeout, apperr.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeInstanceTerminated:
		return http.StatusConflict
	case apperr.CodeChecksumMismatch, apperr.CodeSignatureInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
