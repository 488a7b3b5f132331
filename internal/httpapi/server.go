// Package httpapi is the HTTP admin facade: status, version, health,
// Prometheus metrics, and the key-gated shutdown/restart controls.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arqonbus/arqonbus/internal/metrics"
	"github.com/arqonbus/arqonbus/internal/routing"
)

// ServiceName identifies this daemon in every JSON body.
const ServiceName = "arqonbus"

// Version is the reported daemon version.
const Version = "1.0.0"

// ControlFunc is invoked by the admin shutdown/restart endpoints.
type ControlFunc func(action string)

// APIServer exposes the operational surface next to the socket bus.
type APIServer struct {
	registry  *routing.Registry
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	apiKey    string
	control   ControlFunc
	logger    *log.Logger
	startedAt time.Time
}

// NewAPIServer wires the facade. An empty apiKey leaves the admin
// routes open, which is only sane in local development.
func NewAPIServer(registry *routing.Registry, m *metrics.Metrics, gatherer prometheus.Gatherer, apiKey string, control ControlFunc) *APIServer {
	return &APIServer{
		registry:  registry,
		metrics:   m,
		gatherer:  gatherer,
		apiKey:    apiKey,
		control:   control,
		logger:    log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
		startedAt: time.Now(),
	}
}

// Router builds the mux router with the counting middleware installed.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.metrics.HTTPRequests.WithLabelValues(req.URL.Path, req.Method).Inc()
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/version", s.handleVersion).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/admin/shutdown", s.requireKey(s.handleControl("shutdown"))).Methods("POST")
	r.HandleFunc("/admin/restart", s.requireKey(s.handleControl("restart"))).Methods("POST")
	return r
}

// requireKey gates admin routes on the X-API-Key header. Header lookup
// is case-insensitive per net/http canonicalization.
func (s *APIServer) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			provided := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
				s.writeError(w, r, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next(w, r)
	}
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"service":        ServiceName,
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"clients":        s.registry.ClientCount(),
		"rooms":          s.registry.Rooms(),
	})
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"service": ServiceName,
		"version": Version,
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"service": ServiceName,
		"status":  "healthy",
	})
}

func (s *APIServer) handleControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Printf("admin %s requested from %s", action, r.RemoteAddr)
		s.writeJSON(w, map[string]interface{}{
			"service": ServiceName,
			"status":  action + "_initiated",
		})
		if s.control != nil {
			// Run after the response is flushed.
			go s.control(action)
		}
	}
}

func (s *APIServer) writeJSON(w http.ResponseWriter, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.metrics.HTTPErrors.WithLabelValues(r.URL.Path, http.StatusText(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": ServiceName,
		"error":   message,
	})
}
