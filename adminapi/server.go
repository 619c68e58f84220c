// Package adminapi exposes the engine's status over HTTP: connection and
// failover state, the cached topology, a forced refresh endpoint and the
// Prometheus metrics.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridiandb/pivot/logger"
	"github.com/meridiandb/pivot/monitor"
	"github.com/meridiandb/pivot/topology"
)

// ConnStatus is the externally visible state of one logical connection.
type ConnStatus struct {
	Host    string            `json:"host"`
	Role    string            `json:"role"`
	State   string            `json:"state"`
	Valid   bool              `json:"valid"`
	Monitor *monitor.Snapshot `json:"monitor,omitempty"`
}

// Server is the admin HTTP server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	provider     *topology.Provider
	connStatus   func() []ConnStatus
	server       *http.Server
}

// Options holds configuration for the admin server.
type Options struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
}

// New creates an admin server. connStatus supplies the current per-connection
// state on each request.
func New(provider *topology.Provider, connStatus func() []ConnStatus, options Options) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the admin API server")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		provider:     provider,
		connStatus:   connStatus,
	}, nil
}

// Start runs the server until ctx is cancelled, reporting a startup or serve
// failure on errChan.
func Start(ctx context.Context, provider *topology.Provider, connStatus func() []ConnStatus, options Options, errChan chan error) {
	server, err := New(provider, connStatus, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	logger.Info("Starting admin API server", "component", "HTTP-API", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down admin API server", "component", "HTTP-API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down admin API server", "component", "HTTP-API", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	// Metrics are served without the API key so scrapers can be configured
	// with host restrictions alone.
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/topology", s.handleTopology).Methods("GET")
	v1.HandleFunc("/topology/refresh", s.handleTopologyRefresh).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin API request", "component", "HTTP-API", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "elapsed", time.Since(start).String())
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler functions

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.connStatus(),
	})
}

type topologyHost struct {
	HostID       string    `json:"host_id"`
	Endpoint     string    `json:"endpoint"`
	Role         string    `json:"role"`
	Availability string    `json:"availability"`
	LastUpdated  time.Time `json:"last_updated"`
}

func topologyResponse(topo *topology.ClusterTopology) map[string]interface{} {
	hosts := make([]topologyHost, 0, topo.Size())
	for _, h := range topo.Hosts() {
		hosts = append(hosts, topologyHost{
			HostID:       h.HostID,
			Endpoint:     h.Endpoint,
			Role:         string(h.Role),
			Availability: string(h.Availability),
			LastUpdated:  h.LastUpdated,
		})
	}
	return map[string]interface{}{
		"hosts":      hosts,
		"fetched_at": topo.FetchedAt(),
		"age":        topo.Age().String(),
	}
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo := s.provider.Cached()
	if topo == nil {
		s.writeError(w, http.StatusNotFound, "No topology snapshot available yet")
		return
	}
	s.writeJSON(w, http.StatusOK, topologyResponse(topo))
}

func (s *Server) handleTopologyRefresh(w http.ResponseWriter, r *http.Request) {
	topo, err := s.provider.Refresh(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("Topology refresh failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, topologyResponse(topo))
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Error encoding JSON response", "component", "HTTP-API", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
