// Package api provides the HTTP status server for peerd.
// It exposes the peer table, the controller summary, health checks and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/peerd/internal/app/controller"
	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/health"
)

// Version is reported by /api/version; set by the CLI.
var Version = "dev"

// Node is the controller surface the API reads and drives.
type Node interface {
	Stats() (controller.Stats, error)
	Peers() ([]domain.PeerInfo, error)
	GoodPeerIPs() mapset.Set[netip.Addr]
	SeedPeer(ip string) (bool, error)
}

// HealthReporter is satisfied by *health.Checker.
type HealthReporter interface {
	IsHealthy() bool
	Statuses() []health.Status
}

// Server is the peerd HTTP API server.
type Server struct {
	node           Node
	health         HealthReporter
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(node Node) *Server {
	return &Server{node: node}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth attaches the health checker reported by /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})
		r.Get("/peers", s.handleListPeers)
		r.Post("/peers", s.handleAddPeer)
		r.Get("/peers/good", s.handleGoodPeers)
		r.Get("/peers/{ip}", s.handleGetPeer)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.node.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.node.Peers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		want, err := domain.ParsePeerStatus(status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := peers[:0]
		for _, p := range peers {
			if p.Status == want {
				filtered = append(filtered, p)
			}
		}
		peers = filtered
	}
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers, "count": len(peers)})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	ip, err := domain.ParseIP(chi.URLParam(r, "ip"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	peers, err := s.node.Peers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, p := range peers {
		if p.IP == ip {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, domain.ErrUnknownPeer.Error())
}

func (s *Server) handleGoodPeers(w http.ResponseWriter, r *http.Request) {
	good := s.node.GoodPeerIPs().ToSlice()
	sort.Slice(good, func(i, j int) bool { return good[i].Less(good[j]) })
	writeJSON(w, http.StatusOK, map[string]any{"peers": good, "count": len(good)})
}

type addPeerRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	added, err := s.node.SeedPeer(req.IP)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidPeer) {
			code = http.StatusBadRequest
		}
		writeError(w, code, err.Error())
		return
	}
	if !added {
		writeError(w, http.StatusConflict, "peer already known")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"ip": req.IP, "status": domain.PeerIdle.String()})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
