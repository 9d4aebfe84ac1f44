// Package server assembles the HTTP surface of CrowdSynth: health and
// readiness probes, the Prometheus scrape endpoint, the room lobby, and the
// WebSocket entry point.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crowdsynth/crowdsynth/internal/gateway"
	"github.com/crowdsynth/crowdsynth/internal/health"
	"github.com/crowdsynth/crowdsynth/internal/observe"
	"github.com/crowdsynth/crowdsynth/internal/room"
)

const (
	// Per-IP budget for the REST routes. The WebSocket route is excluded;
	// its traffic is limited per connection inside the gateway.
	restRateLimit  = 60
	restRatePeriod = time.Minute

	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 10 * time.Second
)

// Config holds the server-level settings the router needs.
type Config struct {
	// ListenAddr is the TCP address to bind (e.g. ":8080").
	ListenAddr string

	// FrontendURL is the allowed browser origin. "*" allows any origin;
	// any other value additionally allows http://localhost:3000 for local
	// frontend development.
	FrontendURL string
}

// Server owns the chi router and the underlying http.Server.
type Server struct {
	cfg     Config
	store   *room.Store
	gw      *gateway.Gateway
	healthH *health.Handler
	metrics *observe.Metrics

	httpSrv *http.Server
}

// New wires the router. The health handler carries the readiness checkers;
// pass nil metrics to skip the observe middleware (tests).
func New(cfg Config, store *room.Store, gw *gateway.Gateway, healthH *health.Handler, metrics *observe.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		gw:      gw,
		healthH: healthH,
		metrics: metrics,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(CORS(allowedOrigins(s.cfg.FrontendURL)))

	// Everything except the WebSocket goes through the observe middleware
	// and the per-IP rate limit.
	r.Group(func(r chi.Router) {
		if s.metrics != nil {
			r.Use(observe.Middleware(s.metrics))
		}
		r.Use(httprate.LimitByIP(restRateLimit, restRatePeriod))

		s.healthH.Register(r)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
		r.Get("/rooms", s.handleRooms)
	})

	r.Get("/ws", s.gw.HandleWS)

	return r
}

// lobbyRoom is one entry in the GET /rooms response.
type lobbyRoom struct {
	RoomID       string `json:"room_id"`
	RoomName     string `json:"room_name"`
	DeviceName   string `json:"device_name"`
	Participants int    `json:"participants"`
	IsPlaying    bool   `json:"is_playing"`
}

// handleRooms serves the lobby list for the host-device picker.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	infos := s.store.ListRooms()
	rooms := make([]lobbyRoom, 0, len(infos))
	for _, info := range infos {
		rooms = append(rooms, lobbyRoom{
			RoomID:       info.ID,
			RoomName:     info.Name,
			DeviceName:   info.DeviceName,
			Participants: info.Participants,
			IsPlaying:    info.IsPlaying,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]any{"rooms": rooms}); err != nil {
		slog.Warn("encode lobby response", "error", err)
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.cfg.ListenAddr)
	return s.httpSrv.ListenAndServe()
}

// ListenAndServeTLS blocks until the server stops, serving HTTPS.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	slog.Info("https server listening", "addr", s.cfg.ListenAddr)
	return s.httpSrv.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// allowedOrigins expands the configured frontend URL into the origin list:
// a wildcard stays a wildcard, anything else also admits the local dev
// frontend.
func allowedOrigins(frontendURL string) []string {
	if frontendURL == "" || frontendURL == "*" {
		return []string{"*"}
	}
	return []string{frontendURL, "http://localhost:3000"}
}
