package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/media"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// Notifications lists a user's in-app notifications.
type Notifications interface {
	List(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// Deps wires the API. Booking, Users and JWTSecret are required.
type Deps struct {
	Booking       *booking.Service
	Users         storage.UserStore
	Notifications Notifications
	Cache         cache.Cache
	Media         media.Store
	Hub           *events.Hub
	WS            *dispatch.WSRegistry
	Logger        *slog.Logger

	JWTSecret      []byte
	RateLimit      rate.Limit
	RateBurst      int
	LocationTTL    time.Duration
	AllowedOrigins []string
	// UploadDir, when set, is served under /uploads/.
	UploadDir string
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	booking       *booking.Service
	users         storage.UserStore
	notifications Notifications
	cache         cache.Cache
	media         media.Store
	hub           *events.Hub
	ws            *dispatch.WSRegistry
	logger        *slog.Logger
	secret        []byte
	limiter       *userLimiter
	locationTTL   time.Duration
	ready         func(ctx context.Context) error

	mux     *mux.Router
	handler http.Handler
}

func NewServer(d Deps) *Server {
	if d.RateLimit <= 0 {
		d.RateLimit = 1
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 5
	}
	if d.LocationTTL <= 0 {
		d.LocationTTL = cache.DefaultTTL
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemory()
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		booking:       d.Booking,
		users:         d.Users,
		notifications: d.Notifications,
		cache:         d.Cache,
		media:         d.Media,
		hub:           d.Hub,
		ws:            d.WS,
		logger:        d.Logger.With("component", "http"),
		secret:        d.JWTSecret,
		limiter:       newUserLimiter(d.RateLimit, d.RateBurst),
		locationTTL:   d.LocationTTL,
		ready:         d.Ready,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	if d.UploadDir != "" {
		s.mux.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", http.FileServer(http.Dir(d.UploadDir))))
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/nearby", s.handleSearchRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/finish", s.handleFinishRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/requests", s.handleRequestBooking).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/requests", s.handleListRideRequests).Methods(http.MethodGet)

	api.HandleFunc("/requests/{id}/accept", s.requestAction(s.booking.AcceptRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/reject", s.requestAction(s.booking.RejectRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.requestAction(s.booking.CancelRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/checkin", s.requestAction(s.booking.CheckIn)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/checkout", s.requestAction(s.booking.CheckOut)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/rating", s.handleRateRequest).Methods(http.MethodPost)

	api.HandleFunc("/users/{id}/ratings", s.handleUserRatings).Methods(http.MethodGet)

	api.HandleFunc("/me", s.handleUpsertMe).Methods(http.MethodPut)
	api.HandleFunc("/me/avatar", s.handleAvatar).Methods(http.MethodPost)
	api.HandleFunc("/me/devices", s.handleRegisterDevice).Methods(http.MethodPost)
	api.HandleFunc("/me/location", s.handleLocation).Methods(http.MethodPut)
	api.HandleFunc("/me/notifications", s.handleNotifications).Methods(http.MethodGet)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/rides/{ride_id}", s.handleRideEvents)
	ws.HandleFunc("/notifications", s.handleNotificationSocket)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("not ready", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "dependencies unavailable", Code: "Unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
