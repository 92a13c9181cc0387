package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loglineos/core/pkg/auth"
	"github.com/loglineos/core/pkg/registry"
	"github.com/loglineos/core/pkg/stage0"
)

// Server exposes the ingress surface over a registry store and a Stage-0
// loader.
type Server struct {
	store      registry.Store
	loader     *stage0.Loader
	production bool
	log        *slog.Logger
	clock      func() time.Time
}

// Options carries the edge middleware configuration.
type Options struct {
	AllowedOrigins []string
	JWTSecret      string
	// RateRPS/RateBurst bound each actor; zero disables limiting.
	RateRPS   float64
	RateBurst int
	// IdempotencyStore replays cached responses for repeated
	// Idempotency-Key posts. Nil disables the middleware.
	IdempotencyStore IdempotencyStorer
}

// NewServer wires the ingress.
func NewServer(store registry.Store, loader *stage0.Loader, production bool) *Server {
	return &Server{
		store:      store,
		loader:     loader,
		production: production,
		log:        slog.Default().With("component", "api"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler assembles the routes and middleware chain.
func (s *Server) Handler(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/boot", s.handleBoot)
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/timeline/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)

	var h http.Handler = mux
	if opts.IdempotencyStore != nil {
		h = IdempotencyMiddleware(opts.IdempotencyStore)(h)
	}
	if opts.RateRPS > 0 {
		limiter := auth.NewLimiter(opts.RateRPS, opts.RateBurst)
		h = limiter.Middleware(WriteTooManyRequests)(h)
	}
	h = auth.SessionMiddleware(auth.NewValidator(opts.JWTSecret), func(w http.ResponseWriter, status int, detail string) {
		switch status {
		case http.StatusUnauthorized:
			WriteUnauthorized(w, detail)
		default:
			WriteBadRequest(w, detail)
		}
	})(h)
	h = auth.CORSMiddleware(opts.AllowedOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}
