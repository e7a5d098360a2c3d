// Package mockserver is a scripted agent backend. It implements the session
// and streaming endpoints the client uses and plays YAML scenarios over SSE
// or NDJSON, including the failure modes a real backend can produce.
package mockserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/telnet2/go-practice/agentstream/internal/logging"
	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

type sessionRecord struct {
	session  types.Session
	messages []*types.ConfirmedMessage
}

// Server is the mock backend.
type Server struct {
	cfg    *Config
	router *chi.Mux
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

// New creates a Server playing cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		log:      logging.Component("mockserver"),
		now:      time.Now,
		sessions: make(map[string]*sessionRecord),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Turn-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if s.cfg.Settings.APIKey != "" {
		s.router.Use(s.requireAPIKey)
	}
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{sessionID}", s.getSession)
		r.Get("/sessions/{sessionID}/messages", s.getMessages)
		r.Post("/sessions/{sessionID}/stream", s.streamTurn)
		r.Get("/documents/lookup", s.lookupDocument)
	})
}

// requestLogger logs each request through zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && r.Header.Get("Authorization") != "Bearer "+s.cfg.Settings.APIKey {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. ready, if non-nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if ready != nil {
		ready(ln.Addr())
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("mock agent backend listening")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

func (s *Server) sessionByID(id string) (*sessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// sortedSessions returns sessions newest first.
func (s *Server) sortedSessions() []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Updated > out[j].Time.Updated })
	return out
}
