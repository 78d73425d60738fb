// Package pprof serves runtime profiles on a separate listener so profiling
// never shares the API's address or middleware.
package pprof

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "pipesched/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// ErrInsecureBind is returned for a non-loopback address without a token
// when AllowInsecure is not set.
var ErrInsecureBind = errors.New("pprof: non-loopback addr requires token or allow_insecure")

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// Validate rejects configurations that would expose profiles without auth.
func Validate(c Config) error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.addr()); err != nil {
		return errors.Wrapf(err, "pprof: invalid addr %q", c.addr())
	}
	if c.Token == "" && !c.AllowInsecure && !isLoopbackAddr(c.addr()) {
		return errors.Wrapf(ErrInsecureBind, "addr %q", c.addr())
	}
	return nil
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func New(cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log}
}

// Addr is the bound address, empty while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start listens and serves in the background. It is a no-op when disabled
// or already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	if err := Validate(s.cfg); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return errors.Wrap(err, "pprof: listen")
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.addr()) {
		s.log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.addr()))
	}

	srv := &http.Server{
		Handler:           Handler(s.cfg.Token),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	done := make(chan struct{})
	s.srv, s.ln, s.done = srv, ln, done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("pprof server exited", logx.Err(err))
		}
	}()
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("pprof stopped")
	return err
}

// Reconfigure applies cfg, restarting the listener only when it changed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev.addr() != cfg.addr() || prev.Token != cfg.Token || prev.AllowInsecure != cfg.AllowInsecure) {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}
	return s.Start()
}

// Handler mounts the chi profiler (pprof and expvar) under /debug plus a
// /healthz check. A non-empty token is required as a bearer header or a
// ?token= query parameter.
func Handler(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if tok := strings.TrimSpace(token); tok != "" {
		r.Use(requireToken(tok))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

func requireToken(tok string) func(http.Handler) http.Handler {
	want := []byte(tok)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
