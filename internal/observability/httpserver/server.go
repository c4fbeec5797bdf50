// Package httpserver serves health, readiness, metrics, status and optional
// pprof endpoints for operators.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "timechanbot/internal/runtime/supervisor"
	logx "timechanbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

// Config controls the ops server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Probes feed the handlers; nil members are skipped.
type Probes struct {
	Ready   func() bool
	Status  func() any
	Metrics http.Handler
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	probes Probes

	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, probes Probes, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, probes: probes, log: log.With(logx.String("comp", "http"))}
}

// Reconfigure applies cfg and starts, stops or restarts the server if needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent; a disabled config is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup = nil
	s.srv = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("ops server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if err := checkExposure(cur, addr); err != nil {
		s.log.Error("ops server refused to start", logx.String("addr", addr), logx.Err(err))
		// Retrying cannot fix the config; wait for a reload.
		<-ctx.Done()
		return nil
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

var errInsecureBind = errors.New("non-loopback addr requires token or allow_insecure")

func checkExposure(cfg Config, addr string) error {
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return errInsecureBind
	}
	return nil
}

// Handler builds the router. Health and metrics are open; status and pprof
// require the token when one is set.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.probes.Ready != nil && !s.probes.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	if s.probes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.probes.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))
		if s.probes.Status != nil {
			r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(s.probes.Status()); err != nil {
					s.log.Warn("status encode failed", logx.Err(err))
				}
			})
		}
		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
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
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
