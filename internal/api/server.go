// Package api is the HTTP surface used by the lab system to submit reports
// and by dashboards to observe the relay.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"labrelay/internal/eventbus"
	"labrelay/internal/ledger"
	"labrelay/internal/relay"
	rtsup "labrelay/internal/runtime/supervisor"
	"labrelay/internal/session"
	logx "labrelay/pkg/logx"
)

const (
	DefaultAddr        = "127.0.0.1:8080"
	DefaultMaxUploadMB = 16
	defaultRatePerSec  = 10
	defaultBurst       = 20
)

type Config struct {
	Addr  string
	Token string

	RatePerSec float64
	Burst      int

	// UploadDir receives report files from /api/send-report. Empty disables uploads.
	UploadDir   string
	MaxUploadMB int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = DefaultMaxUploadMB
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	// WriteTimeout stays 0: /api/events is long-lived.
	return c
}

// Relay is what the handlers need from the relay service.
type Relay interface {
	Enqueue(ctx context.Context, recipient, body, attachment string) (string, error)
	Initialize(ctx context.Context) error
	IsReady() bool
	Session() session.Snapshot
	PairingChallenge() (string, bool)
	QueueStatus() relay.QueueStatus
	MessageStats() ledger.Stats
	Message(id string) (ledger.Entry, bool)
	Messages(limit int) []ledger.Entry
	FailedMessages(limit int) []ledger.Entry
	RecentMessages(window time.Duration) []ledger.Entry
	Subscribe(buffer int, prefixes ...string) (<-chan eventbus.Event, func())
	Workers() rtsup.Counters
}

type Server struct {
	cfg     Config
	relay   Relay
	log     logx.Logger
	limiter *clientLimiter
	handler http.Handler

	mu  sync.Mutex
	sup *rtsup.Supervisor
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, r Relay, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		relay:   r,
		log:     log.With(logx.String("comp", "api")),
		limiter: newClientLimiter(cfg.RatePerSec, cfg.Burst, 10*time.Minute),
	}
	s.handler = s.routes()
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/send-message", s.handleSendMessage)
	api.HandleFunc("POST /api/send-report", s.handleSendReport)
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/pairing", s.handlePairing)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("GET /api/messages", s.handleMessages)
	api.HandleFunc("GET /api/messages/failed", s.handleFailed)
	api.HandleFunc("GET /api/messages/recent", s.handleRecent)
	api.HandleFunc("GET /api/messages/{id}", s.handleMessage)
	api.HandleFunc("POST /api/session/initialize", s.handleInitialize)
	api.HandleFunc("GET /api/events", s.handleEvents)

	mux.Handle("/api/", s.limiter.middleware(s.withAuth(api)))
	return mux
}

// Start serves until Stop or ctx cancellation. Listen failures are retried
// with backoff under the supervisor.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.sup.Go0("ratelimit.sweep", s.limiter.sweepLoop)
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("uploads", s.cfg.UploadDir != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the listener down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	// Cancelling first ends event streams, which Shutdown does not track.
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Debug("api serve loop reported", logx.Err(err))
	}
	s.log.Info("api stopped")
	return nil
}
