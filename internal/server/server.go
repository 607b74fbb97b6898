package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/panostream/internal/diagnostics"
	"github.com/danmuck/panostream/internal/inference"
	"github.com/danmuck/panostream/internal/observability"
	"github.com/danmuck/panostream/internal/protocol"
)

const appName = "panostream"

// Deps are the collaborators a Server shares across every session.
type Deps struct {
	Inference inference.Service
	// Store defaults to diagnostics.NopStore.
	Store diagnostics.Store
	// Checkpoint is reported by the admin endpoints only.
	Checkpoint inference.Checkpoint
}

// Server accepts panorama connections and runs one Session per connection.
type Server struct {
	cfg      ServiceConfig
	infer    inference.Service
	store    diagnostics.Store
	runner   SessionRunner
	ckpt     inference.Checkpoint
	instance string
	started  time.Time
	logger   zerolog.Logger

	nextID   atomic.Uint64
	ready    atomic.Bool
	mu       sync.Mutex
	sessions map[uint64]*Session
}

// New builds a Server from validated configuration and ready collaborators.
func New(cfg ServiceConfig, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Inference == nil {
		return nil, errors.New("server: inference service is required")
	}
	if deps.Store == nil {
		deps.Store = diagnostics.NopStore{}
	}
	instance := uuid.NewString()
	return &Server{
		cfg:      cfg,
		infer:    deps.Inference,
		store:    deps.Store,
		runner:   NewRunner(cfg.MaxSessions),
		ckpt:     deps.Checkpoint,
		instance: instance,
		started:  time.Now(),
		logger:   observability.WithInstance(appName, instance),
		sessions: make(map[uint64]*Session),
	}, nil
}

// Open performs every startup step that may fail: checkpoint load, backend
// construction and diagnostics setup. Any error here is fatal to the process.
func Open(cfg ServiceConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ckpt, err := inference.LoadCheckpoint(cfg.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("server: load weights: %w", err)
	}
	backend, err := inference.Open(cfg.Backend, ckpt)
	if err != nil {
		return nil, fmt.Errorf("server: open backend: %w", err)
	}
	svc, err := inference.NewService(cfg.InferenceMode, backend, cfg.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("server: inference service: %w", err)
	}
	store, err := diagnostics.NewStore(cfg.OutputDir, cfg.DiagnosticsFormat)
	if err != nil {
		_ = svc.Close()
		return nil, fmt.Errorf("server: diagnostics: %w", err)
	}
	log.Info().
		Str("weights", ckpt.Path).
		Int("bytes", ckpt.Size()).
		Str("blake3", ckpt.ShortFingerprint()).
		Str("backend", backend.Name()).
		Str("mode", cfg.InferenceMode).
		Msg("model loaded")
	return New(cfg, Deps{Inference: svc, Store: store, Checkpoint: ckpt})
}

func (s *Server) InstanceID() string { return s.instance }

func (s *Server) Config() ServiceConfig { return s.cfg }

// Ready reports whether the accept loop is running.
func (s *Server) Ready() bool { return s.ready.Load() }

// Close releases the inference service. Call it after Serve returns.
func (s *Server) Close() error {
	return s.infer.Close()
}

// Run blocks until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext listens, starts the admin endpoint when configured, and serves
// until ctx ends.
func (s *Server) RunContext(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("profile", s.cfg.Profile.Name).
		Int("width", s.cfg.Width).
		Int("height", s.cfg.Height).
		Bool("flip", s.cfg.Flip).
		Msg("listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			cancel()
			<-serveErr
			return err
		}
		return <-serveErr
	}
}

// Listen binds the configured TCP port.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr(), err)
	}
	return ln, nil
}

// Serve runs the accept loop on ln until ctx ends or ln is closed. Failed
// accepts are retried with backoff and never end the loop. On return every
// session has terminated.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAllSessions()
	}()
	defer func() {
		cancel()
		s.ready.Store(false)
		s.runner.Wait()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	s.ready.Store(true)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			attempt++
			delay := NextBackoffDelay(s.cfg.Backoff, attempt, rng)
			s.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		attempt = 0
		id := s.nextID.Add(1) - 1
		if err := s.runner.Go(ctx, func() { s.handleConn(ctx, id, conn) }); err != nil {
			_ = conn.Close()
		}
	}
}

func (s *Server) handleConn(ctx context.Context, id uint64, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Uint64("session_id", id).Str("remote", remote).Logger()

	store, err := s.store.OpenSession(remote, id)
	if err != nil {
		observability.RecordPersistFailure()
		logger.Warn().Err(protocol.Persistence("open session store", err)).Msg("diagnostics disabled for session")
		store, _ = diagnostics.NopStore{}.OpenSession(remote, id)
	}
	sess := newSession(id, conn, s.cfg, s.infer, store, logger)
	s.track(sess)
	defer s.untrack(id)
	if ctx.Err() != nil {
		// Shutdown raced the hand-off; the session exits on its first check.
		_ = conn.Close()
	}

	observability.RecordSessionStart()
	logger.Info().Msg("session started")
	err = sess.Run(ctx)

	end := "closed"
	event := logger.Info()
	if err != nil {
		end = protocol.KindOf(err).String()
		event = logger.Warn().Err(err)
	}
	observability.RecordSessionEnd(end)
	event.Str("end", end).Uint64("requests", sess.Requests()).Msg("session ended")
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

// Sessions snapshots live sessions ordered by id.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
