package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/danmuck/panostream/internal/diagnostics"
	"github.com/danmuck/panostream/internal/imaging"
	"github.com/danmuck/panostream/internal/inference"
	"github.com/danmuck/panostream/internal/observability"
	"github.com/danmuck/panostream/internal/protocol"
	"github.com/danmuck/panostream/internal/protocol/assembly"
	"github.com/danmuck/panostream/internal/protocol/frame"
)

// SessionState is the lifecycle position of one connection.
type SessionState int32

const (
	StateReceiving SessionState = iota
	StateProcessing
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateProcessing:
		return "processing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID        uint64    `json:"id"`
	Remote    string    `json:"remote"`
	State     string    `json:"state"`
	Requests  uint64    `json:"requests"`
	StartedAt time.Time `json:"started_at"`
}

// Diagnostic write failures tend to repeat for every request once a disk
// fills up.
var persistWarn = rate.Sometimes{First: 3, Interval: 30 * time.Second}

// Session serves one connection: strictly alternating request and response
// frames until the peer leaves or something fails.
type Session struct {
	id      uint64
	conn    net.Conn
	remote  string
	cfg     ServiceConfig
	opts    imaging.Options
	infer   inference.Service
	store   diagnostics.SessionStore
	reader  assembly.Reader
	logger  zerolog.Logger
	started time.Time

	state atomic.Int32
	seq   atomic.Uint64
}

func newSession(id uint64, conn net.Conn, cfg ServiceConfig, infer inference.Service, store diagnostics.SessionStore, logger zerolog.Logger) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		remote:  conn.RemoteAddr().String(),
		cfg:     cfg,
		opts:    cfg.ImagingOptions(),
		infer:   infer,
		store:   store,
		reader:  assembly.Reader{Profile: cfg.Profile, Limits: cfg.Limits, ChunkSize: cfg.ChunkSize},
		logger:  logger,
		started: time.Now(),
	}
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Requests is the number of responses sent so far.
func (s *Session) Requests() uint64 { return s.seq.Load() }

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:        s.id,
		Remote:    s.remote,
		State:     s.State().String(),
		Requests:  s.Requests(),
		StartedAt: s.started,
	}
}

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Run serves requests until the peer disconnects between frames (nil), ctx
// ends (nil) or a classified failure ends the session. The connection and
// the session's scratch space are released on every path.
func (s *Session) Run(ctx context.Context) error {
	defer s.terminate()
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateReceiving)
		req, err := s.reader.ReadRequest(s.source())
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Time{})
		}

		s.setState(StateProcessing)
		if err := s.serve(ctx, req); err != nil {
			if ctx.Err() != nil && protocol.KindOf(err) == protocol.KindTransport {
				return nil
			}
			return err
		}
	}
}

// source is the connection, wrapped so every receive re-arms the idle
// deadline when one is configured.
func (s *Session) source() io.Reader {
	if s.cfg.IdleTimeout <= 0 {
		return s.conn
	}
	return idleReader{conn: s.conn, timeout: s.cfg.IdleTimeout}
}

// idleReader fails a read only after timeout passes with no bytes arriving.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

func (s *Session) serve(ctx context.Context, req protocol.Request) error {
	w, h := s.cfg.Width, s.cfg.Height
	if err := protocol.ValidatePanorama(req.Pixels, w, h); err != nil {
		return protocol.Protocol("validate panorama", err)
	}
	if s.cfg.Profile.TextureSizeHeader && (int(req.Width) != w || int(req.Height) != h) {
		s.logger.Debug().
			Uint32("declared_w", req.Width).
			Uint32("declared_h", req.Height).
			Msg("texture size header differs from configured size")
	}

	comp, err := imaging.CompositeRGBA(req.Pixels, w, h, s.opts)
	if err != nil {
		return protocol.Protocol("composite", err)
	}
	out, err := s.infer.Infer(ctx, comp.Tensor(s.opts))
	if err != nil {
		return protocol.Inference("infer", err)
	}
	pixels, err := imaging.Postprocess(out, w, h, s.opts)
	if err != nil {
		return protocol.Inference("postprocess", err)
	}

	body := protocol.EncodeResponseBody(s.cfg.Profile, w, h, pixels)
	if err := frame.WriteFrame(s.conn, frame.StatusOK, body); err != nil {
		return protocol.Transport("write response", err)
	}
	seq := s.seq.Add(1) - 1
	observability.RecordRequest(s.cfg.Profile.Name, frame.HeaderLen+int(req.Header.PayloadLen), frame.HeaderLen+len(body))
	s.persist(seq, comp, pixels)
	return nil
}

func (s *Session) persist(seq uint64, comp *imaging.Composite, out []byte) {
	path, err := s.store.Save(diagnostics.Snapshot{
		Sequence:  seq,
		Composite: comp,
		Output:    out,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Flipped:   s.opts.FlipVertical,
	})
	if err != nil {
		err = protocol.Persistence("save snapshot", err)
		observability.RecordPersistFailure()
		persistWarn.Do(func() {
			s.logger.Warn().Err(err).Uint64("seq", seq).Msg("diagnostic snapshot dropped")
		})
		return
	}
	if path != "" {
		s.logger.Debug().Uint64("seq", seq).Str("path", path).Msg("diagnostic snapshot saved")
	}
}

func (s *Session) terminate() {
	s.setState(StateTerminated)
	_ = s.conn.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(protocol.Persistence("remove scratch", err)).Msg("session scratch not removed")
	}
}
