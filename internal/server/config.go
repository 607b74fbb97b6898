package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/panostream/internal/diagnostics"
	"github.com/danmuck/panostream/internal/imaging"
	"github.com/danmuck/panostream/internal/inference"
	"github.com/danmuck/panostream/internal/protocol"
	"github.com/danmuck/panostream/internal/protocol/frame"
)

// ServiceConfig is the full, immutable server configuration.
type ServiceConfig struct {
	// Host is the bind host; empty binds every interface.
	Host string
	Port int

	Profile protocol.Profile
	// Width and Height are the panorama size on the wire.
	Width  int
	Height int
	// ModelWidth and ModelHeight are the network resolution; zero means the
	// wire resolution.
	ModelWidth  int
	ModelHeight int
	Flip        bool

	WeightsPath   string
	Backend       string
	InferenceMode string
	QueueDepth    int

	OutputDir         string
	DiagnosticsFormat diagnostics.Format

	AdminAddr   string
	CORSOrigins []string
	// AdminToken, when set, is required as a bearer token on /sessions.
	AdminToken string

	// MaxSessions bounds concurrent sessions; zero runs every session on its
	// own goroutine without a bound.
	MaxSessions int
	// IdleTimeout closes a session when no bytes arrive for this long while
	// it is receiving a request. A peer that keeps trickling bytes stays
	// connected. Zero waits forever.
	IdleTimeout time.Duration
	ChunkSize   int
	Limits      frame.Limits
	Backoff     BackoffConfig
}

// Server defaults matching the stitching engine client.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Host:              "",
		Port:              12346,
		Profile:           protocol.ProfileStitching,
		Width:             256,
		Height:            128,
		Flip:              false,
		WeightsPath:       "./savepoint/model_best_generator.pth.tar",
		Backend:           "identity",
		InferenceMode:     inference.ModeMutex,
		QueueDepth:        16,
		OutputDir:         "",
		DiagnosticsFormat: diagnostics.FormatPNG,
		AdminAddr:         "",
		CORSOrigins:       []string{"http://localhost"},
		MaxSessions:       0,
		IdleTimeout:       0,
		Limits:            frame.DefaultLimits(),
		Backoff:           DefaultBackoff(),
	}
}

// ListenAddr joins Host and Port.
func (c ServiceConfig) ListenAddr() string {
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port))
}

// PanoramaBytes is the RGBA size of one wire panorama.
func (c ServiceConfig) PanoramaBytes() int {
	return protocol.PanoramaSize(c.Width, c.Height)
}

func (c ServiceConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("image size %dx%d must be positive", c.Width, c.Height))
	}
	if c.ModelWidth < 0 || c.ModelHeight < 0 {
		errs = append(errs, fmt.Errorf("model size %dx%d must not be negative", c.ModelWidth, c.ModelHeight))
	}
	if c.Profile.Name == "" {
		errs = append(errs, errors.New("profile is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.InferenceMode)) {
	case "", inference.ModeMutex, inference.ModeWorker:
	default:
		errs = append(errs, fmt.Errorf("unknown inference mode %q", c.InferenceMode))
	}
	if c.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("queue depth %d must not be negative", c.QueueDepth))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max sessions %d must not be negative", c.MaxSessions))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout %v must not be negative", c.IdleTimeout))
	}
	if strings.TrimSpace(c.WeightsPath) == "" {
		errs = append(errs, errors.New("weights path is required"))
	}
	if limit := c.Limits.MaxPayloadBytes; limit != 0 && c.Width > 0 && c.Height > 0 {
		if need := c.RequestBodyBytes(); int64(limit) < int64(need) {
			errs = append(errs, fmt.Errorf("max payload %d is smaller than one request body (%d bytes)", limit, need))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}

// RequestBodyBytes is the uncompressed body size of one request under the
// configured profile.
func (c ServiceConfig) RequestBodyBytes() int {
	n := c.PanoramaBytes()
	if c.Profile.TextureSizeHeader {
		n += protocol.TextureSizeLen
	}
	return n
}

// ImagingOptions derives the compositor settings.
func (c ServiceConfig) ImagingOptions() imaging.Options {
	return imaging.Options{
		FlipVertical:    c.Flip,
		AlphaAnyNonZero: c.Profile.AlphaAnyNonZero,
		ModelWidth:      c.ModelWidth,
		ModelHeight:     c.ModelHeight,
	}
}
