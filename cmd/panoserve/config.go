package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/danmuck/panostream/internal/diagnostics"
	"github.com/danmuck/panostream/internal/protocol"
	"github.com/danmuck/panostream/internal/server"
)

// envAdminToken keeps the admin secret off the command line.
const envAdminToken = "PANOSTREAM_ADMIN_TOKEN"

type fileConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Profile         string   `toml:"profile"`
	ImgSizeW        int      `toml:"img_size_w"`
	ImgSizeH        int      `toml:"img_size_h"`
	ModelSizeW      int      `toml:"model_size_w"`
	ModelSizeH      int      `toml:"model_size_h"`
	Flip            bool     `toml:"flip"`
	PathToGenerator string   `toml:"path_to_generator"`
	Backend         string   `toml:"backend"`
	Output          string   `toml:"output"`
	OutputFormat    string   `toml:"output_format"`
	AdminAddr       string   `toml:"admin_addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	AdminToken      string   `toml:"admin_token"`

	Inference fileInference `toml:"inference"`
	Session   fileSession   `toml:"session"`
}

type fileInference struct {
	Mode       string `toml:"mode"`
	QueueDepth int    `toml:"queue_depth"`
}

type fileSession struct {
	MaxSessions     int    `toml:"max_sessions"`
	IdleTimeout     string `toml:"idle_timeout"`
	ChunkSize       int    `toml:"chunk_size"`
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`
}

func loadServiceConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load panoserve config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return server.ServiceConfig{}, fmt.Errorf("load panoserve config: unknown keys: %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("profile") {
		p, err := protocol.ParseProfile(raw.Profile)
		if err != nil {
			return server.ServiceConfig{}, err
		}
		cfg.Profile = p
	}
	if meta.IsDefined("img_size_w") {
		cfg.Width = raw.ImgSizeW
	}
	if meta.IsDefined("img_size_h") {
		cfg.Height = raw.ImgSizeH
	}
	if meta.IsDefined("model_size_w") {
		cfg.ModelWidth = raw.ModelSizeW
	}
	if meta.IsDefined("model_size_h") {
		cfg.ModelHeight = raw.ModelSizeH
	}
	if meta.IsDefined("flip") {
		cfg.Flip = raw.Flip
	}
	if meta.IsDefined("path_to_generator") {
		cfg.WeightsPath = strings.TrimSpace(raw.PathToGenerator)
	}
	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("output") {
		cfg.OutputDir = strings.TrimSpace(raw.Output)
	}
	if meta.IsDefined("output_format") {
		f, err := diagnostics.ParseFormat(raw.OutputFormat)
		if err != nil {
			return server.ServiceConfig{}, err
		}
		cfg.DiagnosticsFormat = f
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("inference", "mode") {
		cfg.InferenceMode = strings.TrimSpace(raw.Inference.Mode)
	}
	if meta.IsDefined("inference", "queue_depth") {
		cfg.QueueDepth = raw.Inference.QueueDepth
	}

	if meta.IsDefined("session", "max_sessions") {
		cfg.MaxSessions = raw.Session.MaxSessions
	}
	if meta.IsDefined("session", "idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Session.IdleTimeout))
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("parse session.idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("session", "chunk_size") {
		cfg.ChunkSize = raw.Session.ChunkSize
	}
	if meta.IsDefined("session", "max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = raw.Session.MaxPayloadBytes
	}

	return cfg, nil
}

type cliFlags struct {
	config    string
	output    string
	format    string
	width     int
	height    int
	weights   string
	backend   string
	port      int
	flip      bool
	profile   string
	adminAddr string
	mode      string
}

func newFlagSet(f *cliFlags) *pflag.FlagSet {
	defaults := server.DefaultServiceConfig()
	fs := pflag.NewFlagSet("panoserve", pflag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "TOML config file; flags override its values")
	fs.StringVar(&f.output, "output", "", "directory for per-request diagnostic snapshots (empty disables)")
	fs.StringVar(&f.format, "output-format", string(defaults.DiagnosticsFormat), "snapshot format: png, rgba.zst or rgba.lz4")
	fs.IntVar(&f.width, "img-size-w", defaults.Width, "panorama width in pixels")
	fs.IntVar(&f.height, "img-size-h", defaults.Height, "panorama height in pixels")
	fs.StringVar(&f.weights, "path-to-generator", defaults.WeightsPath, "generator checkpoint (.zst accepted)")
	fs.StringVar(&f.backend, "backend", defaults.Backend, "inference backend")
	fs.IntVar(&f.port, "port", defaults.Port, "TCP listen port")
	fs.BoolVar(&f.flip, "flip", defaults.Flip, "flip panoramas vertically before inference")
	fs.StringVar(&f.profile, "profile", defaults.Profile.Name, "wire profile: "+strings.Join(protocol.ProfileNames(), ", "))
	fs.StringVar(&f.adminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
	fs.StringVar(&f.mode, "inference-mode", defaults.InferenceMode, "backend serialization: mutex or worker")
	fs.BoolP("help", "h", false, "show help")
	return fs
}

// applyFlags overrides cfg with every flag set explicitly on the command line.
func applyFlags(fs *pflag.FlagSet, f cliFlags, cfg *server.ServiceConfig) error {
	if fs.Changed("output") {
		cfg.OutputDir = strings.TrimSpace(f.output)
	}
	if fs.Changed("output-format") {
		format, err := diagnostics.ParseFormat(f.format)
		if err != nil {
			return err
		}
		cfg.DiagnosticsFormat = format
	}
	if fs.Changed("img-size-w") {
		cfg.Width = f.width
	}
	if fs.Changed("img-size-h") {
		cfg.Height = f.height
	}
	if fs.Changed("path-to-generator") {
		cfg.WeightsPath = strings.TrimSpace(f.weights)
	}
	if fs.Changed("backend") {
		cfg.Backend = strings.TrimSpace(f.backend)
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("flip") {
		cfg.Flip = f.flip
	}
	if fs.Changed("profile") {
		p, err := protocol.ParseProfile(f.profile)
		if err != nil {
			return err
		}
		cfg.Profile = p
	}
	if fs.Changed("admin-addr") {
		cfg.AdminAddr = strings.TrimSpace(f.adminAddr)
	}
	if fs.Changed("inference-mode") {
		cfg.InferenceMode = strings.TrimSpace(f.mode)
	}
	return nil
}

// resolveConfig parses args and layers defaults, the config file and flags.
func resolveConfig(args []string) (server.ServiceConfig, *pflag.FlagSet, error) {
	var f cliFlags
	fs := newFlagSet(&f)
	if err := fs.Parse(args); err != nil {
		return server.ServiceConfig{}, fs, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return server.ServiceConfig{}, fs, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	cfg := server.DefaultServiceConfig()
	if path := strings.TrimSpace(f.config); path != "" {
		loaded, err := loadServiceConfig(path)
		if err != nil {
			return server.ServiceConfig{}, fs, err
		}
		cfg = loaded
	}
	if err := applyFlags(fs, f, &cfg); err != nil {
		return server.ServiceConfig{}, fs, err
	}
	if tok := strings.TrimSpace(os.Getenv(envAdminToken)); tok != "" {
		cfg.AdminToken = tok
	}
	return cfg, fs, cfg.Validate()
}
