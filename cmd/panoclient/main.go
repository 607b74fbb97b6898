package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	xdraw "golang.org/x/image/draw"

	"github.com/danmuck/panostream/internal/client"
	"github.com/danmuck/panostream/internal/logging"
	"github.com/danmuck/panostream/internal/protocol"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "panoclient: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		addr    string
		profile string
		in      string
		out     string
		color   string
		width   int
		height  int
		count   int
		timeout time.Duration
	)
	fs := pflag.NewFlagSet("panoclient", pflag.ContinueOnError)
	fs.StringVar(&addr, "addr", "127.0.0.1:12346", "panoserve address")
	fs.StringVar(&profile, "profile", protocol.ProfileStitching.Name, "wire profile: "+strings.Join(protocol.ProfileNames(), ", "))
	fs.StringVar(&in, "in", "", "input PNG; resized to the wire size when it differs")
	fs.StringVar(&out, "out", "result.png", "where to write the returned panorama")
	fs.StringVar(&color, "color", "ff0000ff", "RGBA hex fill used when --in is empty")
	fs.IntVar(&width, "img-size-w", 256, "panorama width in pixels")
	fs.IntVar(&height, "img-size-h", 128, "panorama height in pixels")
	fs.IntVar(&count, "count", 1, "requests to send on the one connection")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logging.ConfigureRuntime()

	p, err := protocol.ParseProfile(profile)
	if err != nil {
		return err
	}
	pixels, err := loadPanorama(in, color, width, height)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	conn, err := client.Dial(ctx, addr, p)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.Timeout = timeout

	var result []byte
	for i := 0; i < count; i++ {
		start := time.Now()
		result, err = conn.Infer(pixels, width, height)
		if err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
		log.Info().Int("seq", i).Dur("rtt", time.Since(start)).Int("bytes", len(result)).Msg("response received")
	}
	return savePanorama(out, result, width, height)
}

func loadPanorama(path, fill string, width, height int) ([]byte, error) {
	if path == "" {
		rgba, err := hex.DecodeString(strings.TrimPrefix(fill, "#"))
		if err != nil || len(rgba) != 4 {
			return nil, fmt.Errorf("color %q: want 8 hex digits RRGGBBAA", fill)
		}
		buf := make([]byte, protocol.PanoramaSize(width, height))
		for i := 0; i < len(buf); i += 4 {
			copy(buf[i:i+4], rgba)
		}
		return buf, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	// The wire carries straight (non-premultiplied) alpha.
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		xdraw.Copy(dst, image.Point{}, src, src.Bounds(), xdraw.Src, nil)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}
	return dst.Pix, nil
}

func savePanorama(path string, pixels []byte, width, height int) error {
	img := &image.NRGBA{Pix: pixels, Stride: width * protocol.BytesPerPixel, Rect: image.Rect(0, 0, width, height)}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
