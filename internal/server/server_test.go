package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/panostream/internal/client"
	"github.com/danmuck/panostream/internal/diagnostics"
	"github.com/danmuck/panostream/internal/inference"
	"github.com/danmuck/panostream/internal/protocol"
	"github.com/danmuck/panostream/internal/protocol/frame"
	"github.com/danmuck/panostream/internal/testutil/testlog"
)

type harness struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
	_ = h.srv.Close()
}

func testConfig(w, h int) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Width = w
	cfg.Height = h
	return cfg
}

func startServer(t *testing.T, cfg ServiceConfig, deps Deps) *harness {
	t.Helper()
	if deps.Inference == nil {
		deps.Inference = inference.NewSerialized(inference.Identity{})
	}
	srv, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: srv, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
	})
	return h
}

func dial(t *testing.T, addr string, profile protocol.Profile) *client.Conn {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, profile)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Timeout = 10 * time.Second
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndRedPanoramaIdentity(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, testConfig(256, 128), Deps{})
	defer h.stop(t)

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	red := bytes.Repeat([]byte{255, 0, 0, 255}, 256*128)
	body := protocol.EncodeRequestBody(protocol.ProfileStitching, 256, 128, red)
	if err := frame.WriteFrame(conn, frame.StatusOK, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	hdr, err := frame.ReadHeader(conn)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	wantLen := uint32(protocol.TextureSizeLen + len(red))
	if hdr.Status != frame.StatusOK || hdr.PayloadLen != wantLen || hdr.PayloadLenRepeat != wantLen {
		t.Fatalf("unexpected header %+v", hdr)
	}
	resp, err := frame.ReadExactly(conn, int(hdr.PayloadLen))
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	w, hh, err := protocol.DecodeTextureSize(resp)
	if err != nil || w != 256 || hh != 128 {
		t.Fatalf("unexpected echo %dx%d err=%v", w, hh, err)
	}
	if !bytes.Equal(resp[protocol.TextureSizeLen:], red) {
		t.Fatalf("response is not the red panorama")
	}
}

func TestSessionIsolationUnderContention(t *testing.T) {
	testlog.Start(t)
	for _, mode := range []string{inference.ModeMutex, inference.ModeWorker} {
		t.Run(mode, func(t *testing.T) {
			svc, err := inference.NewService(mode, inference.Invert{}, 2)
			if err != nil {
				t.Fatalf("service: %v", err)
			}
			h := startServer(t, testConfig(32, 16), Deps{Inference: svc})
			defer h.stop(t)

			const clients, frames = 4, 6
			var wg sync.WaitGroup
			errs := make(chan error, clients)
			for i := 0; i < clients; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					c, err := client.Dial(context.Background(), h.addr, protocol.ProfileStitching)
					if err != nil {
						errs <- err
						return
					}
					defer c.Close()
					for n := 0; n < frames; n++ {
						v := byte(i*40 + n)
						in := bytes.Repeat([]byte{v, v + 1, v + 2, 255}, 32*16)
						want := bytes.Repeat([]byte{255 - v, 254 - v, 253 - v, 255}, 32*16)
						out, err := c.Infer(in, 32, 16)
						if err != nil {
							errs <- fmt.Errorf("client %d frame %d: %w", i, n, err)
							return
						}
						if !bytes.Equal(out, want) {
							errs <- fmt.Errorf("client %d frame %d: response belongs to another request", i, n)
							return
						}
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatal(err)
			}
		})
	}
}

func TestMalformedLengthTerminatesWithoutHanging(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, testConfig(16, 8), Deps{})
	defer h.stop(t)

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Declare 1000 body bytes, send 10, then half-close.
	hdr := frame.EncodeHeader(frame.Header{PayloadLen: 1000, PayloadLenRepeat: 1000})
	if _, err := conn.Write(append(hdr, make([]byte, 10)...)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	_ = conn.(*net.TCPConn).CloseWrite()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected server to close the connection, got %v", err)
	}
	waitFor(t, "session teardown", func() bool { return len(h.srv.Sessions()) == 0 })

	// The loop keeps serving new connections.
	c := dial(t, h.addr, protocol.ProfileStitching)
	defer c.Close()
	px := bytes.Repeat([]byte{1, 2, 3, 255}, 16*8)
	if _, err := c.Infer(px, 16, 8); err != nil {
		t.Fatalf("follow-up infer: %v", err)
	}
}

func TestSizeMismatchClosesWithoutResponse(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, testConfig(16, 8), Deps{})
	defer h.stop(t)

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	body := protocol.EncodeRequestBody(protocol.ProfileStitching, 16, 8, make([]byte, 100))
	if err := frame.WriteFrame(conn, frame.StatusOK, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 16))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected bare close, got n=%d err=%v", n, err)
	}
}

func TestSessionIDsStartAtZeroAndIncrease(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, testConfig(8, 4), Deps{})
	defer h.stop(t)

	a := dial(t, h.addr, protocol.ProfileStitching)
	defer a.Close()
	waitFor(t, "first session", func() bool { return len(h.srv.Sessions()) == 1 })
	b := dial(t, h.addr, protocol.ProfileStitching)
	defer b.Close()
	waitFor(t, "second session", func() bool { return len(h.srv.Sessions()) == 2 })

	list := h.srv.Sessions()
	if list[0].ID != 0 || list[1].ID != 1 {
		t.Fatalf("unexpected ids: %+v", list)
	}
	if list[0].State != StateReceiving.String() {
		t.Fatalf("idle session state = %q", list[0].State)
	}
}

func TestCompressedProfileEndToEnd(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(64, 32)
	cfg.Profile = protocol.ProfileCompressed
	h := startServer(t, cfg, Deps{})
	defer h.stop(t)

	c := dial(t, h.addr, protocol.ProfileCompressed)
	defer c.Close()
	in := bytes.Repeat([]byte{12, 34, 56, 255}, 64*32)
	out, err := c.Infer(in, 64, 32)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("compressed round trip mismatch")
	}
}

func TestBareProfileFlipRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(8, 4)
	cfg.Profile = protocol.ProfileBare
	cfg.Flip = true
	h := startServer(t, cfg, Deps{})
	defer h.stop(t)

	c := dial(t, h.addr, protocol.ProfileBare)
	defer c.Close()
	in := make([]byte, protocol.PanoramaSize(8, 4))
	for i := range in {
		in[i] = byte(i)
		if i%4 == 3 {
			in[i] = 255
		}
	}
	out, err := c.Infer(in, 8, 4)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("flip is not undone on the way out")
	}
}

func TestDiagnosticsWrittenPerSession(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	store, err := diagnostics.NewStore(root, diagnostics.FormatPNG)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h := startServer(t, testConfig(8, 4), Deps{Store: store})
	defer h.stop(t)

	c := dial(t, h.addr, protocol.ProfileStitching)
	px := bytes.Repeat([]byte{100, 0, 0, 255}, 8*4)
	for i := 0; i < 2; i++ {
		if _, err := c.Infer(px, 8, 4); err != nil {
			t.Fatalf("infer: %v", err)
		}
	}
	_ = c.Close()
	waitFor(t, "session teardown", func() bool { return len(h.srv.Sessions()) == 0 })

	for _, name := range []string{"result_panorama_0.png", "result_panorama_1.png"} {
		if _, err := os.Stat(filepath.Join(root, "127.0.0.1", "0", name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(root, ".scratch"))
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch not cleaned: %d entries", len(entries))
	}
}

func TestIdleTimeoutClosesSilentPeer(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(8, 4)
	cfg.IdleTimeout = 50 * time.Millisecond
	h := startServer(t, cfg, Deps{})
	defer h.stop(t)

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected idle close, got %v", err)
	}
}

func TestIdleTimeoutSparesTricklingPeer(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(4, 2)
	cfg.IdleTimeout = 100 * time.Millisecond
	h := startServer(t, cfg, Deps{})
	defer h.stop(t)

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pixels := bytes.Repeat([]byte{40, 80, 120, 255}, 4*2)
	body := protocol.EncodeRequestBody(protocol.ProfileStitching, 4, 2, pixels)
	n := uint32(len(body))
	wire := append(frame.EncodeHeader(frame.Header{PayloadLen: n, PayloadLenRepeat: n}), body...)
	// Whole request takes several idle periods; no single gap reaches one.
	for i := range wire {
		if _, err := conn.Write(wire[i : i+1]); err != nil {
			t.Fatalf("write byte %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr, err := frame.ReadHeader(conn)
	if err != nil {
		t.Fatalf("read response header: %v", err)
	}
	resp, err := frame.ReadExactly(conn, int(hdr.PayloadLen))
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	out, _, _, err := protocol.DecodeResponseBody(protocol.ProfileStitching, resp, 4, 2)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !bytes.Equal(out, pixels) {
		t.Fatalf("identity round trip mismatch")
	}
}

func TestShutdownClosesActiveSessions(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, testConfig(8, 4), Deps{})

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "session", func() bool { return len(h.srv.Sessions()) == 1 })
	if !h.srv.Ready() {
		t.Fatalf("server should be ready while serving")
	}
	h.stop(t)
	if h.srv.Ready() {
		t.Fatalf("server should not be ready after shutdown")
	}
	if n := len(h.srv.Sessions()); n != 0 {
		t.Fatalf("%d sessions survived shutdown", n)
	}
}

type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	failures int
}

type tempErr struct{}

func (tempErr) Error() string   { return "accept: too many open files" }
func (tempErr) Timeout() bool   { return false }
func (tempErr) Temporary() bool { return true }

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, tempErr{}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestAcceptErrorsDoNotStopLoop(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(8, 4)
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	srv, err := New(cfg, Deps{Inference: inference.NewSerialized(inference.Identity{})})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	inner, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := &flakyListener{Listener: inner, failures: 5}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, inner.Addr().String(), protocol.ProfileStitching)
	if _, err := c.Infer(bytes.Repeat([]byte{5, 5, 5, 255}, 32), 8, 4); err != nil {
		t.Fatalf("infer after accept failures: %v", err)
	}
	_ = c.Close()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

type failingStore struct{}

func (failingStore) OpenSession(string, uint64) (diagnostics.SessionStore, error) {
	return failingSession{}, nil
}

type failingSession struct{}

func (failingSession) Save(diagnostics.Snapshot) (string, error) {
	return "", errors.New("disk full")
}
func (failingSession) Close() error { return nil }

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	testlog.Start(t)
	h := startServer(t, testConfig(8, 4), Deps{Store: failingStore{}})
	defer h.stop(t)

	c := dial(t, h.addr, protocol.ProfileStitching)
	defer c.Close()
	px := bytes.Repeat([]byte{7, 7, 7, 255}, 32)
	for i := 0; i < 5; i++ {
		if _, err := c.Infer(px, 8, 4); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestOpenLoadsWeightsOrFails(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg := testConfig(8, 4)
	cfg.WeightsPath = filepath.Join(dir, "missing.pth.tar")
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected missing weights to fail startup")
	}

	cfg.WeightsPath = filepath.Join(dir, "model_best_generator.pth.tar")
	if err := os.WriteFile(cfg.WeightsPath, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	cfg.Backend = "unknown"
	if _, err := Open(cfg); !errors.Is(err, inference.ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}

	cfg.Backend = "invert"
	cfg.InferenceMode = inference.ModeWorker
	cfg.OutputDir = filepath.Join(dir, "out")
	srv, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer srv.Close()
	if srv.ckpt.Fingerprint == "" || srv.infer.Backend() != "invert" {
		t.Fatalf("server not wired: fingerprint=%q backend=%q", srv.ckpt.Fingerprint, srv.infer.Backend())
	}
	if _, ok := srv.store.(*diagnostics.FileStore); !ok {
		t.Fatalf("expected file store, got %T", srv.store)
	}
}
