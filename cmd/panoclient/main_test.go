package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/danmuck/panostream/internal/testutil/testlog"
)

func TestSolidColourPanorama(t *testing.T) {
	testlog.Start(t)
	px, err := loadPanorama("", "#00ff0080", 4, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(px, bytes.Repeat([]byte{0, 255, 0, 128}, 8)) {
		t.Fatalf("unexpected pixels %v", px)
	}
	if _, err := loadPanorama("", "red", 4, 2); err == nil {
		t.Fatalf("expected bad colour error")
	}
}

func TestPNGRoundTripAndResize(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "pano.png")
	px := bytes.Repeat([]byte{10, 20, 30, 255}, 8*4)
	if err := savePanorama(path, px, 8, 4); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadPanorama(path, "", 8, 4)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, px) {
		t.Fatalf("same-size load changed pixels")
	}
	scaled, err := loadPanorama(path, "", 16, 8)
	if err != nil {
		t.Fatalf("load scaled: %v", err)
	}
	if len(scaled) != 16*8*4 {
		t.Fatalf("scaled size %d", len(scaled))
	}
}
