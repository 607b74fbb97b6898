package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/panostream/internal/protocol/frame"
)

// TextureSizeLen is the size of the optional (width, height) sub-header.
const TextureSizeLen = 8

// BytesPerPixel is the RGBA stride of every panorama on the wire.
const BytesPerPixel = 4

// Profile selects the wire capabilities shared by a server and its clients.
type Profile struct {
	Name string
	// TextureSizeHeader means request bodies start with (width, height).
	TextureSizeHeader bool
	// EchoSize means response bodies start with (width, height).
	EchoSize bool
	// Compressed means a request whose two header lengths differ carries a
	// gzip body of PayloadLen bytes inflating to PayloadLenRepeat bytes.
	Compressed bool
	// AlphaAnyNonZero means any non-zero alpha marks a foreground pixel, as
	// the bare engine renders its mask.
	AlphaAnyNonZero bool
}

var (
	// ProfileStitching matches the light estimation stitching engine.
	ProfileStitching = Profile{Name: "stitching", TextureSizeHeader: true, EchoSize: true}
	// ProfileBare carries raw pixels only, in both directions.
	ProfileBare = Profile{Name: "bare", AlphaAnyNonZero: true}
	// ProfileCompressed is the stitching layout with gzip request bodies.
	ProfileCompressed = Profile{Name: "compressed", TextureSizeHeader: true, EchoSize: true, Compressed: true}
)

var profiles = map[string]Profile{
	ProfileStitching.Name:  ProfileStitching,
	ProfileBare.Name:       ProfileBare,
	ProfileCompressed.Name: ProfileCompressed,
}

// ParseProfile resolves a profile by name.
func ParseProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("protocol: unknown profile %q (known: %s)", name, strings.Join(ProfileNames(), ", "))
	}
	return p, nil
}

func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PanoramaSize returns the RGBA byte count for a width x height panorama.
func PanoramaSize(width, height int) int {
	return width * height * BytesPerPixel
}

// Request is one decoded panorama request.
type Request struct {
	Header frame.Header
	// Width and Height are the sub-header values, zero when the profile has
	// no texture size header. They are informational only.
	Width  uint32
	Height uint32
	Pixels []byte
}
