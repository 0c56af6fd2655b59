// Package ffmpeg provides FFmpeg binary detection and command construction.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrBinaryNotFound is returned when no usable ffmpeg binary can be located.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// BinaryInfo contains information about the detected FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath   string `json:"ffmpeg_path"`
	Version      string `json:"version"`
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
}

// versionPattern matches the version token of `ffmpeg -version` output.
var versionPattern = regexp.MustCompile(`ffmpeg version (\S+)`)

// BinaryDetector handles detection and caching of the FFmpeg binary.
type BinaryDetector struct {
	mu           sync.RWMutex
	configured   string
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a new binary detector. If path is non-empty it is
// used verbatim instead of searching PATH.
func NewBinaryDetector(path string) *BinaryDetector {
	return &BinaryDetector{
		configured: path,
		cacheTTL:   5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect locates the ffmpeg binary and probes its version. Results are cached.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := *d.info
		d.mu.RUnlock()
		return &info, nil
	}
	d.mu.RUnlock()

	path := d.configured
	if path == "" {
		found, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("%w: install ffmpeg or set ffmpeg.binary_path", ErrBinaryNotFound)
		}
		path = found
	}

	info := &BinaryInfo{FFmpegPath: path}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("probing ffmpeg version: %w", err)
	}
	if m := versionPattern.FindStringSubmatch(string(out)); m != nil {
		info.Version = m[1]
		info.MajorVersion, info.MinorVersion = parseMajorMinor(m[1])
	}

	d.mu.Lock()
	d.info = info
	d.lastDetected = time.Now()
	d.mu.Unlock()

	result := *info
	return &result, nil
}

// parseMajorMinor extracts numeric major/minor components from a version
// string such as "6.1.1" or "n7.0-dev".
func parseMajorMinor(v string) (int, int) {
	v = strings.TrimPrefix(v, "n")
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' })
	var major, minor int
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}
