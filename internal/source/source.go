// Package source defines playback source descriptors and output profiles for
// the transcoding engine. A Source describes where audio comes from; it is
// immutable once handed to a session.
package source

import (
	"fmt"
	"io"
)

// Source is a playback source descriptor. Exactly one of the concrete types
// FileSource, URLSource or PipeSource is used per session.
type Source interface {
	// Describe returns a short human-readable description for logging.
	Describe() string
	// IsRealTime reports whether the transcoder should pace input reading at
	// native speed.
	IsRealTime() bool
	// RestartsOnFailure reports whether an unexpected transcoder exit should
	// trigger a restart for this source.
	RestartsOnFailure() bool
}

// FileSource plays a local file.
type FileSource struct {
	Path string
	// Loop restarts the file indefinitely when it ends.
	Loop bool
	// PadTailSec appends this many seconds of silence after the file ends.
	// Used for short alert sounds so the tail is not cut off by teardown.
	PadTailSec float64
	// PreDelayMs prepends this many milliseconds of silence.
	PreDelayMs int
	// StartAtSec seeks into the file before playback.
	StartAtSec float64
	// RealTime paces reading at native speed.
	RealTime bool
}

func (s FileSource) Describe() string        { return "file:" + s.Path }
func (s FileSource) IsRealTime() bool        { return s.RealTime }
func (s FileSource) RestartsOnFailure() bool { return false }

// URLSource plays a remote URL (plain HTTP(S) or any protocol the transcoder
// understands). DecryptionKey is handed to the transcoder verbatim; the engine
// performs no cryptography itself.
type URLSource struct {
	URL     string
	Headers map[string]string
	// DecryptionKey is an optional hex key for encrypted streams.
	DecryptionKey string
	// TLSVerifyHost disables certificate host verification when false.
	TLSVerifyHost bool
	// InputFormat forces the input demuxer (empty = probe).
	InputFormat string
	StartAtSec  float64
	RealTime    bool
	// LowLatency shrinks input probing for fast start at the cost of
	// less reliable format detection.
	LowLatency bool
	// RestartOnFailure restarts the session with backoff when the transcoder
	// exits unexpectedly.
	RestartOnFailure bool
}

func (s URLSource) Describe() string        { return "url:" + s.URL }
func (s URLSource) IsRealTime() bool        { return s.RealTime }
func (s URLSource) RestartsOnFailure() bool { return s.RestartOnFailure }

// PipeSource plays from a named pipe or a live byte-stream handle.
type PipeSource struct {
	// Path is the named pipe path. Ignored when Live is set.
	Path string
	// Format is the raw input format (e.g. "s16le"). Empty = probe.
	Format string
	// SampleRate and Channels describe raw input when Format is a raw PCM
	// format that carries no header.
	SampleRate int
	Channels   int
	RealTime   bool
	// Live is an optional live byte-stream handle piped directly into the
	// transcoder's stdin.
	Live io.ReadCloser
}

func (s PipeSource) Describe() string {
	if s.Live != nil {
		return "pipe:live"
	}
	return "pipe:" + s.Path
}
func (s PipeSource) IsRealTime() bool        { return s.RealTime }
func (s PipeSource) RestartsOnFailure() bool { return false }

// Profile is a target audio encoding.
type Profile string

// Supported output profiles.
const (
	ProfileMP3  Profile = "mp3"
	ProfileAAC  Profile = "aac"
	ProfilePCM  Profile = "pcm"
	ProfileOpus Profile = "opus"
	ProfileFLAC Profile = "flac"
)

// Profiles lists all supported output profiles.
func Profiles() []Profile {
	return []Profile{ProfileMP3, ProfileAAC, ProfilePCM, ProfileOpus, ProfileFLAC}
}

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	switch p {
	case ProfileMP3, ProfileAAC, ProfilePCM, ProfileOpus, ProfileFLAC:
		return true
	}
	return false
}

// Encoded reports whether the profile produces framed encoded packets rather
// than raw PCM.
func (p Profile) Encoded() bool {
	return p == ProfileOpus || p == ProfileFLAC
}

func (p Profile) String() string { return string(p) }

// ParseProfile converts a string to a Profile.
func ParseProfile(s string) (Profile, error) {
	p := Profile(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown output profile %q", s)
	}
	return p, nil
}

// OutputSettings holds the audio parameters of a session's output. All fields
// are resolved once at construction and passed by value; there is no implicit
// default merging after that point.
type OutputSettings struct {
	SampleRate  int
	Channels    int
	PCMBitDepth int
	BitrateKbps int
	// PrebufferBytes caps the session's rolling buffer.
	PrebufferBytes int64
	// PreserveInitialBuffer disables oldest-first trimming so short alert
	// sounds can always be replayed to late consumers in full.
	PreserveInitialBuffer bool
	// GainDB applies a fixed gain filter at the transcoder.
	GainDB float64
	// ICY/HTTP metadata threaded through to URL-based outputs. Not consumed
	// by the wire scheduler.
	IcyName  string
	IcyGenre string
	IcyURL   string
}

// Validate checks settings for usable values.
func (s OutputSettings) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if s.Channels <= 0 {
		return fmt.Errorf("channel count must be positive")
	}
	switch s.PCMBitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("pcm bit depth must be 16, 24 or 32")
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate for these settings.
func (s OutputSettings) BytesPerSecond() int {
	return s.SampleRate * s.Channels * s.PCMBitDepth / 8
}
