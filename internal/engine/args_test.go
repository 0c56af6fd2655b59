package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogglobi/zonecast/internal/source"
)

func argsFor(t *testing.T, src source.Source, profile source.Profile, settings source.OutputSettings) []string {
	t.Helper()
	cmd, err := buildCommand("/usr/bin/ffmpeg", src, profile, settings)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	return cmd.Args
}

// argPair reports whether flag is immediately followed by value.
func argPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestBuildCommandFilePCM(t *testing.T) {
	args := argsFor(t, source.FileSource{Path: "/music/a.flac"}, source.ProfilePCM, testSettings())

	assert.True(t, argPair(args, "-i", "/music/a.flac"))
	assert.True(t, argPair(args, "-c:a", "pcm_s16le"))
	assert.True(t, argPair(args, "-f", "s16le"))
	assert.True(t, argPair(args, "-ar", "44100"))
	assert.True(t, argPair(args, "-ac", "2"))
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.NotContains(t, args, "-re")
}

func TestBuildCommandFileOptions(t *testing.T) {
	src := source.FileSource{
		Path:       "/sounds/doorbell.wav",
		Loop:       true,
		RealTime:   true,
		StartAtSec: 1.5,
		PreDelayMs: 200,
		PadTailSec: 2,
	}
	settings := testSettings()
	settings.GainDB = -6

	args := argsFor(t, src, source.ProfilePCM, settings)

	assert.Contains(t, args, "-re")
	assert.True(t, argPair(args, "-ss", "1.5"))
	assert.True(t, argPair(args, "-stream_loop", "-1"))

	filter := filterArg(t, args)
	assert.Contains(t, filter, "adelay=200:all=1")
	assert.Contains(t, filter, "apad=pad_dur=2")
	assert.Contains(t, filter, "volume=-6dB")
}

func TestBuildCommandURL(t *testing.T) {
	src := source.URLSource{
		URL:              "https://radio.example/stream",
		Headers:          map[string]string{"X-Token": "abc", "Accept": "*/*"},
		RestartOnFailure: true,
		LowLatency:       true,
	}
	args := argsFor(t, src, source.ProfileOpus, testSettings())

	assert.True(t, argPair(args, "-i", "https://radio.example/stream"))
	assert.True(t, argPair(args, "-analyzeduration", "500000"))
	assert.True(t, argPair(args, "-reconnect", "1"))
	assert.True(t, argPair(args, "-tls_verify", "0"))
	assert.True(t, argPair(args, "-headers", "Accept: */*\r\nX-Token: abc\r\n"))
	assert.True(t, argPair(args, "-c:a", "libopus"))
	assert.True(t, argPair(args, "-f", "ogg"))
	assert.True(t, argPair(args, "-b:a", "192k"))
}

func TestBuildCommandLivePipe(t *testing.T) {
	src := source.PipeSource{Format: "s16le", SampleRate: 44100, Channels: 2, Live: nopReader{}}
	args := argsFor(t, src, source.ProfileFLAC, testSettings())

	assert.True(t, argPair(args, "-i", "pipe:0"))
	assert.True(t, argPair(args, "-c:a", "flac"))
	assert.True(t, argPair(args, "-f", "flac"))
}

func TestBuildCommandValidation(t *testing.T) {
	settings := testSettings()

	_, err := buildCommand("/usr/bin/ffmpeg", source.FileSource{}, source.ProfilePCM, settings)
	assert.Error(t, err)

	_, err = buildCommand("/usr/bin/ffmpeg", source.PipeSource{}, source.ProfilePCM, settings)
	assert.Error(t, err)

	_, err = buildCommand("/usr/bin/ffmpeg", source.FileSource{Path: "/a"}, source.Profile("wav"), settings)
	assert.Error(t, err)

	bad := settings
	bad.PCMBitDepth = 12
	_, err = buildCommand("/usr/bin/ffmpeg", source.FileSource{Path: "/a"}, source.ProfilePCM, bad)
	assert.Error(t, err)
}

// filterArg extracts the -af value.
func filterArg(t *testing.T, args []string) string {
	t.Helper()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-af" {
			return args[i+1]
		}
	}
	t.Fatalf("no -af in %s", strings.Join(args, " "))
	return ""
}

type nopReader struct{}

func (nopReader) Read([]byte) (int, error) { return 0, nil }
func (nopReader) Close() error             { return nil }
