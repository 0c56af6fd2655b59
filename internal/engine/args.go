package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ogglobi/zonecast/internal/ffmpeg"
	"github.com/ogglobi/zonecast/internal/source"
)

// buildCommand translates a playback source and output profile into a full
// transcoder invocation reading from the source and writing the target format
// to stdout.
func buildCommand(ffmpegPath string, src source.Source, profile source.Profile, settings source.OutputSettings) (ffmpeg.Command, error) {
	b := ffmpeg.NewCommandBuilder(ffmpegPath)
	b.HideBanner().LogLevel("warning")

	if err := applyInputArgs(b, src); err != nil {
		return ffmpeg.Command{}, err
	}
	applyFilterArgs(b, src, settings)
	if err := applyOutputArgs(b, profile, settings); err != nil {
		return ffmpeg.Command{}, err
	}

	b.FlushPackets()
	b.Output("pipe:1")
	return b.Build(), nil
}

// applyInputArgs sets per-variant input flags. Order matters: seek, pacing and
// probe flags must precede -i.
func applyInputArgs(b *ffmpeg.CommandBuilder, src source.Source) error {
	switch s := src.(type) {
	case source.FileSource:
		if s.Path == "" {
			return fmt.Errorf("file source: empty path")
		}
		if s.StartAtSec > 0 {
			b.SeekTo(s.StartAtSec)
		}
		if s.Loop {
			b.LoopInput()
		}
		if s.RealTime {
			b.RealTime()
		}
		b.Input(s.Path)

	case source.URLSource:
		if s.URL == "" {
			return fmt.Errorf("url source: empty url")
		}
		if s.LowLatency {
			b.InputArgs("-analyzeduration", "500000", "-probesize", "500000")
		} else {
			b.InputArgs("-analyzeduration", "2000000", "-probesize", "2000000")
		}
		if s.RestartOnFailure {
			b.InputArgs("-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
		}
		if len(s.Headers) > 0 {
			b.InputArgs("-headers", headerBlock(s.Headers))
		}
		if s.DecryptionKey != "" {
			b.InputArgs("-decryption_key", s.DecryptionKey)
		}
		if !s.TLSVerifyHost && strings.HasPrefix(s.URL, "https://") {
			b.InputArgs("-tls_verify", "0")
		}
		if s.InputFormat != "" {
			b.InputFormat(s.InputFormat)
		}
		if s.StartAtSec > 0 {
			b.SeekTo(s.StartAtSec)
		}
		if s.RealTime {
			b.RealTime()
		}
		b.Input(s.URL)

	case source.PipeSource:
		if s.Format != "" {
			b.InputFormat(s.Format)
			if s.SampleRate > 0 {
				b.InputArgs("-ar", fmt.Sprintf("%d", s.SampleRate))
			}
			if s.Channels > 0 {
				b.InputArgs("-ac", fmt.Sprintf("%d", s.Channels))
			}
		}
		if s.RealTime {
			b.RealTime()
		}
		if s.Live != nil {
			b.Input("pipe:0")
		} else {
			if s.Path == "" {
				return fmt.Errorf("pipe source: empty path and no live handle")
			}
			b.Input(s.Path)
		}

	default:
		return fmt.Errorf("unsupported source type %T", src)
	}
	return nil
}

// applyFilterArgs builds the audio filter chain: pre-delay, tail padding and
// fixed gain.
func applyFilterArgs(b *ffmpeg.CommandBuilder, src source.Source, settings source.OutputSettings) {
	if f, ok := src.(source.FileSource); ok {
		if f.PreDelayMs > 0 {
			b.AudioFilter(fmt.Sprintf("adelay=%d:all=1", f.PreDelayMs))
		}
		if f.PadTailSec > 0 {
			b.AudioFilter(fmt.Sprintf("apad=pad_dur=%g", f.PadTailSec))
		}
	}
	if settings.GainDB != 0 {
		b.AudioFilter(fmt.Sprintf("volume=%gdB", settings.GainDB))
	}
}

// applyOutputArgs sets the encoder and container for the target profile.
func applyOutputArgs(b *ffmpeg.CommandBuilder, profile source.Profile, settings source.OutputSettings) error {
	b.NoVideo()
	b.SampleRate(settings.SampleRate)
	b.AudioChannels(settings.Channels)

	bitrate := fmt.Sprintf("%dk", settings.BitrateKbps)

	switch profile {
	case source.ProfileMP3:
		b.AudioCodec("libmp3lame").AudioBitrate(bitrate).OutputFormat("mp3")
	case source.ProfileAAC:
		b.AudioCodec("aac").AudioBitrate(bitrate).OutputFormat("adts")
	case source.ProfilePCM:
		codec, format, err := pcmCodec(settings.PCMBitDepth)
		if err != nil {
			return err
		}
		b.AudioCodec(codec).OutputFormat(format)
	case source.ProfileOpus:
		b.AudioCodec("libopus").AudioBitrate(bitrate).OutputFormat("ogg")
	case source.ProfileFLAC:
		b.AudioCodec("flac").OutputFormat("flac")
	default:
		return fmt.Errorf("unsupported output profile %q", profile)
	}
	return nil
}

// pcmCodec maps a bit depth to the ffmpeg codec and raw format names.
func pcmCodec(bitDepth int) (codec, format string, err error) {
	switch bitDepth {
	case 16:
		return "pcm_s16le", "s16le", nil
	case 24:
		return "pcm_s24le", "s24le", nil
	case 32:
		return "pcm_s32le", "s32le", nil
	default:
		return "", "", fmt.Errorf("unsupported pcm bit depth %d", bitDepth)
	}
}

// headerBlock renders custom headers in the CRLF-joined form ffmpeg expects.
// Keys are sorted so the built command is deterministic.
func headerBlock(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(headers[k])
		sb.WriteString("\r\n")
	}
	return sb.String()
}
