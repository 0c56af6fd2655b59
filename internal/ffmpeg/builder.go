package ffmpeg

import (
	"strconv"
	"strings"
)

// Command represents a fully built FFmpeg invocation.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command line for logging.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder builds FFmpeg commands with a fluent API. Argument order
// matters to FFmpeg: global flags, then per-input flags, then the input, then
// filters and output flags, then the output.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filters    []string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner suppresses the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// GlobalArgs appends raw global arguments.
func (b *CommandBuilder) GlobalArgs(args ...string) *CommandBuilder {
	b.globalArgs = append(b.globalArgs, args...)
	return b
}

// InputArgs appends raw arguments applied to the next input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// RealTime paces input reading at native speed (-re).
func (b *CommandBuilder) RealTime() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-re")
	return b
}

// SeekTo seeks the input to the given offset in seconds (fast seek, pre -i).
func (b *CommandBuilder) SeekTo(seconds float64) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-ss", strconv.FormatFloat(seconds, 'f', -1, 64))
	return b
}

// LoopInput loops the input indefinitely.
func (b *CommandBuilder) LoopInput() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-stream_loop", "-1")
	return b
}

// InputFormat forces the demuxer format of the input.
func (b *CommandBuilder) InputFormat(format string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-f", format)
	return b
}

// Input sets the input path, URL or pipe.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// AudioFilter appends an entry to the audio filter chain (-af).
func (b *CommandBuilder) AudioFilter(filter string) *CommandBuilder {
	b.filters = append(b.filters, filter)
	return b
}

// OutputArgs appends raw output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// AudioCodec sets the audio encoder (-c:a).
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate (-b:a), e.g. "192k".
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioChannels sets the output channel count (-ac).
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// SampleRate sets the output sample rate (-ar).
func (b *CommandBuilder) SampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// NoVideo drops any video streams (-vn).
func (b *CommandBuilder) NoVideo() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-vn")
	return b
}

// OutputFormat forces the muxer format of the output.
func (b *CommandBuilder) OutputFormat(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// FlushPackets enables per-packet muxer flushing for low-latency piping.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// Output sets the output path or pipe.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the final command.
func (b *CommandBuilder) Build() Command {
	args := make([]string, 0, len(b.globalArgs)+len(b.inputArgs)+len(b.outputArgs)+8)
	args = append(args, b.globalArgs...)
	if b.logLevel != "" {
		args = append(args, "-loglevel", b.logLevel)
	}
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	if len(b.filters) > 0 {
		args = append(args, "-af", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}
	return Command{Binary: b.binary, Args: args}
}
