package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command is a prepared ffmpeg invocation.
type Command struct {
	Binary string
	Args   []string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time

	stderrMu    sync.Mutex
	stderrLines []string
	stderrDone  chan struct{}
}

// CommandBuilder builds ffmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	logLevel   string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
}

// NewCommandBuilder creates a builder for the given binary.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner suppresses the startup banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops ffmpeg from reading interactive commands.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// InputArgs adds arguments placed before -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// RawVideoInput declares a headerless NV12 picture stream.
func (b *CommandBuilder) RawVideoInput(width, height, fps int) *CommandBuilder {
	return b.InputArgs(
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", strconv.Itoa(fps),
	)
}

// VideoCodec sets the output video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoBitrate sets the target video bitrate in bits per second.
func (b *CommandBuilder) VideoBitrate(bps int) *CommandBuilder {
	if bps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:v", strconv.Itoa(bps))
	}
	return b
}

// VideoPreset sets the encoder preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// GOP sets the keyframe interval in frames.
func (b *CommandBuilder) GOP(frames int) *CommandBuilder {
	if frames > 0 {
		b.outputArgs = append(b.outputArgs, "-g", strconv.Itoa(frames))
	}
	return b
}

// OutputArgs adds arguments placed before the output.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the argument list.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
	}
}

// HEVCEncodeOptions describes a raw NV12 to HEVC elementary stream encoder.
type HEVCEncodeOptions struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
	Encoder string
	Preset  string
	GOP     int
}

// NewHEVCEncodeCommand builds an encoder that reads packed NV12 pictures on
// stdin and writes an Annex B stream with access unit delimiters and no
// B-frames to stdout.
func NewHEVCEncodeCommand(ffmpegPath string, opts HEVCEncodeOptions) *Command {
	encoder := opts.Encoder
	if encoder == "" {
		encoder = "libx265"
	}

	b := NewCommandBuilder(ffmpegPath).
		HideBanner().
		NoStdin().
		RawVideoInput(opts.Width, opts.Height, opts.FPS).
		Input("pipe:0").
		VideoCodec(encoder).
		VideoBitrate(opts.Bitrate).
		VideoPreset(opts.Preset)

	if encoder == "libx265" {
		params := []string{"aud=1", "bframes=0", "repeat-headers=0", "log-level=error"}
		if opts.GOP > 0 {
			params = append(params, fmt.Sprintf("keyint=%d", opts.GOP))
		}
		b.OutputArgs("-x265-params", strings.Join(params, ":"))
	} else {
		b.GOP(opts.GOP).OutputArgs("-bf", "0", "-aud", "1")
	}

	return b.OutputArgs("-f", "hevc").Output("pipe:1").Build()
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Pipes are the stdio streams of a started command.
type Pipes struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}

// Start launches the process with stdin and stdout piped. Stderr is kept as
// a short tail for diagnostics.
func (c *Command) Start(ctx context.Context) (*Pipes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, errors.New("command already started")
	}
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Binary, err)
	}
	c.cmd = cmd
	c.started = time.Now()
	c.stderrDone = make(chan struct{})

	go c.collectStderr(stderr)
	return &Pipes{Stdin: stdin, Stdout: stdout}, nil
}

const stderrTail = 32

func (c *Command) collectStderr(r io.Reader) {
	defer close(c.stderrDone)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.stderrMu.Lock()
		c.stderrLines = append(c.stderrLines, sc.Text())
		if len(c.stderrLines) > stderrTail {
			c.stderrLines = c.stderrLines[len(c.stderrLines)-stderrTail:]
		}
		c.stderrMu.Unlock()
	}
}

// StderrTail returns the most recent stderr lines.
func (c *Command) StderrTail() []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	return append([]string(nil), c.stderrLines...)
}

// Wait waits for the process to exit. Stdout must be fully read first.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd, done := c.cmd, c.stderrDone
	c.mu.RUnlock()

	if cmd == nil {
		return errors.New("command not started")
	}
	<-done
	return cmd.Wait()
}

// Kill terminates the process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Duration returns how long the process has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}
