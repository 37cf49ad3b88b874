package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vidshift/api/internal/model"
)

// commandResult is the captured output of one process.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// CommandError carries the failing invocation and the tail of its stderr.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// FFmpegEngine runs stages through the ffmpeg and ffprobe binaries.
type FFmpegEngine struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
}

// NewFFmpegEngine creates an engine for the given binaries. Empty paths
// fall back to the names on PATH.
func NewFFmpegEngine(ffmpegPath, ffprobePath string) *FFmpegEngine {
	return newFFmpegEngine(ffmpegPath, ffprobePath, execRunner{})
}

func newFFmpegEngine(ffmpegPath, ffprobePath string, runner commandRunner) *FFmpegEngine {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegEngine{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, runner: runner}
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads dimensions, duration, frame rate and audio presence.
func (e *FFmpegEngine) Probe(ctx context.Context, path string) (model.MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height,avg_frame_rate,r_frame_rate:format=duration",
		"-of", "json",
		path,
	}
	res, err := e.runner.Run(ctx, e.ffprobePath, args...)
	if err != nil {
		return model.MediaInfo{}, &CommandError{Command: e.ffprobePath, ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
	}
	return parseProbe([]byte(res.Stdout))
}

func parseProbe(data []byte) (model.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return model.MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info model.MediaInfo
	hasVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			info.Width, info.Height = s.Width, s.Height
			info.FPS = parseRate(s.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.RFrameRate)
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !hasVideo {
		return model.MediaInfo{}, errors.New("source has no video stream")
	}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	return info, nil
}

// parseRate converts "30000/1001" style rates.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Apply runs one ffmpeg pass.
func (e *FFmpegEngine) Apply(ctx context.Context, op Operation, in, out string) error {
	args := applyArgs(op, in, out)
	res, err := e.runner.Run(ctx, e.ffmpegPath, args...)
	if err != nil {
		return &CommandError{Command: e.ffmpegPath, ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
	}
	return nil
}

func applyArgs(op Operation, in, out string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in}
	if op.VideoFilter != "" {
		args = append(args, "-vf", op.VideoFilter)
	}
	if op.HasAudio && op.AudioFilter != "" {
		args = append(args, "-af", op.AudioFilter)
	}
	if !op.HasAudio {
		args = append(args, "-an")
	}

	if op.Encode == nil {
		args = append(args, "-c:v", "ffv1")
		if op.HasAudio {
			args = append(args, "-c:a", "pcm_s16le")
		}
		return append(args, out)
	}

	args = append(args, "-r", num(op.Encode.FPS))
	pixFmt := op.Encode.PixFmt
	if pixFmt == "" {
		pixFmt = pixFmtSubsampled
	}
	switch op.Encode.Format {
	case model.OutputFormatAVI:
		args = append(args, "-c:v", "mpeg4", "-q:v", "3")
		if op.HasAudio {
			args = append(args, "-c:a", "libmp3lame", "-q:a", "3")
		}
	case model.OutputFormatMOV:
		args = append(args, "-c:v", "libx264", "-pix_fmt", pixFmt, "-crf", "20")
		if op.HasAudio {
			args = append(args, "-c:a", "aac", "-b:a", "192k")
		}
	default:
		args = append(args, "-c:v", "libx264", "-pix_fmt", pixFmt, "-crf", "20", "-movflags", "+faststart")
		if op.HasAudio {
			args = append(args, "-c:a", "aac", "-b:a", "192k")
		}
	}
	return append(args, out)
}

// tail keeps the last lines of ffmpeg's stderr, which hold the error.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
