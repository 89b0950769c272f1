// Package ffmpeg provides a shell-out wrapper for the ffmpeg binary.
//
// The media pipeline delegates all transcoding to ffmpeg. Every invocation
// runs under a bounded timeout and reports progress parsed from stderr.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Video encode modes.
const (
	ModeCopy = "copy"
	ModeX265 = "x265"
	ModeGIF  = "gif"
)

// DefaultCRF is the quality factor for x265 re-encodes.
const DefaultCRF = 28

// Available reports whether the ffmpeg binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// Runner invokes ffmpeg with a per-invocation timeout.
type Runner struct {
	Timeout time.Duration
	Log     zerolog.Logger
}

// TranscodeVideo converts the video at inputPath into an mp4 at outputPath.
// ModeCopy remuxes without re-encoding; ModeX265 re-encodes.
func (r *Runner) TranscodeVideo(ctx context.Context, inputPath, outputPath, mode string) error {
	var args []string
	var label string
	switch mode {
	case ModeX265:
		args = []string{
			"-i", inputPath,
			"-c:v", "libx265",
			"-crf", strconv.Itoa(DefaultCRF),
			"-c:a", "copy",
			"-movflags", "+faststart",
			"-pix_fmt", "yuv420p",
			"-tag:v", "hvc1",
			"-f", "mp4",
			outputPath,
		}
		label = "video-x265"
	default:
		args = []string{
			"-i", inputPath,
			"-c:v", "copy",
			"-c:a", "copy",
			"-movflags", "+faststart",
			"-f", "mp4",
			outputPath,
		}
		label = "video-copy"
	}
	return r.run(ctx, label, args)
}

// TranscodeGIF converts an animated GIF source into a palette-optimized GIF.
func (r *Runner) TranscodeGIF(ctx context.Context, inputPath, outputPath string, fpsMax int) error {
	args := []string{
		"-i", inputPath,
		"-filter_complex",
		fmt.Sprintf("[0:v] fps=%d,split [a][b];[a] palettegen [p];[b][p] paletteuse", fpsMax),
		"-f", "gif",
		outputPath,
	}
	return r.run(ctx, fmt.Sprintf("gif2gif-fps%d", fpsMax), args)
}

// GIFToVideo converts an animated GIF source into an x265 mp4.
func (r *Runner) GIFToVideo(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-i", inputPath,
		"-c:v", "libx265",
		"-crf", strconv.Itoa(DefaultCRF),
		"-movflags", "+faststart",
		"-pix_fmt", "yuv420p",
		"-tag:v", "hvc1",
		"-f", "mp4",
		outputPath,
	}
	return r.run(ctx, "gif2video", args)
}

// EncodeImageAVIF re-encodes an image as AVIF. quality is 0-100.
func (r *Runner) EncodeImageAVIF(ctx context.Context, inputPath, outputPath string, quality int) error {
	crf := 63 - quality*63/100
	args := []string{
		"-i", inputPath,
		"-c:v", "libaom-av1",
		"-crf", strconv.Itoa(crf),
		"-b:v", "0",
		"-f", "avif",
		outputPath,
	}
	return r.run(ctx, fmt.Sprintf("img2avif-q%d", quality), args)
}

func (r *Runner) run(ctx context.Context, label string, args []string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", append([]string{"-hide_banner", "-y"}, args...)...)
	progress := &progressWriter{log: r.Log.With().Str("ffmpeg", label).Logger()}
	cmd.Stderr = progress

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg %s: timeout after %s", label, r.Timeout)
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", label, err, progress.tail())
	}

	r.Log.Debug().Str("ffmpeg", label).Dur("elapsed", time.Since(start)).Msg("transcode done")
	return nil
}

var (
	timeRe     = regexp.MustCompile(`time=(\d+:\d+:\d+\.\d+)`)
	durationRe = regexp.MustCompile(`Duration:\s*(\d+:\d+:\d+\.\d+)`)
	speedRe    = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// parseSeconds converts an HH:MM:SS.ff timestamp to seconds.
func parseSeconds(ts string) float64 {
	parts := strings.SplitN(ts, ":", 3)
	if len(parts) != 3 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	s, _ := strconv.ParseFloat(parts[2], 64)
	return float64(h)*3600 + float64(m)*60 + s
}

// progressWriter scans ffmpeg's stderr stream for Duration/time/speed
// markers and logs progress roughly every ten media seconds. It keeps a
// bounded tail for error reporting.
type progressWriter struct {
	log        zerolog.Logger
	buf        bytes.Buffer
	duration   float64
	lastLogged float64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.buf.Len() > 4096 {
		w.buf.Next(w.buf.Len() - 4096)
	}

	chunk := string(p)
	if w.duration == 0 {
		if m := durationRe.FindStringSubmatch(chunk); m != nil {
			w.duration = parseSeconds(m[1])
		}
	}
	for _, m := range timeRe.FindAllStringSubmatch(chunk, -1) {
		current := parseSeconds(m[1])
		if current-w.lastLogged < 10 && current != 0 {
			continue
		}
		speed := "?"
		if sm := speedRe.FindStringSubmatch(chunk); sm != nil {
			speed = sm[1]
		}
		ev := w.log.Info().Float64("sec", current).Str("speed", speed+"x")
		if w.duration > 0 {
			pct := current / w.duration * 100
			if pct > 100 {
				pct = 100
			}
			ev = ev.Float64("pct", pct)
		}
		ev.Msg("transcoding")
		w.lastLogged = current
	}
	return len(p), nil
}

func (w *progressWriter) tail() string {
	return strings.TrimSpace(w.buf.String())
}
