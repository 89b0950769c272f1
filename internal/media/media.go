// Package media prepares source post attachments for upload: download into
// a scoped temporary directory, optional transcode, sensitivity flagging.
//
// Items are independent: one failed download or transcode never aborts the
// rest of the post's attachments.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kagamibot/kagami/internal/config"
	"github.com/kagamibot/kagami/internal/types"
)

// Transcoder is the external transcode collaborator. Satisfied by
// *ffmpeg.Runner.
type Transcoder interface {
	TranscodeVideo(ctx context.Context, inputPath, outputPath, mode string) error
	TranscodeGIF(ctx context.Context, inputPath, outputPath string, fpsMax int) error
	GIFToVideo(ctx context.Context, inputPath, outputPath string) error
	EncodeImageAVIF(ctx context.Context, inputPath, outputPath string, quality int) error
}

// Result is the outcome for a single media item. Exactly one of Blob or Err
// is meaningful.
type Result struct {
	Name      string
	Blob      []byte
	Sensitive bool
	Err       error
}

// Downloader fetches a URL into memory.
type Downloader func(ctx context.Context, url string) ([]byte, error)

// Pipeline prepares the attachments of one post at a time.
type Pipeline struct {
	media      config.MediaConfig
	nsfw       config.NSFWConfig
	transcoder Transcoder
	download   Downloader
	log        zerolog.Logger
}

// New builds a pipeline. A nil transcoder degrades every transcode mode to
// passthrough.
func New(cfg *config.Config, transcoder Transcoder, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		media:      cfg.Media,
		nsfw:       cfg.NSFW,
		transcoder: transcoder,
		download:   httpDownload,
		log:        log,
	}
}

// SetDownloader replaces the HTTP downloader (tests).
func (p *Pipeline) SetDownloader(d Downloader) { p.download = d }

// Sensitive computes the final sensitivity flag for an item:
// global force OR video-kind force OR the flag declared at the source.
// Over-flagging is the safe default; the OR combination must never drop a
// set flag.
func (p *Pipeline) Sensitive(item types.MediaItem) bool {
	return p.nsfw.Forced ||
		(item.Kind != types.MediaPhoto && p.nsfw.ForcedVideo) ||
		item.Sensitive
}

// Prepare processes all attachments of a post, bounded-concurrently, and
// returns one Result per item in input order.
func (p *Pipeline) Prepare(ctx context.Context, postID int64, items []types.MediaItem) []Result {
	if len(items) == 0 {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "kagami-media-")
	if err != nil {
		results := make([]Result, len(items))
		for i := range results {
			results[i] = Result{Err: fmt.Errorf("create temp dir: %w", err)}
		}
		return results
	}
	defer os.RemoveAll(tmpDir)

	results := make([]Result, len(items))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.media.Concurrency)

	for i, item := range items {
		g.Go(func() error {
			results[i] = p.prepareItem(ctx, tmpDir, postID, i, item)
			if results[i].Err != nil {
				p.log.Warn().Err(results[i].Err).
					Int64("post", postID).Int("item", i).Str("kind", string(item.Kind)).
					Msg("media item failed")
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// Prepared filters the successful results.
func Prepared(results []Result) []Result {
	var ok []Result
	for _, r := range results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}
	return ok
}

func (p *Pipeline) prepareItem(ctx context.Context, tmpDir string, postID int64, idx int, item types.MediaItem) Result {
	sensitive := p.Sensitive(item)

	switch item.Kind {
	case types.MediaPhoto:
		return p.preparePhoto(ctx, tmpDir, postID, idx, item, sensitive)
	case types.MediaVideo:
		return p.prepareVideo(ctx, tmpDir, postID, idx, item, sensitive)
	case types.MediaAnimatedGIF:
		return p.prepareGIF(ctx, tmpDir, postID, idx, item, sensitive)
	default:
		return Result{Err: fmt.Errorf("unknown media kind %q", item.Kind)}
	}
}

func (p *Pipeline) preparePhoto(ctx context.Context, tmpDir string, postID int64, idx int, item types.MediaItem, sensitive bool) Result {
	data, err := p.download(ctx, NormalizePhotoURL(item.URL))
	if err != nil {
		return Result{Err: fmt.Errorf("download photo: %w", err)}
	}

	name := fmt.Sprintf("%d_%d.jpg", postID, idx)
	if p.media.PicAVIF && p.transcoder != nil {
		in := filepath.Join(tmpDir, fmt.Sprintf("in_%d.img", idx))
		out := filepath.Join(tmpDir, fmt.Sprintf("out_%d.avif", idx))
		if err := os.WriteFile(in, data, 0o600); err == nil {
			if err := p.transcoder.EncodeImageAVIF(ctx, in, out, 50); err == nil {
				if avif, err := os.ReadFile(out); err == nil {
					return Result{Name: fmt.Sprintf("%d_%d.avif", postID, idx), Blob: avif, Sensitive: sensitive}
				}
			} else {
				p.log.Warn().Err(err).Int64("post", postID).Msg("avif encode failed, using original")
			}
		}
	}
	return Result{Name: name, Blob: data, Sensitive: sensitive}
}

func (p *Pipeline) prepareVideo(ctx context.Context, tmpDir string, postID int64, idx int, item types.MediaItem, sensitive bool) Result {
	data, err := p.download(ctx, item.URL)
	if err != nil {
		return Result{Err: fmt.Errorf("download video: %w", err)}
	}

	name := fmt.Sprintf("%d_%d.mp4", postID, idx)
	if p.media.VideoEncode == "copy" || p.transcoder == nil {
		return Result{Name: name, Blob: data, Sensitive: sensitive}
	}

	in := filepath.Join(tmpDir, fmt.Sprintf("in_%d.mp4", idx))
	out := filepath.Join(tmpDir, fmt.Sprintf("out_%d.mp4", idx))
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return Result{Err: fmt.Errorf("stage video: %w", err)}
	}
	if err := p.transcoder.TranscodeVideo(ctx, in, out, p.media.VideoEncode); err != nil {
		return Result{Err: fmt.Errorf("transcode video: %w", err)}
	}
	blob, err := os.ReadFile(out)
	if err != nil {
		return Result{Err: fmt.Errorf("read transcoded video: %w", err)}
	}
	return Result{Name: name, Blob: blob, Sensitive: sensitive}
}

func (p *Pipeline) prepareGIF(ctx context.Context, tmpDir string, postID int64, idx int, item types.MediaItem, sensitive bool) Result {
	data, err := p.download(ctx, item.URL)
	if err != nil {
		return Result{Err: fmt.Errorf("download gif: %w", err)}
	}

	// The source platform serves animated GIFs as mp4.
	if p.media.GIFEncode == "copy" || p.transcoder == nil {
		return Result{Name: fmt.Sprintf("%d_%d.mp4", postID, idx), Blob: data, Sensitive: sensitive}
	}

	in := filepath.Join(tmpDir, fmt.Sprintf("in_%d.mp4", idx))
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return Result{Err: fmt.Errorf("stage gif: %w", err)}
	}

	var out, name string
	switch p.media.GIFEncode {
	case "gif":
		out = filepath.Join(tmpDir, fmt.Sprintf("out_%d.gif", idx))
		name = fmt.Sprintf("%d_%d.gif", postID, idx)
		err = p.transcoder.TranscodeGIF(ctx, in, out, p.media.GIFFPSMax)
	default: // x265
		out = filepath.Join(tmpDir, fmt.Sprintf("out_%d.mp4", idx))
		name = fmt.Sprintf("%d_%d.mp4", postID, idx)
		err = p.transcoder.GIFToVideo(ctx, in, out)
	}
	if err != nil {
		return Result{Err: fmt.Errorf("transcode gif: %w", err)}
	}
	blob, err := os.ReadFile(out)
	if err != nil {
		return Result{Err: fmt.Errorf("read transcoded gif: %w", err)}
	}
	return Result{Name: name, Blob: blob, Sensitive: sensitive}
}

var (
	photoURLExtRe = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|webp)(\?.*)?$`)
	photoCDNRe    = regexp.MustCompile(`pbs\.twimg\.com/media/`)
)

// NormalizePhotoURL rewrites a media CDN photo URL to its high-quality
// variant. Non-CDN URLs pass through untouched.
func NormalizePhotoURL(url string) string {
	if url == "" || !photoCDNRe.MatchString(url) {
		return url
	}
	return photoURLExtRe.ReplaceAllString(url, "") + "?format=jpg&name=large"
}

func httpDownload(ctx context.Context, url string) ([]byte, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
