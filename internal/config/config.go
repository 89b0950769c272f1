// Package config loads the kagami config.toml.
//
// The config is consumed once at startup; the sync loop never reloads it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kagamibot/kagami/internal/types"
)

// Config is the full config.toml structure.
type Config struct {
	Crawl CrawlConfig `toml:"crawl"`
	Note  NoteConfig  `toml:"note"`
	Media MediaConfig `toml:"media"`
	NSFW  NSFWConfig  `toml:"nsfw"`
	Log   LogConfig   `toml:"log"`
}

// CrawlConfig controls the outer polling loop.
type CrawlConfig struct {
	// CrawlDuration is the pause between polling cycles, in seconds.
	CrawlDuration int `toml:"crawl_duration"`
	// MaxResolveDepth bounds recursive ancestor resolution.
	MaxResolveDepth int `toml:"max_resolve_depth"`
}

// NoteConfig controls how mirrored notes are created.
type NoteConfig struct {
	// NoteDuration is the pause between notes of one batch, in seconds.
	NoteDuration int    `toml:"note_duration"`
	Retweet      bool   `toml:"retweet"`
	Visibility   string `toml:"visibility"`
	LocalOnly    bool   `toml:"localonly"`
	MFMMention   bool   `toml:"mfm_mention"`
	MFMTweetURL  bool   `toml:"mfm_tweeturl"`
	// URLCleaner strips click-tracking query parameters from expanded links.
	URLCleaner bool `toml:"url_cleaner"`
}

// MediaConfig controls media download and transcoding.
type MediaConfig struct {
	VideoEncode string `toml:"video_encode"` // "copy" or "x265"
	GIFEncode   string `toml:"gif_encode"`   // "gif", "x265" or "copy"
	GIFFPSMax   int    `toml:"gif_encode_fpsmax"`
	PicAVIF     bool   `toml:"pic_encode_avif"`
	// Concurrency bounds parallel media item preparation within one post.
	Concurrency int `toml:"concurrency"`
	// TranscodeTimeout bounds a single transcoder invocation, in seconds.
	TranscodeTimeout int `toml:"transcode_timeout"`
}

// NSFWConfig is the forced-sensitivity policy. Over-flagging is the safe
// default; the final flag is forced OR forced-video (non-photo kinds only)
// OR the flag declared on the source post.
type NSFWConfig struct {
	Forced      bool `toml:"nsfw_forced"`
	ForcedVideo bool `toml:"nsfw_forced_video"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when config.toml is absent.
func Default() *Config {
	return &Config{
		Crawl: CrawlConfig{
			CrawlDuration:   120,
			MaxResolveDepth: 20,
		},
		Note: NoteConfig{
			NoteDuration: 10,
			Retweet:      true,
			Visibility:   types.VisibilityPublic,
			MFMMention:   true,
			MFMTweetURL:  true,
		},
		Media: MediaConfig{
			VideoEncode:      "copy",
			GIFEncode:        "gif",
			GIFFPSMax:        15,
			PicAVIF:          true,
			Concurrency:      2,
			TranscodeTimeout: 600,
		},
		NSFW: NSFWConfig{
			Forced:      false,
			ForcedVideo: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config.toml from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges the rest of the system relies on.
func (c *Config) Validate() error {
	if !types.IsValidVisibility(c.Note.Visibility) {
		return fmt.Errorf("invalid note.visibility %q", c.Note.Visibility)
	}
	switch c.Media.VideoEncode {
	case "copy", "x265":
	default:
		return fmt.Errorf("invalid media.video_encode %q", c.Media.VideoEncode)
	}
	switch c.Media.GIFEncode {
	case "gif", "x265", "copy":
	default:
		return fmt.Errorf("invalid media.gif_encode %q", c.Media.GIFEncode)
	}
	if c.Crawl.CrawlDuration < 1 {
		return fmt.Errorf("crawl.crawl_duration must be positive")
	}
	if c.Crawl.MaxResolveDepth < 1 {
		return fmt.Errorf("crawl.max_resolve_depth must be positive")
	}
	if c.Media.Concurrency < 1 {
		return fmt.Errorf("media.concurrency must be positive")
	}
	return nil
}

// PollInterval returns the inter-cycle sleep as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Crawl.CrawlDuration) * time.Second
}

// NotePause returns the inter-note pause as a duration.
func (c *Config) NotePause() time.Duration {
	return time.Duration(c.Note.NoteDuration) * time.Second
}

// TranscodeTimeout returns the per-invocation transcoder timeout.
func (c *Config) TranscodeTimeout() time.Duration {
	return time.Duration(c.Media.TranscodeTimeout) * time.Second
}
