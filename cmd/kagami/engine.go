package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kagamibot/kagami/internal/auth"
	"github.com/kagamibot/kagami/internal/config"
	"github.com/kagamibot/kagami/internal/display"
	"github.com/kagamibot/kagami/internal/ffmpeg"
	"github.com/kagamibot/kagami/internal/media"
	"github.com/kagamibot/kagami/internal/misskey"
	"github.com/kagamibot/kagami/internal/source"
	"github.com/kagamibot/kagami/internal/sync"
)

// buildEngine wires the full sync stack from the config and credential files.
func buildEngine() (*sync.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		logger = logger.Level(lvl)
	}

	creds, err := auth.Load(authPath)
	if err != nil {
		return nil, err
	}

	var transcoder media.Transcoder
	if ffmpeg.Available() {
		transcoder = &ffmpeg.Runner{Timeout: cfg.TranscodeTimeout(), Log: logger}
	} else {
		logger.Warn().Msg("ffmpeg not found, media passes through untranscoded")
	}
	pipeline := media.New(cfg, transcoder, logger)

	src := source.NewBridge(creds.FetcherURL(), creds.Twitter)

	engine := &sync.Engine{DB: store, Cfg: cfg, Log: logger}
	for _, pair := range creds.Accounts {
		target := misskey.New(pair.MisskeyURL, pair.MisskeyToken)

		// Verify the token before the loop starts; a bad credential should
		// fail at startup, not on the first note.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		username, err := target.Me(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("verify token for %s: %w", pair.MisskeyURL, err)
		}
		logger.Info().
			Str("pair", display.AccountLabel(pair.ScreenName, pair.MisskeyURL)).
			Str("as", username).
			Msg("mirroring")

		crawler := sync.NewCrawler(pair.ScreenName, store, src, target, pipeline, cfg, logger)
		engine.Crawlers = append(engine.Crawlers, crawler)
	}
	return engine, nil
}
