package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kagamibot/kagami/internal/db"
	"github.com/kagamibot/kagami/internal/display"
)

const sampleConfig = `[crawl]
crawl_duration = 120
max_resolve_depth = 20

[note]
note_duration = 10
retweet = true
visibility = "public"
localonly = false
mfm_mention = true
mfm_tweeturl = true
url_cleaner = false

[media]
video_encode = "copy"    # copy | x265
gif_encode = "gif"       # gif | x265 | copy
gif_encode_fpsmax = 15
pic_encode_avif = true
concurrency = 2
transcode_timeout = 600

[nsfw]
nsfw_forced = false
nsfw_forced_video = true

[log]
level = "info"
`

const sampleAuth = `{
  "twitter": {
    "auth_token": ""
  },
  "accounts": [
    {
      "twitter_screen_name": "",
      "misskey_url": "",
      "misskey_token": ""
    }
  ]
}
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the mapping database and sample config files",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := db.Open(dbPath)
		if err != nil {
			return err
		}
		s.Close()

		wrote := []string{dbPath}
		for _, f := range []struct{ path, body string }{
			{configPath, sampleConfig},
			{authPath, sampleAuth},
		} {
			if _, err := os.Stat(f.path); err == nil {
				continue // never overwrite existing credentials or config
			}
			if err := os.WriteFile(f.path, []byte(f.body), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", f.path, err)
			}
			wrote = append(wrote, f.path)
		}

		if !quietFlag {
			for _, p := range wrote {
				display.SuccessMsg("created %s", p)
			}
			fmt.Println(display.Dim.Render("Fill in auth.json, then run 'kagami sync' or 'kagami run'."))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
