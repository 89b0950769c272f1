// Package sync drives the mirroring loop: fetch new posts for an account,
// resolve their structural references, transform, prepare media and dispatch
// notes to the target, recording every outcome durably before the cursor
// moves.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kagamibot/kagami/internal/config"
	"github.com/kagamibot/kagami/internal/db"
	"github.com/kagamibot/kagami/internal/media"
	"github.com/kagamibot/kagami/internal/misskey"
	"github.com/kagamibot/kagami/internal/resolver"
	"github.com/kagamibot/kagami/internal/source"
	"github.com/kagamibot/kagami/internal/text"
	"github.com/kagamibot/kagami/internal/types"
)

// skipAfterFailures is the bounded retry policy: a post that fails
// transiently this many times is skipped permanently so one poisoned post
// cannot wedge the account forever.
const skipAfterFailures = 3

// Target is the target platform surface the crawler needs. Satisfied by
// *misskey.Client.
type Target interface {
	CreateNote(ctx context.Context, req misskey.NoteRequest) (string, error)
	UploadFile(ctx context.Context, data []byte, name string, sensitive bool) (string, error)
}

// MediaPreparer prepares a post's attachments. Satisfied by *media.Pipeline.
type MediaPreparer interface {
	Prepare(ctx context.Context, postID int64, items []types.MediaItem) []media.Result
}

type outcome int

const (
	outcomeMirrored outcome = iota
	outcomeSkipped
	outcomePending
)

// Crawler mirrors one account pair. Not safe for concurrent use.
type Crawler struct {
	Account string
	DB      *db.DB
	Source  source.Client
	Target  Target
	Media   MediaPreparer
	Cfg     *config.Config
	Log     zerolog.Logger
	Retry   *source.Retryer

	resolver *resolver.Resolver
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCrawler wires a crawler for one account pair.
func NewCrawler(account string, database *db.DB, src source.Client, target Target, prep MediaPreparer, cfg *config.Config, log zerolog.Logger) *Crawler {
	c := &Crawler{
		Account: account,
		DB:      database,
		Source:  src,
		Target:  target,
		Media:   prep,
		Cfg:     cfg,
		Log:     log.With().Str("account", account).Logger(),
		Retry:   source.NewRetryer(log),
	}
	c.resolver = resolver.New(database, src, c.Retry, c.mirrorAncestor, c.Log)
	c.resolver.MaxDepth = cfg.Crawl.MaxResolveDepth
	return c
}

// RunOnce performs one crawl cycle. The returned error is non-nil only for
// fatal conditions the operator must act on; everything recoverable lands in
// the result counters.
func (c *Crawler) RunOnce(ctx context.Context) (types.SyncResult, error) {
	res := types.SyncResult{Account: c.Account}

	cursor, haveCursor := c.DB.Cursor(c.Account)

	var posts []*types.SourcePost
	err := c.Retry.Do(ctx, "timeline", func() error {
		var err error
		posts, err = c.Source.Timeline(ctx, c.Account, cursor)
		return err
	})
	if err != nil {
		res.Error = err.Error()
		if source.Fatal(err) {
			return res, err
		}
		return res, nil
	}

	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	res.Fetched = len(posts)

	if !haveCursor {
		// First run: start mirroring from now instead of replaying the
		// whole visible backlog.
		if len(posts) > 0 {
			newest := posts[len(posts)-1].ID
			if err := c.DB.SetCursor(c.Account, newest); err != nil {
				res.Error = err.Error()
				return res, nil
			}
			c.Log.Info().Int64("cursor", newest).Msg("initialized cursor")
		}
		return res, nil
	}

	for i, post := range posts {
		if ctx.Err() != nil {
			res.Pending += len(posts) - i
			res.Error = ctx.Err().Error()
			break
		}
		resolved, err := c.DB.Resolved(post.ID)
		if err != nil {
			res.Pending += len(posts) - i
			res.Error = err.Error()
			return res, nil
		}
		if resolved {
			// Mirrored earlier, for example as an ancestor of a reply. Move
			// the cursor so the post stops showing up in fetches.
			if err := c.DB.SetCursor(c.Account, post.ID); err != nil {
				c.Log.Error().Err(err).Int64("post", post.ID).Msg("cursor advance failed")
			}
			continue
		}

		out, perr := c.processPost(ctx, post)
		if perr != nil {
			// Mapping conflicts mean corrupted state; halt this account's
			// loop instead of papering over it.
			res.Pending += len(posts) - i
			res.Error = perr.Error()
			return res, perr
		}
		switch out {
		case outcomeMirrored:
			res.Mirrored++
			if i < len(posts)-1 {
				if err := c.pause(ctx, c.Cfg.NotePause()); err != nil {
					res.Pending += len(posts) - i - 1
					return res, nil
				}
			}
		case outcomeSkipped:
			res.Skipped++
		case outcomePending:
			// The cursor must not move past a post that is neither mapped
			// nor skipped, so the rest of the batch waits for the next
			// cycle.
			res.Pending += len(posts) - i
			return res, nil
		}
	}
	return res, nil
}

// processPost mirrors one timeline post and records the outcome together
// with the cursor advance in a single transaction. The returned error is
// reserved for mapping conflicts, which are fatal for the account loop.
func (c *Crawler) processPost(ctx context.Context, post *types.SourcePost) (outcome, error) {
	if post.IsRepost() && !c.Cfg.Note.Retweet {
		if err := c.DB.SkipAndAdvance(c.Account, post.ID); err != nil {
			c.Log.Error().Err(err).Int64("post", post.ID).Msg("skip failed")
			return outcomePending, nil
		}
		return outcomeSkipped, nil
	}

	noteID, origID, err := c.dispatch(ctx, post, 0)
	if err == nil {
		if err := c.record(post.ID, noteID); err != nil {
			if errors.Is(err, db.ErrDuplicateMapping) {
				c.Log.Error().Err(err).Int64("post", post.ID).Str("note", noteID).
					Msg("mapping conflict, halting account")
				return outcomePending, err
			}
			c.Log.Error().Err(err).Int64("post", post.ID).Msg("record failed")
			return outcomePending, nil
		}
		if origID != 0 {
			if err := c.DB.RecordOriginal(origID, noteID, c.Account); err != nil {
				c.Log.Warn().Err(err).Int64("post", origID).Msg("record original failed")
			}
		}
		c.Log.Info().Int64("post", post.ID).Str("note", noteID).Msg("mirrored")
		return outcomeMirrored, nil
	}

	if errors.Is(err, db.ErrDuplicateMapping) {
		c.Log.Error().Err(err).Int64("post", post.ID).Msg("mapping conflict, halting account")
		return outcomePending, err
	}
	if permanentFailure(err) {
		c.Log.Warn().Err(err).Int64("post", post.ID).Msg("permanent rejection, skipping")
		if err := c.DB.SkipAndAdvance(c.Account, post.ID); err != nil {
			c.Log.Error().Err(err).Int64("post", post.ID).Msg("skip failed")
			return outcomePending, nil
		}
		return outcomeSkipped, nil
	}

	failures, ferr := c.DB.RecordFailure(post.ID)
	if ferr != nil {
		c.Log.Error().Err(ferr).Int64("post", post.ID).Msg("record failure failed")
		return outcomePending, nil
	}
	if failures >= skipAfterFailures {
		c.Log.Warn().Err(err).Int64("post", post.ID).Int("failures", failures).
			Msg("failure budget exhausted, skipping")
		if serr := c.DB.SkipAndAdvance(c.Account, post.ID); serr != nil {
			c.Log.Error().Err(serr).Int64("post", post.ID).Msg("skip failed")
		}
		return outcomeSkipped, nil
	}
	c.Log.Warn().Err(err).Int64("post", post.ID).Int("failures", failures).Msg("mirror failed, will retry")
	return outcomePending, nil
}

// record maps post→note and advances the cursor in one transaction. A
// duplicate where the existing mapping already points at the same note is
// benign (the post got mapped during its own resolution); any other
// duplicate is a real conflict and comes back as ErrDuplicateMapping.
func (c *Crawler) record(postID int64, noteID string) error {
	err := c.DB.RecordAndAdvance(c.Account, postID, noteID)
	if !errors.Is(err, db.ErrDuplicateMapping) {
		return err
	}
	existing, ok, lerr := c.DB.LookupNote(postID)
	if lerr == nil && ok && existing == noteID {
		return c.DB.SetCursor(c.Account, postID)
	}
	return err
}

// mirrorAncestor mirrors a resolved ancestor post. Ancestors map without a
// cursor advance: they were not fetched from this account's timeline.
func (c *Crawler) mirrorAncestor(ctx context.Context, post *types.SourcePost, depth int) error {
	resolved, err := c.DB.Resolved(post.ID)
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}

	noteID, origID, err := c.dispatch(ctx, post, depth)
	if err == nil {
		if err := c.DB.RecordMapping(post.ID, noteID, c.Account); err != nil {
			if !errors.Is(err, db.ErrDuplicateMapping) {
				return err
			}
			existing, ok, lerr := c.DB.LookupNote(post.ID)
			if lerr != nil || !ok || existing != noteID {
				// A different note already claims this post. Fatal; the
				// conflict surfaces through the descendant's dispatch.
				return err
			}
		}
		if origID != 0 {
			if err := c.DB.RecordOriginal(origID, noteID, c.Account); err != nil {
				c.Log.Warn().Err(err).Int64("post", origID).Msg("record original failed")
			}
		}
		c.Log.Info().Int64("post", post.ID).Str("note", noteID).Int("depth", depth).Msg("mirrored ancestor")
		return nil
	}
	if permanentFailure(err) {
		c.Log.Warn().Err(err).Int64("post", post.ID).Msg("ancestor rejected, skipping")
		return c.DB.MarkSkipped(post.ID, c.Account)
	}
	return err
}

// dispatch transforms a post and creates its note on the target. origID is
// the id of a repost's original when its mapping should be recorded too.
func (c *Crawler) dispatch(ctx context.Context, post *types.SourcePost, depth int) (noteID string, origID int64, err error) {
	links, err := c.resolver.Resolve(ctx, post, depth)
	if err != nil {
		return "", 0, err
	}

	// Resolution can map the post itself: an ancestor may turn out to be a
	// repost of it, recording it as the RT note's original. Reuse that note
	// instead of minting a duplicate.
	if noteID, ok, err := c.DB.LookupNote(post.ID); err != nil {
		return "", 0, err
	} else if ok {
		return noteID, 0, nil
	}

	req := misskey.NoteRequest{
		Visibility: c.Cfg.Note.Visibility,
		LocalOnly:  c.Cfg.Note.LocalOnly,
	}
	opts := text.Options{
		RewriteMentions: c.Cfg.Note.MFMMention,
		AppendLink:      true,
		SuppressPreview: c.Cfg.Note.MFMTweetURL,
		CleanURLs:       c.Cfg.Note.URLCleaner,
	}

	mediaPost := post

	if post.IsRepost() {
		mapped, ok, err := c.DB.LookupNote(post.RepostOfID)
		if err != nil {
			return "", 0, err
		}
		if ok {
			// The original already lives on the target: pure renote.
			req.RenoteID = mapped
			id, err := c.Target.CreateNote(ctx, req)
			return id, 0, err
		}

		// The original is not mirrored; carry it as text with its media.
		var orig *types.SourcePost
		err = c.Retry.Do(ctx, "post", func() error {
			var err error
			orig, err = c.Source.Post(ctx, post.RepostOfID)
			return err
		})
		if err != nil {
			return "", 0, fmt.Errorf("fetch repost original %d: %w", post.RepostOfID, err)
		}
		body := text.ProcessRepost(orig.Author, orig.Text, orig.URLs, text.Options{
			RewriteMentions: opts.RewriteMentions,
			CleanURLs:       opts.CleanURLs,
		})
		req.Text = text.AppendSourceLink(body, text.PostURL(orig.Author, orig.ID), opts.SuppressPreview)
		mediaPost = orig
		origID = orig.ID
	} else {
		body := post.Text
		urls := post.URLs
		if opts.CleanURLs {
			urls = text.CleanEntityURLs(urls)
		}
		if post.QuoteID != 0 && links.RenoteID != "" {
			// The quote rides as a structural relation; drop its URL from
			// the text. Expansion first, the body still carries shortlinks.
			body = text.RemoveQuoteURL(text.ExpandURLs(body, urls), post.QuoteID)
			req.RenoteID = links.RenoteID
		}
		req.Text = text.ProcessPost(body, post.Author, post.ID, urls, opts)
		if post.ReplyToID != 0 {
			if links.ReplyID != "" {
				req.ReplyID = links.ReplyID
			} else {
				req.Text = text.ReplyFallback(req.Text, post.ReplyToID)
			}
		}
	}

	if len(mediaPost.Media) > 0 {
		results := c.Media.Prepare(ctx, mediaPost.ID, mediaPost.Media)
		prepared := media.Prepared(results)
		if len(prepared) == 0 {
			return "", 0, fmt.Errorf("all %d media items of post %d failed", len(results), mediaPost.ID)
		}
		for _, r := range prepared {
			fileID, err := c.Target.UploadFile(ctx, r.Blob, r.Name, r.Sensitive)
			if err != nil {
				return "", 0, fmt.Errorf("upload %s: %w", r.Name, err)
			}
			req.FileIDs = append(req.FileIDs, fileID)
		}
	}

	noteID, err = c.Target.CreateNote(ctx, req)
	if err != nil {
		return "", 0, err
	}
	return noteID, origID, nil
}

// permanentFailure reports whether a dispatch error will never succeed on
// retry: target 4xx rejections (except rate limits) and vanished posts.
func permanentFailure(err error) bool {
	if errors.Is(err, source.ErrNotFound) {
		return true
	}
	var apiErr *misskey.APIError
	return errors.As(err, &apiErr) && !misskey.IsTransient(err)
}

func (c *Crawler) pause(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
