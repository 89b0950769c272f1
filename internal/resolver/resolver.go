// Package resolver maps a post's structural references (reply parent, quoted
// post) onto already-mirrored note ids, mirroring unmapped ancestors first so
// threads arrive on the target in order.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kagamibot/kagami/internal/db"
	"github.com/kagamibot/kagami/internal/source"
	"github.com/kagamibot/kagami/internal/types"
)

// DefaultMaxDepth bounds recursive ancestor resolution. Threads deeper than
// this are mirrored as standalone notes from the ceiling upward.
const DefaultMaxDepth = 20

// MirrorFunc mirrors one ancestor post end to end (transform, media,
// dispatch, record). depth is the current resolution depth and must be
// passed back into Resolve for the ancestor's own references.
type MirrorFunc func(ctx context.Context, post *types.SourcePost, depth int) error

// Resolver resolves reply and quote references for one account's crawl.
// Not safe for concurrent use; each crawl loop owns its own instance.
type Resolver struct {
	DB       *db.DB
	Source   source.Client
	Retry    *source.Retryer
	Mirror   MirrorFunc
	MaxDepth int
	Log      zerolog.Logger

	// active holds post ids currently being resolved, to break reference
	// cycles. A post seen again while in flight resolves to absent.
	active map[int64]bool
}

// New builds a resolver with the default depth ceiling.
func New(database *db.DB, src source.Client, retry *source.Retryer, mirror MirrorFunc, log zerolog.Logger) *Resolver {
	return &Resolver{
		DB:       database,
		Source:   src,
		Retry:    retry,
		Mirror:   mirror,
		MaxDepth: DefaultMaxDepth,
		Log:      log,
		active:   make(map[int64]bool),
	}
}

// Resolve returns the structural links for post. An absent link (empty id)
// means the referenced post is skipped, deleted, cyclic or beyond the depth
// ceiling; the caller falls back to text-level embedding. A returned error
// means an ancestor could not be mirrored this cycle and the post must stay
// pending.
func (r *Resolver) Resolve(ctx context.Context, post *types.SourcePost, depth int) (types.Links, error) {
	r.active[post.ID] = true
	defer delete(r.active, post.ID)

	var links types.Links

	if post.ReplyToID != 0 {
		noteID, err := r.resolveRef(ctx, post.ReplyToID, depth)
		if err != nil {
			return types.Links{}, fmt.Errorf("resolve reply parent %d: %w", post.ReplyToID, err)
		}
		links.ReplyID = noteID
	}

	if post.QuoteID != 0 {
		noteID, err := r.resolveRef(ctx, post.QuoteID, depth)
		if err != nil {
			return types.Links{}, fmt.Errorf("resolve quote %d: %w", post.QuoteID, err)
		}
		links.RenoteID = noteID
	}

	return links, nil
}

// resolveRef resolves a single referenced post id to a note id, mirroring it
// first when it is unmapped. Empty string means unresolvable, by policy.
func (r *Resolver) resolveRef(ctx context.Context, id int64, depth int) (string, error) {
	noteID, ok, err := r.DB.LookupNote(id)
	if err != nil {
		return "", err
	}
	if ok {
		return noteID, nil
	}
	skipped, err := r.DB.IsSkipped(id)
	if err != nil {
		return "", err
	}
	if skipped {
		return "", nil
	}
	if r.active[id] {
		r.Log.Warn().Int64("post", id).Msg("reference cycle, mirroring standalone")
		return "", nil
	}
	if depth >= r.MaxDepth {
		r.Log.Warn().Int64("post", id).Int("depth", depth).Msg("resolve depth ceiling reached")
		return "", nil
	}

	var ancestor *types.SourcePost
	err = r.Retry.Do(ctx, "post", func() error {
		var err error
		ancestor, err = r.Source.Post(ctx, id)
		return err
	})
	if errors.Is(err, source.ErrNotFound) {
		// Deleted or protected. The descendant is mirrored standalone.
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if err := r.Mirror(ctx, ancestor, depth+1); err != nil {
		return "", err
	}

	noteID, ok, err = r.DB.LookupNote(id)
	if err != nil {
		return "", err
	}
	if !ok {
		// The mirror callback skipped it (for example a permanent target
		// rejection). Treat like any other skip.
		return "", nil
	}
	return noteID, nil
}
