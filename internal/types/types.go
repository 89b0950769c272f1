// Package types defines core data structures for kagami.
package types

import "time"

// MediaKind distinguishes the attachment types the source platform exposes.
type MediaKind string

const (
	MediaPhoto       MediaKind = "photo"
	MediaVideo       MediaKind = "video"
	MediaAnimatedGIF MediaKind = "animated_gif"
)

// URLEntity is a shortened/expanded URL pair from the source post entities.
type URLEntity struct {
	Short    string `json:"url"`
	Expanded string `json:"expanded_url"`
}

// MediaItem describes one attachment of a source post.
type MediaItem struct {
	Kind      MediaKind `json:"kind"`
	URL       string    `json:"url"`
	Sensitive bool      `json:"sensitive"`
}

// SourcePost is a post on the source platform as seen by the crawler.
// Structural references are ids in the source id space; they may point at
// posts that are not mirrored yet, or never will be.
type SourcePost struct {
	ID         int64       `json:"id"`
	Author     string      `json:"author"`
	Text       string      `json:"text"`
	URLs       []URLEntity `json:"urls,omitempty"`
	Media      []MediaItem `json:"media,omitempty"`
	ReplyToID  int64       `json:"reply_to_id,omitempty"`
	QuoteID    int64       `json:"quote_id,omitempty"`
	RepostOfID int64       `json:"repost_of_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// IsRepost reports whether the post is a plain repost with no commentary.
func (p *SourcePost) IsRepost() bool {
	return p.RepostOfID != 0
}

// Links holds resolved target-side structural relations for one post.
type Links struct {
	ReplyID  string `json:"reply_id,omitempty"`
	RenoteID string `json:"renote_id,omitempty"`
}

// Note visibility constants (target platform).
const (
	VisibilityPublic    = "public"
	VisibilityHome      = "home"
	VisibilityFollowers = "followers"
)

// ValidVisibilities is the set of allowed note visibilities.
var ValidVisibilities = []string{VisibilityPublic, VisibilityHome, VisibilityFollowers}

// IsValidVisibility checks if a visibility string is valid.
func IsValidVisibility(v string) bool {
	for _, valid := range ValidVisibilities {
		if valid == v {
			return true
		}
	}
	return false
}

// SyncResult holds the outcome of one crawl cycle for a single account pair.
type SyncResult struct {
	Account  string `json:"account"`
	Fetched  int    `json:"fetched"`
	Mirrored int    `json:"mirrored"`
	Skipped  int    `json:"skipped"`
	Pending  int    `json:"pending"`
	Error    string `json:"error,omitempty"`
}

// SyncSummary aggregates results across all account pairs of one cycle.
type SyncSummary struct {
	Accounts      []SyncResult `json:"accounts"`
	TotalMirrored int          `json:"total_mirrored"`
	TotalMapped   int          `json:"total_mapped"`
}
