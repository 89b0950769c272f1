// Package text transforms source post bodies into target-ready MFM text.
//
// Everything here is pure: same input, same output. The sync loop relies on
// that for idempotent retries.
package text

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/kagamibot/kagami/internal/types"
)

// MentionResolver maps a source-platform handle to a profile link. Mentions
// are never rewritten as native target mentions, since identities are not
// shared across platforms.
type MentionResolver func(handle string) string

// DefaultMentionResolver links back to the source platform profile.
func DefaultMentionResolver(handle string) string {
	return "https://x.com/" + handle
}

var (
	trailingShortURLRe = regexp.MustCompile(`\s*https://t\.co/\S+$`)
	fediMentionRe      = regexp.MustCompile(`@([a-zA-Z0-9_]+)@([a-zA-Z0-9._-]+\.[a-zA-Z]{2,})`)
	mentionRe          = regexp.MustCompile(`@([a-zA-Z0-9_]{1,50})`)
)

// DecodeEntities decodes HTML entities left in the source body.
func DecodeEntities(s string) string {
	return html.UnescapeString(s)
}

// ExpandURLs replaces wrapped shortlinks with their final destinations using
// the entity list from the source post. Shortlinks without a matching entity
// are left alone.
func ExpandURLs(s string, urls []types.URLEntity) string {
	for _, u := range urls {
		if u.Short != "" && u.Expanded != "" {
			s = strings.ReplaceAll(s, u.Short, u.Expanded)
		}
	}
	return s
}

// trackingParams are query keys that only carry click attribution. Keys with
// the utm_ prefix are stripped as a family.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"gclsrc":  true,
	"dclid":   true,
	"igshid":  true,
	"twclid":  true,
	"mc_eid":  true,
	"mkt_tok": true,
	"ref_src": true,
	"ref_url": true,
}

// shareParams are stripped only on source-platform hosts, where s and t tag
// share provenance. Elsewhere single-letter keys are too common to touch.
var shareParams = map[string]bool{"s": true, "t": true}

func isTrackingParam(key string, sourceHost bool) bool {
	if strings.HasPrefix(key, "utm_") || trackingParams[key] {
		return true
	}
	return sourceHost && shareParams[key]
}

// CleanTrackingParams strips click-tracking query parameters from a URL.
// Unparseable URLs pass through untouched; the remaining parameters keep
// their original order.
func CleanTrackingParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	sourceHost := host == "twitter.com" || host == "x.com"

	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if isTrackingParam(key, sourceHost) {
			continue
		}
		kept = append(kept, pair)
	}
	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}

// CleanEntityURLs returns a copy of the entity list with every expanded URL
// run through CleanTrackingParams. Shortlinks are left alone; they never
// carry query parameters of their own.
func CleanEntityURLs(urls []types.URLEntity) []types.URLEntity {
	out := make([]types.URLEntity, len(urls))
	for i, u := range urls {
		u.Expanded = CleanTrackingParams(u.Expanded)
		out[i] = u
	}
	return out
}

// StripTrailingMediaURL removes the trailing shortlink the source platform
// appends when media is attached.
func StripTrailingMediaURL(s string) string {
	return strings.TrimRight(trailingShortURLRe.ReplaceAllString(s, ""), " \t\n")
}

// RemoveQuoteURL strips the quoted post's URL from the body; the quote is
// carried as a structural relation instead.
func RemoveQuoteURL(s string, quoteID int64) string {
	re := regexp.MustCompile(fmt.Sprintf(`\s*https://(?:twitter|x)\.com/\S+/status/%d\S*`, quoteID))
	return strings.TrimRight(re.ReplaceAllString(s, ""), " \t\n")
}

// EscapeMFM breaks MFM function syntax in the original text so it renders
// literally on the target.
func EscapeMFM(s string) string {
	return strings.ReplaceAll(s, "$[", "<plain>$[</plain>")
}

// inSet reports whether the byte at i belongs to the given set.
func inSet(s string, i int, set string) bool {
	if i < 0 || i >= len(s) {
		return false
	}
	return strings.IndexByte(set, s[i]) >= 0
}

// RewriteMentions converts in-text mentions into MFM hyperlinks back to the
// source profile. Fediverse-style @user@host mentions are wrapped in
// <plain> first so the target does not interpret them as local mentions.
func RewriteMentions(s string, resolve MentionResolver) string {
	if resolve == nil {
		resolve = DefaultMentionResolver
	}
	s = plainFediMentions(s)

	var b strings.Builder
	last := 0
	for _, loc := range mentionRe.FindAllStringSubmatchIndex(s, -1) {
		start, end := loc[0], loc[1]
		// No handle characters, brackets or a second @ may touch the match;
		// this stands in for the lookarounds of the original rule set.
		if inSet(s, start-1, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@[(") ||
			inSet(s, end, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@])") {
			continue
		}
		handle := s[loc[2]:loc[3]]
		b.WriteString(s[last:start])
		fmt.Fprintf(&b, "?[@%s](%s)", handle, resolve(handle))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

func plainFediMentions(s string) string {
	var b strings.Builder
	last := 0
	for _, loc := range fediMentionRe.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		if inSet(s, start-1, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_[(") {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString("<plain>")
		b.WriteString(s[start:end])
		b.WriteString("</plain>")
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

// PostURL builds the canonical URL of a source post.
func PostURL(screenName string, id int64) string {
	return fmt.Sprintf("https://x.com/%s/status/%d", screenName, id)
}

// AppendSourceLink appends the link back to the original post. With
// suppressPreview the link is wrapped in MFM so the target renders no
// preview card.
func AppendSourceLink(s, postURL string, suppressPreview bool) string {
	if suppressPreview {
		return fmt.Sprintf("%s\nX : ?[%s](%s)", s, postURL, postURL)
	}
	return fmt.Sprintf("%s\nX : %s", s, postURL)
}

// Options selects the optional rewrite steps.
type Options struct {
	RewriteMentions bool
	AppendLink      bool
	SuppressPreview bool
	CleanURLs       bool
	Resolve         MentionResolver
}

// ProcessPost runs the full transform chain on a post body.
func ProcessPost(body, screenName string, id int64, urls []types.URLEntity, opts Options) string {
	if opts.CleanURLs {
		urls = CleanEntityURLs(urls)
	}
	s := DecodeEntities(body)
	s = StripTrailingMediaURL(s)
	s = ExpandURLs(s, urls)
	s = EscapeMFM(s)
	if opts.RewriteMentions {
		s = RewriteMentions(s, opts.Resolve)
	}
	if opts.AppendLink {
		s = AppendSourceLink(s, PostURL(screenName, id), opts.SuppressPreview)
	}
	return s
}

// ProcessRepost renders the body for a repost whose original is not mirrored
// and therefore has to be carried as text.
func ProcessRepost(origAuthor, origBody string, urls []types.URLEntity, opts Options) string {
	if opts.CleanURLs {
		urls = CleanEntityURLs(urls)
	}
	s := DecodeEntities(origBody)
	s = StripTrailingMediaURL(s)
	s = ExpandURLs(s, urls)
	s = EscapeMFM(s)
	if opts.RewriteMentions {
		s = RewriteMentions(s, opts.Resolve)
	}
	resolve := opts.Resolve
	if resolve == nil {
		resolve = DefaultMentionResolver
	}
	return fmt.Sprintf("RT ?[@%s](%s): %s", origAuthor, resolve(origAuthor), s)
}

// ReplyFallback prefixes the body with a link to an unmirrorable parent so
// the thread context is not lost.
func ReplyFallback(body string, replyToID int64) string {
	return fmt.Sprintf("Reply to : https://x.com/x/status/%d\n\n%s", replyToID, body)
}
