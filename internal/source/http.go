package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kagamibot/kagami/internal/types"
)

// Bridge is a Client backed by a local fetcher sidecar that owns the actual
// scraping session. The sidecar keeps the browser cookies alive; kagami only
// forwards them and consumes normalized JSON.
type Bridge struct {
	baseURL string
	cookies map[string]string
	http    *http.Client
}

// NewBridge builds a bridge client. cookies are forwarded verbatim on every
// request so the sidecar can authenticate upstream.
func NewBridge(baseURL string, cookies map[string]string) *Bridge {
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		cookies: cookies,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

// Timeline implements Client.
func (b *Bridge) Timeline(ctx context.Context, screenName string, sinceID int64) ([]*types.SourcePost, error) {
	q := url.Values{}
	q.Set("screen_name", screenName)
	q.Set("since_id", strconv.FormatInt(sinceID, 10))

	var posts []*types.SourcePost
	if err := b.get(ctx, "/timeline?"+q.Encode(), &posts); err != nil {
		return nil, fmt.Errorf("timeline %s: %w", screenName, err)
	}
	return posts, nil
}

// Post implements Client.
func (b *Bridge) Post(ctx context.Context, id int64) (*types.SourcePost, error) {
	var post types.SourcePost
	if err := b.get(ctx, "/post?id="+strconv.FormatInt(id, 10), &post); err != nil {
		return nil, fmt.Errorf("post %d: %w", id, err)
	}
	return &post, nil
}

func (b *Bridge) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	if len(b.cookies) > 0 {
		var pairs []string
		for k, v := range b.cookies {
			pairs = append(pairs, k+"="+v)
		}
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return classifyStatus(resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyStatus maps sidecar statuses onto the sentinel errors the retry
// policy understands.
func classifyStatus(status int, body string) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return fmt.Errorf("fetcher status %d: %w", status, ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("fetcher status %d: %w", status, ErrAuthExpired)
	case http.StatusLocked:
		return fmt.Errorf("fetcher status %d: %w", status, ErrAccountLocked)
	default:
		return fmt.Errorf("fetcher status %d: %s", status, body)
	}
}
