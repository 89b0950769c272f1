// Package misskey provides the Misskey API operations kagami needs:
// notes/create, drive/files/create and the account lookup used at startup.
//
// Endpoints are implemented directly against the Misskey OpenAPI surface
// with JSON bodies and bearer auth; drive uploads use multipart form data.
package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Retry settings for network blips and retryable statuses inside one call.
// The dispatcher's bounded failure policy sits above this.
const (
	defaultRetries = 3
	backoffBase    = 2 * time.Second
)

var retryStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// APIError is an error response from the Misskey API. Status 0 means the
// request never got a response.
type APIError struct {
	Status   int
	Body     string
	Endpoint string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("misskey api [%d] on %s: %s", e.Status, e.Endpoint, e.Body)
}

// Transient reports whether the error is worth retrying later: rate limits,
// server errors and network failures. Other 4xx responses are permanent.
func (e *APIError) Transient() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// IsTransient classifies any error from this package. Unknown error types
// are treated as transient (network-level failures).
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return err != nil
}

// Client is a Misskey API client for one account.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// Retries overrides the internal retry count when positive.
	Retries int
	// Backoff overrides the retry delay; nil means exponential.
	Backoff func(attempt int) time.Duration
}

// New builds a client for a host ("misskey.example" or full URL) and token.
func New(host, token string) *Client {
	if !strings.HasPrefix(host, "http") {
		host = "https://" + host
	}
	return &Client{
		baseURL: strings.TrimRight(host, "/") + "/api",
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// NoteRequest is the notes/create payload.
type NoteRequest struct {
	Text       string
	Visibility string
	LocalOnly  bool
	FileIDs    []string
	ReplyID    string
	RenoteID   string
	CW         string
}

// CreateNote creates a note and returns its id.
func (c *Client) CreateNote(ctx context.Context, req NoteRequest) (string, error) {
	payload := map[string]any{
		"visibility": req.Visibility,
		"localOnly":  req.LocalOnly,
	}
	if req.Text != "" {
		payload["text"] = req.Text
	}
	if len(req.FileIDs) > 0 {
		payload["fileIds"] = req.FileIDs
	}
	if req.ReplyID != "" {
		payload["replyId"] = req.ReplyID
	}
	if req.RenoteID != "" {
		payload["renoteId"] = req.RenoteID
	}
	if req.CW != "" {
		payload["cw"] = req.CW
	}

	var resp struct {
		CreatedNote struct {
			ID string `json:"id"`
		} `json:"createdNote"`
	}
	if err := c.post(ctx, "notes/create", payload, &resp); err != nil {
		return "", err
	}
	if resp.CreatedNote.ID == "" {
		return "", &APIError{Status: 0, Body: "no note id in response", Endpoint: "notes/create"}
	}
	return resp.CreatedNote.ID, nil
}

// UploadFile uploads a blob to the drive and returns the file id.
func (c *Client) UploadFile(ctx context.Context, data []byte, name string, sensitive bool) (string, error) {
	endpoint := "drive/files/create"

	var lastErr error
	for attempt := 1; attempt <= c.retries(); attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return "", err
			}
		}

		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		w.WriteField("i", c.token)
		w.WriteField("name", name)
		w.WriteField("isSensitive", fmt.Sprintf("%t", sensitive))
		// Reuse the existing drive file on a name collision; retried uploads
		// after a crash must not accumulate duplicates.
		w.WriteField("force", "true")
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return "", err
		}
		part.Write(data)
		w.Close()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, &body)
		if err != nil {
			return "", err
		}
		httpReq.Header.Set("Content-Type", w.FormDataContentType())
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = &APIError{Status: 0, Body: err.Error(), Endpoint: endpoint}
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			var file struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(respBody, &file); err != nil || file.ID == "" {
				return "", &APIError{Status: 0, Body: "no file id in response", Endpoint: endpoint}
			}
			return file.ID, nil
		}

		apiErr := &APIError{Status: resp.StatusCode, Body: string(respBody), Endpoint: endpoint}
		if !retryStatus[resp.StatusCode] {
			return "", apiErr
		}
		lastErr = apiErr
	}
	return "", lastErr
}

// Me returns the username of the authenticated account.
func (c *Client) Me(ctx context.Context) (string, error) {
	var resp struct {
		Username string `json:"username"`
	}
	if err := c.post(ctx, "i", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.Username, nil
}

// post sends a JSON request and decodes the response into out, retrying
// network errors and retryable statuses with exponential backoff.
func (c *Client) post(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	payload["i"] = c.token
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries(); attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &APIError{Status: 0, Body: err.Error(), Endpoint: endpoint}
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
			if out != nil && len(body) > 0 {
				if err := json.Unmarshal(body, out); err != nil {
					return fmt.Errorf("decode %s response: %w", endpoint, err)
				}
			}
			return nil
		case retryStatus[resp.StatusCode]:
			lastErr = &APIError{Status: resp.StatusCode, Body: string(body), Endpoint: endpoint}
		default:
			return &APIError{Status: resp.StatusCode, Body: string(body), Endpoint: endpoint}
		}
	}
	return lastErr
}

func (c *Client) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return defaultRetries
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	d := backoffBase * time.Duration(1<<(attempt-1))
	if c.Backoff != nil {
		d = c.Backoff(attempt)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
