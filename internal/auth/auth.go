// Package auth loads auth.json: the source platform session cookies and the
// per-account target tokens written by the interactive login flow.
//
// Credential setup itself is out of scope here; this package only reads the
// file, so existing sessions keep working without re-login.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
)

// AccountPair binds one source account to one target account.
type AccountPair struct {
	ScreenName   string `json:"twitter_screen_name"`
	MisskeyURL   string `json:"misskey_url"`
	MisskeyToken string `json:"misskey_token"`
}

// Auth is the auth.json structure.
type Auth struct {
	// Twitter holds the session cookies for the source platform client.
	Twitter  map[string]string `json:"twitter"`
	Accounts []AccountPair     `json:"accounts"`
	// Fetcher is the base URL of the scraping sidecar.
	Fetcher string `json:"fetcher_url,omitempty"`
}

// DefaultFetcherURL is used when auth.json does not name a sidecar.
const DefaultFetcherURL = "http://127.0.0.1:3720"

// FetcherURL returns the scraping sidecar endpoint.
func (a *Auth) FetcherURL() string {
	if a.Fetcher != "" {
		return a.Fetcher
	}
	return DefaultFetcherURL
}

// Load reads and validates auth.json from path.
func Load(path string) (*Auth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var a Auth
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &a, nil
}

// Validate checks that the file contains a usable session and account list.
func (a *Auth) Validate() error {
	if a.Twitter["auth_token"] == "" {
		return fmt.Errorf("missing twitter auth_token — run the login flow first")
	}
	if len(a.Accounts) == 0 {
		return fmt.Errorf("no account pairs configured")
	}
	for i, acc := range a.Accounts {
		if acc.ScreenName == "" {
			return fmt.Errorf("accounts[%d]: missing twitter_screen_name", i)
		}
		if acc.MisskeyURL == "" {
			return fmt.Errorf("accounts[%d] (@%s): missing misskey_url", i, acc.ScreenName)
		}
		if acc.MisskeyToken == "" {
			return fmt.Errorf("accounts[%d] (@%s): missing misskey_token", i, acc.ScreenName)
		}
	}
	return nil
}
