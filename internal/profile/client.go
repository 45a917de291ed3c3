// Package profile fetches user metadata from Auth0 and renders it as
// the Italian profile block injected into cold-start memory.
package profile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/maxvaega/serverless-AIR-coach/internal/httpkit"
)

// Metadata is the subset of Auth0 user_metadata this service reads.
type Metadata struct {
	DateOfBirth       string
	Jumps             string
	PreferredDropzone string
	Qualifications    string
	Name              string
	Surname           string
	Sex               string
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Client talks to the Auth0 Management API.
type Client struct {
	domain string
	token  string
	http   *http.Client
}

// NewClient creates an Auth0 client. domain is the tenant domain
// (e.g. "example.eu.auth0.com"), token a Management API token with
// read:users scope.
func NewClient(domain, token string, opts ...httpkit.ClientOption) *Client {
	return &Client{
		domain: domain,
		token:  token,
		http:   httpkit.NewClient(opts...),
	}
}

// UserMetadata fetches the user_metadata object for a user. A user
// without metadata yields a zero Metadata, not an error.
func (c *Client) UserMetadata(ctx context.Context, userID string) (Metadata, error) {
	if c.token == "" {
		return Metadata{}, fmt.Errorf("auth0: no management token configured")
	}

	endpoint := fmt.Sprintf("https://%s/api/v2/users/%s", c.domain, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("auth0: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("auth0: fetch user %s: %w", userID, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("auth0: fetch user %s: %s: %s",
			userID, resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Metadata{}, fmt.Errorf("auth0: read response: %w", err)
	}

	md := gjson.GetBytes(body, "user_metadata")
	if !md.Exists() {
		return Metadata{}, nil
	}
	return Metadata{
		DateOfBirth:       md.Get("date_of_birth").String(),
		Jumps:             md.Get("jumps").String(),
		PreferredDropzone: md.Get("preferred_dropzone").String(),
		Qualifications:    md.Get("qualifications").String(),
		Name:              md.Get("name").String(),
		Surname:           md.Get("surname").String(),
		Sex:               md.Get("sex").String(),
	}, nil
}
