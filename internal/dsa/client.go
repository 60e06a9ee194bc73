// Package dsa talks to a Digital Slide Archive (Girder) server.
package dsa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoToken is returned by calls that need a Girder token when none is set.
var ErrNoToken = errors.New("dsa: token missing")

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Op     string
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s status %s: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s status %s", e.Op, e.Status)
}

// IsAuth reports whether err is a 401/403 from the server.
func IsAuth(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http client, e.g. with NewHTTPClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the API root baseURL (".../api/v1").
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }
func (c *Client) Token() string   { return c.token }

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Girder-Token", c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{Op: op, Code: res.StatusCode, Status: res.Status, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

type authResp struct {
	AuthToken struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
	} `json:"authToken"`
}

// Authenticate exchanges username/password for a Girder token. The client
// uses the token for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("dsa: api url missing")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "user/authentication", nil, nil)
	if err != nil {
		return "", err
	}
	req.Header.Del("Girder-Token")
	req.SetBasicAuth(username, password)
	var payload authResp
	if err := c.do(req, "user.authentication", &payload); err != nil {
		return "", err
	}
	if payload.AuthToken.Token == "" {
		return "", errors.New("dsa: authentication returned no token")
	}
	c.token = payload.AuthToken.Token
	return c.token, nil
}

// User is the subset of /user/me we use.
type User struct {
	ID    string `json:"_id"`
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
}

// Me validates the token. Girder answers null for anonymous sessions, which
// is reported as an auth error.
func (c *Client) Me(ctx context.Context) (User, error) {
	var u *User
	if c.token == "" {
		return User{}, ErrNoToken
	}
	req, err := c.newRequest(ctx, http.MethodGet, "user/me", nil, nil)
	if err != nil {
		return User{}, err
	}
	if err := c.do(req, "user.me", &u); err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, &StatusError{Op: "user.me", Code: http.StatusUnauthorized, Status: "401 token not accepted"}
	}
	return *u, nil
}

// ListItemsOpts selects the folder or collection to list.
type ListItemsOpts struct {
	ResourceID   string
	ResourceType string // "folder" (default) or "collection"
	Limit        int    // page size, 0 => 100
}

// ListItems returns every item below the resource, paging until a short page.
func (c *Client) ListItems(ctx context.Context, opt ListItemsOpts) ([]Item, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	if strings.TrimSpace(opt.ResourceID) == "" {
		return nil, errors.New("dsa: resource id missing")
	}
	typ := strings.ToLower(strings.TrimSpace(opt.ResourceType))
	if typ == "" {
		typ = "folder"
	}
	if typ != "folder" && typ != "collection" {
		return nil, fmt.Errorf("dsa: unsupported resource type %q", opt.ResourceType)
	}
	limit := opt.Limit
	if limit <= 0 {
		limit = 100
	}

	var all []Item
	for offset := 0; ; offset += limit {
		q := url.Values{}
		q.Set("type", typ)
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(offset))
		req, err := c.newRequest(ctx, http.MethodGet, "resource/"+url.PathEscape(opt.ResourceID)+"/items", q, nil)
		if err != nil {
			return nil, err
		}
		var page []Item
		if err := c.do(req, "resource.items", &page); err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < limit {
			break
		}
	}
	return all, nil
}

// GetItem fetches a single item including its metadata.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var it Item
	if c.token == "" {
		return it, ErrNoToken
	}
	req, err := c.newRequest(ctx, http.MethodGet, "item/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return it, err
	}
	err = c.do(req, "item.get", &it)
	return it, err
}

// UpdateItemMetadata merges meta into the item's metadata.
func (c *Client) UpdateItemMetadata(ctx context.Context, id string, meta Metadata) error {
	if c.token == "" {
		return ErrNoToken
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("dsa: item id missing")
	}
	req, err := c.newRequest(ctx, http.MethodPut, "item/"+url.PathEscape(id)+"/metadata", nil, meta)
	if err != nil {
		return err
	}
	return c.do(req, "item.metadata", nil)
}
