// Package gateway is the thin request/response shim between the sync engine
// and the remote photo collection. Every non-2xx response and every
// transport failure is normalised into a single [Error] shape. The client
// never retries; retry policy belongs to the sync engine.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/snapqueue/internal/model"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "snapqueue/1"
)

// Page is one batch of confirmed items returned by a fetch.
type Page struct {
	Items []model.Item
	// NextCursor is empty when the server has no further pages.
	NextCursor string
}

// LikeState is the server's view of an item's like fields after a like call.
type LikeState struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"like_count"`
}

// Client talks to the remote collection over JSON/HTTP.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	timeout   time.Duration
	token     string
	userAgent string
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// NewClient builds a Client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL:   u,
		http:      &http.Client{},
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchPage returns the page of confirmed items at cursor. An empty cursor
// requests the first page.
func (c *Client) FetchPage(ctx context.Context, cursor string) (Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out wirePage
	if err := c.do(ctx, "fetch page", http.MethodGet, "/items", q, nil, &out); err != nil {
		return Page{}, err
	}
	return out.toPage(), nil
}

// FetchSince returns items created after since.
func (c *Client) FetchSince(ctx context.Context, since time.Time) (Page, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out wirePage
	if err := c.do(ctx, "fetch since", http.MethodGet, "/items", q, nil, &out); err != nil {
		return Page{}, err
	}
	return out.toPage(), nil
}

// Create uploads a locally-authored item and returns the server's canonical
// record.
func (c *Client) Create(ctx context.Context, item *model.Item) (model.Item, error) {
	body := wireCreate{
		ID:       item.ID,
		MediaURI: item.Payload.MediaURI,
		Caption:  item.Payload.Caption,
		Metadata: item.Payload.Metadata,
		TakenAt:  item.CreatedAt,
	}
	var out wireItem
	if err := c.do(ctx, "create", http.MethodPost, "/items", nil, body, &out); err != nil {
		return model.Item{}, err
	}
	return out.toModel(), nil
}

// Like sets the like state of an item and returns the updated server state.
func (c *Client) Like(ctx context.Context, id string, liked bool) (LikeState, error) {
	var out LikeState
	body := struct {
		Liked bool `json:"liked"`
	}{Liked: liked}
	if err := c.do(ctx, "like", http.MethodPost, itemPath(id, "like"), nil, body, &out); err != nil {
		return LikeState{}, err
	}
	return out, nil
}

// Report flags an item for moderation.
func (c *Client) Report(ctx context.Context, id string) error {
	return c.do(ctx, "report", http.MethodPost, itemPath(id, "report"), nil, nil, nil)
}

// Delete removes an item from the remote collection.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, itemPath(id, ""), nil, nil, nil)
}

// itemPath returns the escaped path of an item resource. IDs come from the
// server and may contain reserved characters.
func itemPath(id, action string) string {
	p := "/items/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// path is already escaped; Path must hold the decoded form.
	escaped := c.baseURL.EscapedPath() + path
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return fmt.Errorf("build %s path: %w", op, err)
	}
	rel := &url.URL{Path: decoded, RawPath: escaped}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	reqURL := c.baseURL.ResolveReference(rel)

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), r)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var eb struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		reason := eb.Error
		if reason == "" {
			reason = eb.Message
		}
		return &Error{Kind: KindServer, Op: op, StatusCode: resp.StatusCode, Reason: reason}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		if ctx.Err() != nil {
			return transportError(op, ctx.Err())
		}
		return &Error{Kind: KindTransport, Op: op, Reason: "decode response", Err: err}
	}
	return nil
}
