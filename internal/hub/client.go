// Package hub reads active user sessions from a JupyterHub REST API.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/tracing"
	"github.com/skobkin/gpuavail/internal/usage"
)

const (
	paginationMediaType = "application/jupyterhub-pagination+json"
	maxResponseBytes    = 32 << 20
	maxPages            = 1000
)

// OptionKeys names the user_options entries that declare a session's GPU reservation.
type OptionKeys struct {
	Site     string
	GPUModel string
	GPUCount string
}

// DefaultOptionKeys returns the keys used by the bundled spawner profiles.
func DefaultOptionKeys() OptionKeys {
	return OptionKeys{Site: "site", GPUModel: "gpu_model", GPUCount: "gpu_count"}
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	PageSize int
	Keys     OptionKeys
	// UserAgent is sent with every request when set.
	UserAgent string
	// HTTPClient defaults to a plain client; the per-call Timeout applies either way.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client lists sessions from the hub.
type Client struct {
	base      *url.URL
	token     string
	timeout   time.Duration
	pageSize  int
	keys      OptionKeys
	userAgent string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("hub: base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("hub: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("hub: base URL %q must be http or https", raw)
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fault.Auth("hub client", nil)
	}

	keys := opts.Keys
	defaults := DefaultOptionKeys()
	if keys.Site == "" {
		keys.Site = defaults.Site
	}
	if keys.GPUModel == "" {
		keys.GPUModel = defaults.GPUModel
	}
	if keys.GPUCount == "" {
		keys.GPUCount = defaults.GPUCount
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	base.Path = strings.TrimSuffix(base.Path, "/")
	return &Client{
		base:      base,
		token:     opts.Token,
		timeout:   opts.Timeout,
		pageSize:  pageSize,
		keys:      keys,
		userAgent: opts.UserAgent,
		http:      httpClient,
		logger:    logger,
	}, nil
}

type userModel struct {
	Name    string                 `json:"name"`
	Servers map[string]serverModel `json:"servers"`
}

type serverModel struct {
	Name        string         `json:"name"`
	Ready       bool           `json:"ready"`
	UserOptions map[string]any `json:"user_options"`
}

type pageModel struct {
	Items      []userModel `json:"items"`
	Pagination struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
		Total  int `json:"total"`
		Next   *struct {
			Offset int `json:"offset"`
		} `json:"next"`
	} `json:"_pagination"`
}

// ListSessions returns every server of every active user, following pagination.
func (c *Client) ListSessions(ctx context.Context) ([]usage.Session, error) {
	ctx, span := tracing.StartSpan(ctx, "hub.ListSessions")
	defer span.End()

	var sessions []usage.Session
	offset := 0
	for page := 0; ; page++ {
		if page >= maxPages {
			err := fmt.Errorf("list hub users: %w: pagination did not terminate", fault.ErrUpstreamUnavailable)
			tracing.SetError(ctx, err)
			return nil, err
		}

		users, next, more, err := c.fetchPage(ctx, offset)
		if err != nil {
			tracing.SetError(ctx, err)
			return nil, err
		}
		for _, user := range users {
			sessions = append(sessions, c.sessionsOf(user)...)
		}
		if !more {
			break
		}
		if next <= offset {
			err := fmt.Errorf("list hub users: %w: next offset %d does not advance past %d", fault.ErrUpstreamUnavailable, next, offset)
			tracing.SetError(ctx, err)
			return nil, err
		}
		offset = next
	}

	c.logger.Debug("listed hub sessions", "sessions", len(sessions))
	return sessions, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) ([]userModel, int, bool, error) {
	const op = "list hub users"

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := *c.base
	endpoint.Path += "/hub/api/users"
	query := url.Values{}
	query.Set("state", "active")
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(c.pageSize))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", paginationMediaType)
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	tracing.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, false, fault.Upstream(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, false, fault.Upstream(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, 0, false, fault.Auth(op, fmt.Errorf("hub responded %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, 0, false, fmt.Errorf("%s: %w: hub responded %s", op, fault.ErrUpstreamUnavailable, resp.Status)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var users []userModel
		if err := decode(trimmed, &users); err != nil {
			return nil, 0, false, fmt.Errorf("%s: %w: decode users: %w", op, fault.ErrUpstreamUnavailable, err)
		}
		return users, 0, false, nil
	}

	var page pageModel
	if err := decode(trimmed, &page); err != nil {
		return nil, 0, false, fmt.Errorf("%s: %w: decode page: %w", op, fault.ErrUpstreamUnavailable, err)
	}
	if page.Pagination.Next == nil {
		return page.Items, 0, false, nil
	}
	return page.Items, page.Pagination.Next.Offset, true, nil
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *Client) sessionsOf(user userModel) []usage.Session {
	names := make([]string, 0, len(user.Servers))
	for name := range user.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	sessions := make([]usage.Session, 0, len(names))
	for _, name := range names {
		server := user.Servers[name]
		sessions = append(sessions, usage.Session{
			User:     user.Name,
			Server:   name,
			Ready:    server.Ready,
			Site:     optionString(server.UserOptions[c.keys.Site]),
			GPUModel: optionString(server.UserOptions[c.keys.GPUModel]),
			GPUCount: optionString(server.UserOptions[c.keys.GPUCount]),
		})
	}
	return sessions
}

func optionString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
