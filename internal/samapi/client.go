// Package samapi queries the SAM.gov opportunities API through the retrying
// client: rate admission, key fallback and host fallback all apply.
package samapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sowbridge/sowbridge/internal/retryclient"
	"github.com/sowbridge/sowbridge/pkg/clock"
	"github.com/sowbridge/sowbridge/pkg/config"
	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

const dateLayout = "01/02/2006"

type Opportunity struct {
	NoticeID           string   `json:"noticeId"`
	Title              string   `json:"title"`
	SolicitationNumber string   `json:"solicitationNumber"`
	Department         string   `json:"fullParentPathName"`
	PostedDate         string   `json:"postedDate"`
	Type               string   `json:"type"`
	ResponseDeadline   string   `json:"responseDeadLine"`
	Active             string   `json:"active"`
	UILink             string   `json:"uiLink"`
	Description        string   `json:"description"`
	ResourceLinks      []string `json:"resourceLinks"`
}

type SearchResult struct {
	TotalRecords  int           `json:"totalRecords"`
	Limit         int           `json:"limit"`
	Offset        int           `json:"offset"`
	Opportunities []Opportunity `json:"opportunitiesData"`
}

// SearchParams are the query parameters of /search. Empty dates default to
// the last 30 days.
type SearchParams struct {
	NoticeID   string
	PostedFrom time.Time
	PostedTo   time.Time
	DateType   string
	Status     string
	Limit      int
	Offset     int
}

// Window is one posted-date range tried when looking up a notice.
type Window struct {
	Name     string    `json:"name"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	DateType string    `json:"date_type,omitempty"`
	Status   string    `json:"status,omitempty"`
}

// DefaultWindows widens the search step by step, ending with archived
// notices. SAM rejects ranges longer than a year.
func DefaultWindows(now time.Time) []Window {
	day := func(n int) time.Time { return now.AddDate(0, 0, -n) }
	return []Window{
		{Name: "last-30d", From: day(30), To: now},
		{Name: "last-90d", From: day(90), To: now},
		{Name: "last-364d", From: day(364), To: now},
		{Name: "last-364d-publish", From: day(364), To: now, DateType: "publishDate"},
		{Name: "archived", From: day(364), To: now, Status: "archived"},
	}
}

// Resources is the outcome of a resource-link lookup.
type Resources struct {
	NoticeID string    `json:"notice_id"`
	Title    string    `json:"title"`
	Links    []string  `json:"links"`
	Window   string    `json:"window"`
	Host     string    `json:"host"`
	Fetched  time.Time `json:"fetched_at"`
}

type Client struct {
	rc       *retryclient.Client
	baseURLs []string
	creds    []retryclient.Credential
	clock    clock.Clock
	windows  func(now time.Time) []Window
	group    singleflight.Group
	logger   *slog.Logger
}

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(s *Client) { s.clock = c } }

// WithWindows replaces DefaultWindows.
func WithWindows(fn func(now time.Time) []Window) Option {
	return func(s *Client) { s.windows = fn }
}

func New(rc *retryclient.Client, cfg config.SAMConfig, opts ...Option) *Client {
	base := make([]string, 0, len(cfg.BaseURLs))
	for _, u := range cfg.BaseURLs {
		base = append(base, strings.TrimRight(u, "/"))
	}
	c := &Client{
		rc:       rc,
		baseURLs: base,
		creds: []retryclient.Credential{
			retryclient.QueryKey("public", "api_key", cfg.PublicKey),
			retryclient.QueryKey("system", "api_key", cfg.SystemKey),
		},
		clock:   clock.Real{},
		windows: DefaultWindows,
		logger:  slog.Default().With("component", "sam-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs one /search query, falling back across configured hosts.
func (c *Client) Search(ctx context.Context, p SearchParams) (*SearchResult, string, error) {
	now := c.clock.Now()
	if p.PostedTo.IsZero() {
		p.PostedTo = now
	}
	if p.PostedFrom.IsZero() {
		p.PostedFrom = p.PostedTo.AddDate(0, 0, -30)
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	q := url.Values{}
	q.Set("postedFrom", p.PostedFrom.Format(dateLayout))
	q.Set("postedTo", p.PostedTo.Format(dateLayout))
	q.Set("limit", strconv.Itoa(p.Limit))
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	if p.NoticeID != "" {
		q.Set("noticeid", p.NoticeID)
	}
	if p.DateType != "" {
		q.Set("dateType", p.DateType)
	}
	if p.Status != "" {
		q.Set("status", p.Status)
	}

	urls := make([]string, len(c.baseURLs))
	for i, b := range c.baseURLs {
		urls[i] = b + "/search"
	}
	resp, err := c.rc.Execute(ctx, config.EndpointSAMSearch, retryclient.RequestSpec{
		Method:      http.MethodGet,
		URLs:        urls,
		Query:       q,
		Header:      http.Header{"Accept": []string{"application/json"}},
		Credentials: c.creds,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sam search: %w", err)
	}
	var result SearchResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, resp.URL, &apperrors.CallError{
			Kind:       apperrors.KindFatal,
			Endpoint:   config.EndpointSAMSearch,
			URL:        resp.URL,
			Attempts:   resp.Attempts,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: decoding search response: %v", apperrors.ErrUpstreamRejected, err),
		}
	}
	c.logger.Info("sam search completed",
		"notice_id", p.NoticeID,
		"results", len(result.Opportunities),
		"total", result.TotalRecords,
		"host", resp.URL,
		"attempts", resp.Attempts,
	)
	return &result, resp.URL, nil
}

// Opportunity returns the notice from the last 30 days of postings.
func (c *Client) Opportunity(ctx context.Context, noticeID string) (*Opportunity, error) {
	if noticeID == "" {
		return nil, fmt.Errorf("%w: notice id is required", apperrors.ErrInvalidInput)
	}
	res, _, err := c.Search(ctx, SearchParams{NoticeID: noticeID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(res.Opportunities) == 0 {
		return nil, fmt.Errorf("%w: notice %s", apperrors.ErrNotFound, noticeID)
	}
	return &res.Opportunities[0], nil
}

// ResourceLinks looks up a notice's attachment links, trying each search
// window until one returns the notice with links. Transient failures move on
// to the next window; fatal and authorization failures stop the lookup.
// Concurrent lookups of the same notice share one upstream sequence.
func (c *Client) ResourceLinks(ctx context.Context, noticeID string) (*Resources, error) {
	if noticeID == "" {
		return nil, fmt.Errorf("%w: notice id is required", apperrors.ErrInvalidInput)
	}
	v, err, _ := c.group.Do(noticeID, func() (any, error) {
		return c.resourceLinks(ctx, noticeID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resources), nil
}

func (c *Client) resourceLinks(ctx context.Context, noticeID string) (*Resources, error) {
	now := c.clock.Now()
	var (
		found   *Resources
		lastErr error
	)
	for _, w := range c.windows(now) {
		res, host, err := c.Search(ctx, SearchParams{
			NoticeID:   noticeID,
			PostedFrom: w.From,
			PostedTo:   w.To,
			DateType:   w.DateType,
			Status:     w.Status,
			Limit:      1,
		})
		if err != nil {
			if !apperrors.IsRetryable(err) {
				return nil, err
			}
			c.logger.Warn("search window failed, trying next", "notice_id", noticeID, "window", w.Name, "error", err)
			lastErr = err
			continue
		}
		if len(res.Opportunities) == 0 {
			c.logger.Debug("notice not in window", "notice_id", noticeID, "window", w.Name)
			continue
		}
		opp := res.Opportunities[0]
		r := &Resources{
			NoticeID: noticeID,
			Title:    opp.Title,
			Links:    opp.ResourceLinks,
			Window:   w.Name,
			Host:     host,
			Fetched:  c.clock.Now().UTC(),
		}
		if len(opp.ResourceLinks) > 0 {
			c.logger.Info("resource links found", "notice_id", noticeID, "links", len(opp.ResourceLinks), "window", w.Name)
			return r, nil
		}
		if found == nil {
			found = r
		}
	}
	if found != nil {
		found.Links = []string{}
		return found, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: notice %s in any search window", apperrors.ErrNotFound, noticeID)
}
