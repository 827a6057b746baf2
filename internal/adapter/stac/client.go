// Package stac is a scene catalog client for STAC item search APIs.
package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
	"golang.org/x/time/rate"
)

const (
	pageLimit = 500
	maxPages  = 50
	maxTries  = 4
)

// Options configures the client.
type Options struct {
	URL        string
	Collection string
	Timeout    time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
}

// OptionsFromConfig maps service config onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:        cfg.CatalogURL,
		Collection: cfg.CatalogCollection,
		Timeout:    cfg.CatalogTimeout,
		RateLimit:  cfg.CatalogRateLimit,
	}
}

// Client implements domain.SceneCatalog.
type Client struct {
	http       *http.Client
	url        string
	collection string
	limiter    *rate.Limiter
	initial    time.Duration
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New creates a catalog client.
func New(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		url:        opts.URL,
		collection: opts.Collection,
		limiter:    rate.NewLimiter(limit, 1),
		initial:    initial,
		metrics:    metrics,
		logger:     logger,
	}
}

type searchRequest struct {
	BBox        domain.BBox                `json:"bbox"`
	Collections []string                   `json:"collections"`
	Query       map[string]json.RawMessage `json:"query"`
	Limit       int                        `json:"limit"`
}

type searchResponse struct {
	Features []feature `json:"features"`
	Links    []link    `json:"links"`
}

type feature struct {
	ID         string `json:"id"`
	Properties struct {
		Datetime   time.Time `json:"datetime"`
		ProductID  string    `json:"landsat:product_id"`
		CloudCover float64   `json:"eo:cloud_cover"`
	} `json:"properties"`
}

type link struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
	Merge  bool            `json:"merge"`
}

// Search returns every scene intersecting the box with cloud cover in the
// closed range, following next links.
func (c *Client) Search(ctx context.Context, q domain.CatalogQuery) ([]domain.SceneDescriptor, error) {
	cloud, err := json.Marshal(map[string]float64{"gte": q.CloudCover.Lo, "lte": q.CloudCover.Hi})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(searchRequest{
		BBox:        q.BBox,
		Collections: []string{c.collection},
		Query:       map[string]json.RawMessage{"eo:cloud_cover": cloud},
		Limit:       pageLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search: %w", err)
	}

	var scenes []domain.SceneDescriptor
	next := &link{Href: c.url + "/search", Method: http.MethodPost, Body: body}
	for page := 0; next != nil; page++ {
		if page == maxPages {
			c.logger.Warn("catalog paging truncated", "pages", page, "scenes", len(scenes))
			break
		}
		resp, err := c.fetchPage(ctx, *next)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
		}
		for _, f := range resp.Features {
			scenes = append(scenes, f.descriptor())
		}
		next = nextLink(resp.Links, body)
	}
	c.logger.Debug("catalog search done", "bbox", q.BBox, "scenes", len(scenes))
	return scenes, nil
}

func (f feature) descriptor() domain.SceneDescriptor {
	pid := f.Properties.ProductID
	if pid == "" {
		pid = f.ID
	}
	return domain.SceneDescriptor{
		AcquiredAt:    f.Properties.Datetime.UTC(),
		ProductID:     pid,
		CloudCoverPct: f.Properties.CloudCover,
	}
}

// nextLink finds the rel=next link. A merge link's body is layered over the
// original request.
func nextLink(links []link, original []byte) *link {
	for _, l := range links {
		if l.Rel != "next" || l.Href == "" {
			continue
		}
		next := l
		if next.Method == "" {
			next.Method = http.MethodGet
			if len(next.Body) > 0 {
				next.Method = http.MethodPost
			}
		}
		if next.Merge && len(next.Body) > 0 {
			merged := map[string]json.RawMessage{}
			_ = json.Unmarshal(original, &merged)
			var extra map[string]json.RawMessage
			if err := json.Unmarshal(next.Body, &extra); err == nil {
				for k, v := range extra {
					merged[k] = v
				}
				if b, err := json.Marshal(merged); err == nil {
					next.Body = b
				}
			}
		}
		return &next
	}
	return nil
}

// fetchPage performs one page request with rate limiting and retries.
// Client errors other than 429 are not retried.
func (c *Client) fetchPage(ctx context.Context, l link) (*searchResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial

	op := func() (*searchResponse, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		start := time.Now()
		resp, err := c.do(ctx, l)
		c.metrics.CatalogDuration.Observe(time.Since(start).Seconds())

		var perm *backoff.PermanentError
		switch {
		case err == nil:
			c.metrics.CatalogRequests.WithLabelValues("success").Inc()
		case errors.As(err, &perm):
			c.metrics.CatalogRequests.WithLabelValues("error").Inc()
		default:
			c.metrics.CatalogRequests.WithLabelValues("retry").Inc()
			c.logger.Warn("catalog request failed, retrying", "url", l.Href, "error", err)
		}
		return resp, err
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}

func (c *Client) do(ctx context.Context, l link) (*searchResponse, error) {
	var body io.Reader
	if l.Method == http.MethodPost {
		body = bytes.NewReader(l.Body)
	}
	req, err := http.NewRequestWithContext(ctx, l.Method, l.Href, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/geo+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("catalog returned %s", resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("catalog returned %s: %s", resp.Status, bytes.TrimSpace(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &out, nil
}
