// Package feed implements the client for the upstream OCDS release feed.
// Pages are linked by opaque continuation cursors: each response carries
// the URL of the next page, which callers pass back verbatim.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/thrifts-za/protenders-platform-sub003/internal/httpclient"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
)

// Page is one page of feed results. NextCursor is empty on the last page.
type Page struct {
	Releases   []store.Tender
	NextCursor string
}

// FetchParams selects which page to fetch. When Cursor is set it takes
// precedence and From/To/PageSize are ignored, since the cursor already
// encodes the query.
type FetchParams struct {
	Cursor   string
	PageSize int
	From     time.Time
	To       time.Time
}

// Feed fetches pages of procurement notices from the upstream source.
type Feed interface {
	FetchPage(ctx context.Context, params FetchParams) (*Page, error)
}

// Client fetches OCDS release packages over HTTP.
type Client struct {
	httpClient httpclient.Client
	endpoint   string
}

// NewClient creates a feed client for the given release-feed endpoint.
func NewClient(endpoint string, httpClient httpclient.Client) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultClient(0)
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
	}
}

// ocdsEnvelope is the subset of an OCDS release package this service reads.
type ocdsEnvelope struct {
	Releases []ocdsRelease `json:"releases"`
	Links    struct {
		Next string `json:"next"`
	} `json:"links"`
}

type ocdsRelease struct {
	OCID  string `json:"ocid"`
	Date  string `json:"date"`
	Buyer struct {
		Name    string `json:"name"`
		Address struct {
			Region string `json:"region"`
		} `json:"address"`
	} `json:"buyer"`
	Tender struct {
		Title                   string `json:"title"`
		Status                  string `json:"status"`
		MainProcurementCategory string `json:"mainProcurementCategory"`
	} `json:"tender"`
}

// FetchPage retrieves a single page of releases. Releases without an ocid
// or a parseable date are dropped with a warning rather than failing the
// page, since a single malformed item must not break cursor continuity.
func (c *Client) FetchPage(ctx context.Context, params FetchParams) (*Page, error) {
	pageURL, err := c.buildURL(params)
	if err != nil {
		return nil, err
	}

	body, err := c.httpClient.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed page: %w", err)
	}

	var envelope ocdsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse feed page: %w", err)
	}

	page := &Page{
		Releases:   make([]store.Tender, 0, len(envelope.Releases)),
		NextCursor: envelope.Links.Next,
	}
	for _, release := range envelope.Releases {
		tender, err := mapRelease(release)
		if err != nil {
			logger.Warnf("Skipping malformed release: %v", err)
			continue
		}
		page.Releases = append(page.Releases, tender)
	}
	return page, nil
}

func (c *Client) buildURL(params FetchParams) (string, error) {
	if params.Cursor != "" {
		if _, err := url.ParseRequestURI(params.Cursor); err != nil {
			return "", fmt.Errorf("invalid feed cursor %q: %w", params.Cursor, err)
		}
		return params.Cursor, nil
	}

	base, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid feed endpoint: %w", err)
	}
	query := base.Query()
	if params.PageSize > 0 {
		query.Set("PageSize", strconv.Itoa(params.PageSize))
	}
	if !params.From.IsZero() {
		query.Set("dateFrom", params.From.Format("2006-01-02"))
	}
	if !params.To.IsZero() {
		query.Set("dateTo", params.To.Format("2006-01-02"))
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func mapRelease(release ocdsRelease) (store.Tender, error) {
	if release.OCID == "" {
		return store.Tender{}, fmt.Errorf("release has no ocid")
	}
	publishedAt, err := time.Parse(time.RFC3339, release.Date)
	if err != nil {
		return store.Tender{}, fmt.Errorf("release %s has invalid date %q: %w", release.OCID, release.Date, err)
	}
	return store.Tender{
		OCID:        release.OCID,
		Title:       release.Tender.Title,
		Buyer:       release.Buyer.Name,
		Category:    release.Tender.MainProcurementCategory,
		Province:    release.Buyer.Address.Region,
		Status:      release.Tender.Status,
		PublishedAt: publishedAt,
	}, nil
}
