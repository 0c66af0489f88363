// Package enrich fetches per-tender detail documents from the rate-limited
// detail source and extracts the supplementary fields the feed omits.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/thrifts-za/protenders-platform-sub003/internal/httpclient"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
)

// ErrNotAvailable signals a definitive "nothing to enrich" response from the
// detail source. It is not retryable and callers count it as skipped.
var ErrNotAvailable = errors.New("no enrichment data available")

// Fetcher retrieves enrichment fields for a single tender.
type Fetcher interface {
	Fetch(ctx context.Context, ocid string) (*store.EnrichmentFields, error)
}

// HTTPFetcher fetches tender detail documents over HTTP and extracts fields
// from the JSON payload.
type HTTPFetcher struct {
	httpClient httpclient.Client
	baseURL    string
}

// NewHTTPFetcher creates a fetcher for the given detail endpoint. The tender
// OCID is appended as a path segment.
func NewHTTPFetcher(baseURL string, httpClient httpclient.Client) *HTTPFetcher {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultClient(0)
	}
	return &HTTPFetcher{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Fetch retrieves and parses the detail document for one tender. A 404 from
// the source, or a document carrying none of the known fields, returns
// ErrNotAvailable; transport failures and other status codes are returned
// as-is so callers can retry them.
func (f *HTTPFetcher) Fetch(ctx context.Context, ocid string) (*store.EnrichmentFields, error) {
	detailURL := f.baseURL + "/" + url.PathEscape(ocid)

	body, err := f.httpClient.Get(ctx, detailURL)
	if err != nil {
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, ErrNotAvailable
		}
		return nil, fmt.Errorf("failed to fetch detail for %s: %w", ocid, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid detail payload for %s", ocid)
	}

	fields := extractFields(gjson.ParseBytes(body))
	if fields == nil {
		return nil, ErrNotAvailable
	}
	return fields, nil
}

// extractFields pulls the known enrichment fields out of a detail document.
// Returns nil when the document carries none of them.
func extractFields(doc gjson.Result) *store.EnrichmentFields {
	fields := &store.EnrichmentFields{}
	found := false

	if closing := parseTime(doc.Get("tender.tenderPeriod.endDate")); closing != nil {
		fields.ClosingAt = closing
		found = true
	}

	contact := doc.Get("tender.procuringEntity.contactPoint")
	if contact.Exists() {
		fields.ContactName = contact.Get("name").String()
		fields.ContactEmail = contact.Get("email").String()
		fields.ContactPhone = contact.Get("telephone").String()
		if fields.ContactName != "" || fields.ContactEmail != "" || fields.ContactPhone != "" {
			found = true
		}
	}

	briefing := doc.Get("tender.briefingSession")
	if briefing.Exists() {
		if at := parseTime(briefing.Get("date")); at != nil {
			fields.BriefingAt = at
			found = true
		}
		if venue := briefing.Get("venue").String(); venue != "" {
			fields.BriefingVenue = venue
			found = true
		}
		if compulsory := briefing.Get("compulsory"); compulsory.Exists() {
			required := compulsory.Bool()
			fields.BriefingRequired = &required
			found = true
		}
	}

	if documents := doc.Get("tender.documents"); documents.IsArray() {
		count := int(documents.Get("#").Int())
		fields.DocumentsCount = &count
		found = true
	}

	if !found {
		return nil
	}
	return fields
}

func parseTime(result gjson.Result) *time.Time {
	if !result.Exists() || result.String() == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, result.String())
	if err != nil {
		return nil
	}
	return &parsed
}
