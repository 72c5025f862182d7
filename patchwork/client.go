/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package patchwork is the patch tracker client: paginated series search,
// series/patch fetches, and check posting. All reads go through a small
// retry budget; persistent failures surface as errors scoped to the series
// being processed, never to the whole cycle.
package patchwork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

const (
	apiVersion = "1.1"

	// seriesDateLayout is the timestamp format the tracker emits.
	seriesDateLayout = "2006-01-02T15:04:05"
)

// Check is one CI check result posted against a patch. Posting is idempotent
// per (patch, context): the latest post wins on the tracker side.
type Check struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url"`
	Context     string `json:"context"`
	Description string `json:"description"`
}

// ClientConfig carries the tracker connection settings.
type ClientConfig struct {
	// Server is the tracker host, with or without an https:// prefix.
	Server string
	// Project is the tracker project name (selects the log extractor too).
	Project string
	// SearchPatterns are passed verbatim as query parameters, one search per
	// pattern, each additionally filtered by the since watermark.
	SearchPatterns []map[string]any
	// LookbackDays anchors the initial since watermark.
	LookbackDays int
	// AuthToken, when set, authenticates writes (check posting).
	AuthToken string
	// Retry overrides the default retry budget when non-zero.
	Retry RetryConfig
	// HTTPClient overrides http.DefaultClient, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to one patch tracker instance. It is scoped to a single sync
// cycle and carries the since watermark used by searches.
type Client struct {
	baseURL        string
	project        string
	searchPatterns []map[string]any
	authToken      string
	retry          RetryConfig
	http           *http.Client

	since time.Time
}

// New builds a tracker client whose since watermark starts LookbackDays in
// the past.
func New(cfg ClientConfig) *Client {
	server := cfg.Server
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.BaseBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:        strings.TrimSuffix(server, "/") + "/api/" + apiVersion,
		project:        cfg.Project,
		searchPatterns: cfg.SearchPatterns,
		authToken:      cfg.AuthToken,
		retry:          retry,
		http:           httpClient,
		since:          time.Now().AddDate(0, 0, -cfg.LookbackDays),
	}
}

// Project returns the tracker project name.
func (c *Client) Project() string { return c.project }

// Since returns the current search watermark.
func (c *Client) Since() time.Time { return c.since }

// AdvanceSince moves the search watermark forward, typically to the start of
// the last successful cycle. Moves backward are ignored.
func (c *Client) AdvanceSince(t time.Time) {
	if t.After(c.since) {
		c.since = t
	}
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, http.Header, error) {
	type result struct {
		data   []byte
		header http.Header
	}
	res, err := retryWithBackoff(ctx, c.retry, method+" "+rawURL, func() (result, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return result{}, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Token "+c.authToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return result{}, &transportError{err: err}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, &transportError{err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			err := fmt.Errorf("%s %s: unexpected status %d: %s", method, rawURL, resp.StatusCode, bytes.TrimSpace(data))
			if retryableStatus(resp.StatusCode) {
				return result{}, &transportError{err: err}
			}
			return result{}, err
		}
		return result{data: data, header: resp.Header}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res.data, res.header, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, target any) error {
	data, _, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

// getPaginated follows Link rel="next" headers, decoding each page into a
// JSON array and appending the raw elements.
func (c *Client) getPaginated(ctx context.Context, rawURL string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	for rawURL != "" {
		data, header, err := c.do(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		var page []json.RawMessage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", rawURL, err)
		}
		items = append(items, page...)
		rawURL = nextPageURL(header.Get("Link"))
	}
	return items, nil
}

// nextPageURL extracts the rel="next" target from an RFC 5988 Link header.
func nextPageURL(link string) string {
	for _, part := range strings.Split(link, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		if strings.TrimSpace(section[1]) != `rel="next"` {
			continue
		}
		target := strings.TrimSpace(section[0])
		return strings.Trim(target, "<>")
	}
	return ""
}

type seriesJSON struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Date        string `json:"date"`
	Version     int    `json:"version"`
	URL         string `json:"url"`
	WebURL      string `json:"web_url"`
	Mbox        string `json:"mbox"`
	CoverLetter *struct {
		Name string `json:"name"`
	} `json:"cover_letter"`
	Submitter *struct {
		Email string `json:"email"`
	} `json:"submitter"`
	Patches []struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		MsgID string `json:"msgid"`
	} `json:"patches"`
}

func (c *Client) seriesFromJSON(ctx context.Context, raw seriesJSON) (*Series, error) {
	series := &Series{
		ID:      raw.ID,
		Name:    raw.Name,
		Version: raw.Version,
		URL:     raw.URL,
		WebURL:  raw.WebURL,
		MboxURL: raw.Mbox,
	}
	if raw.Date != "" {
		date, err := time.Parse(seriesDateLayout, raw.Date)
		if err != nil {
			return nil, fmt.Errorf("parsing series %d date %q: %w", raw.ID, raw.Date, err)
		}
		series.Date = date
	}
	if raw.CoverLetter != nil {
		series.CoverName = raw.CoverLetter.Name
	}
	if raw.Submitter != nil {
		series.Submitter = raw.Submitter.Email
	}
	for _, p := range raw.Patches {
		patch, err := c.GetPatchByID(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching patch %d of series %d: %w", p.ID, raw.ID, err)
		}
		if patch.MsgID == "" {
			patch.MsgID = p.MsgID
		}
		series.Patches = append(series.Patches, *patch)
	}
	return series, nil
}

// GetSeriesByID fetches one series, following links to its patches and cover
// letter.
func (c *Client) GetSeriesByID(ctx context.Context, id int) (*Series, error) {
	var raw seriesJSON
	if err := c.getJSON(ctx, fmt.Sprintf("%s/series/%d/", c.baseURL, id), &raw); err != nil {
		return nil, err
	}
	return c.seriesFromJSON(ctx, raw)
}

// GetPatchByID fetches one patch object.
func (c *Client) GetPatchByID(ctx context.Context, id int) (*Patch, error) {
	var patch Patch
	if err := c.getJSON(ctx, fmt.Sprintf("%s/patches/%d/", c.baseURL, id), &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

// GetSubjectBySeries returns the Subject grouping for a series.
func (c *Client) GetSubjectBySeries(series *Series) *Subject {
	return &Subject{Subject: series.NormalizedSubject(), client: c}
}

// searchSeriesBySubject finds every series whose normalized title equals the
// subject, used to resolve respins.
func (c *Client) searchSeriesBySubject(ctx context.Context, subject string) ([]*Series, error) {
	params := url.Values{}
	params.Set("q", subject)
	items, err := c.getPaginated(ctx, fmt.Sprintf("%s/series/?%s", c.baseURL, params.Encode()))
	if err != nil {
		return nil, err
	}
	var series []*Series
	for _, item := range items {
		var raw seriesJSON
		if err := json.Unmarshal(item, &raw); err != nil {
			return nil, fmt.Errorf("decoding series search result: %w", err)
		}
		if stripTags(raw.Name) != subject {
			continue
		}
		one, err := c.seriesFromJSON(ctx, raw)
		if err != nil {
			return nil, err
		}
		series = append(series, one)
	}
	return series, nil
}

// SearchRecentSeries executes each configured search pattern filtered by the
// since watermark and returns the matched series, deduplicated by id.
func (c *Client) SearchRecentSeries(ctx context.Context) ([]*Series, error) {
	seen := map[int]bool{}
	var out []*Series
	for _, pattern := range c.searchPatterns {
		params := url.Values{}
		for key, value := range pattern {
			params.Set(key, fmt.Sprint(value))
		}
		params.Set("since", c.since.UTC().Format(seriesDateLayout))
		items, err := c.getPaginated(ctx, fmt.Sprintf("%s/patches/?%s", c.baseURL, params.Encode()))
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			var patch struct {
				Series []struct {
					ID int `json:"id"`
				} `json:"series"`
			}
			if err := json.Unmarshal(item, &patch); err != nil {
				return nil, fmt.Errorf("decoding patch search result: %w", err)
			}
			for _, ref := range patch.Series {
				if ref.ID == 0 || seen[ref.ID] {
					continue
				}
				seen[ref.ID] = true
				series, err := c.GetSeriesByID(ctx, ref.ID)
				if err != nil {
					clog.FromContext(ctx).Warnf("Fetching series %d failed: %v", ref.ID, err)
					continue
				}
				out = append(out, series)
			}
		}
	}
	return out, nil
}

// GetRelevantSubjects groups recently updated series into Subjects, keeping
// only those that still have actionable patches. Each Subject comes
// preloaded with the series versions discovered by the search.
func (c *Client) GetRelevantSubjects(ctx context.Context) ([]*Subject, error) {
	series, err := c.SearchRecentSeries(ctx)
	if err != nil {
		return nil, err
	}

	grouped := map[string][]*Series{}
	var order []string
	for _, one := range series {
		if one.Expired() {
			clog.FromContext(ctx).Infof("Skipping expired series %d: %s", one.ID, one.Name)
			continue
		}
		key := one.NormalizedSubject()
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], one)
	}

	subjects := make([]*Subject, 0, len(order))
	for _, key := range order {
		versions := grouped[key]
		sortSeries(versions)
		subjects = append(subjects, &Subject{Subject: key, client: c, series: versions})
	}
	return subjects, nil
}

// FetchMbox downloads the raw mailbox of a series for git-am consumption.
func (c *Client) FetchMbox(ctx context.Context, series *Series) ([]byte, error) {
	data, _, err := c.do(ctx, http.MethodGet, series.MboxURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching mbox for series %d: %w", series.ID, err)
	}
	return data, nil
}

type checkJSON struct {
	ID        int    `json:"id"`
	State     string `json:"state"`
	TargetURL string `json:"target_url"`
	Context   string `json:"context"`
}

// PostCheck records a CI check against a patch. A post is skipped when the
// newest existing check for the same context already carries the same state
// and target URL, keeping the operation idempotent across cycles.
//
// The returned bool reports whether a post actually happened.
func (c *Client) PostCheck(ctx context.Context, patchID int, check Check) (bool, error) {
	checksURL := fmt.Sprintf("%s/patches/%d/checks/", c.baseURL, patchID)

	var existing []checkJSON
	if err := c.getJSON(ctx, checksURL, &existing); err != nil {
		return false, err
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].ID > existing[j].ID })
	for _, prev := range existing {
		if prev.Context != check.Context {
			continue
		}
		if prev.State == check.State && prev.TargetURL == check.TargetURL {
			clog.FromContext(ctx).Debugf("Check %q for patch %d already up to date", check.Context, patchID)
			return false, nil
		}
		break
	}

	body, err := json.Marshal(check)
	if err != nil {
		return false, err
	}
	if _, _, err := c.do(ctx, http.MethodPost, checksURL, body); err != nil {
		return false, err
	}
	return true, nil
}
