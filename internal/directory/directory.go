// Package directory streams citizen records from the citizen directory.
//
// Results are lazy iterators: pages are fetched as the caller ranges over
// them and nothing beyond the current page is held in memory. Ranging again
// restarts from the first page.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"govcast/internal/model"
)

// Source is the citizen directory contract.
type Source interface {
	Citizens(ctx context.Context, tenantID string, c model.Criteria, ch model.Channel) iter.Seq2[model.Citizen, error]
}

// Memory is an in-process directory, per tenant.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]model.Citizen
}

func NewMemory() *Memory { return &Memory{m: map[string][]model.Citizen{}} }

func (m *Memory) Add(tenantID string, zs ...model.Citizen) {
	m.mu.Lock()
	m.m[tenantID] = append(m.m[tenantID], zs...)
	m.mu.Unlock()
}

func (m *Memory) Citizens(ctx context.Context, tenantID string, c model.Criteria, _ model.Channel) iter.Seq2[model.Citizen, error] {
	return func(yield func(model.Citizen, error) bool) {
		m.mu.RLock()
		list := m.m[tenantID]
		m.mu.RUnlock()
		for _, z := range list {
			if err := ctx.Err(); err != nil {
				yield(model.Citizen{}, err)
				return
			}
			if !c.Match(z) {
				continue
			}
			if !yield(z, nil) {
				return
			}
		}
	}
}

// Client pages through GET {base}/tenants/{tenant}/citizens.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	httpClient *http.Client
}

func NewClient(baseURL, token string, pageSize int, timeout time.Duration) *Client {
	if pageSize <= 0 {
		pageSize = 500
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type page struct {
	Items      []model.Citizen `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

func (c *Client) Citizens(ctx context.Context, tenantID string, crit model.Criteria, ch model.Channel) iter.Seq2[model.Citizen, error] {
	return func(yield func(model.Citizen, error) bool) {
		cursor := ""
		for {
			p, err := c.fetch(ctx, tenantID, crit, ch, cursor)
			if err != nil {
				yield(model.Citizen{}, err)
				return
			}
			for _, z := range p.Items {
				if !yield(z, nil) {
					return
				}
			}
			if p.NextCursor == "" || len(p.Items) == 0 {
				return
			}
			cursor = p.NextCursor
		}
	}
}

func (c *Client) fetch(ctx context.Context, tenantID string, crit model.Criteria, ch model.Channel, cursor string) (page, error) {
	q := url.Values{}
	q.Set("channel", string(ch))
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	for _, r := range crit.Regions {
		q.Add("region", r)
	}
	for _, l := range crit.Languages {
		q.Add("language", l)
	}
	for _, g := range crit.Genders {
		q.Add("gender", g)
	}
	if crit.AgeMin > 0 {
		q.Set("age_min", strconv.Itoa(crit.AgeMin))
	}
	if crit.AgeMax > 0 {
		q.Set("age_max", strconv.Itoa(crit.AgeMax))
	}
	for k, v := range crit.Custom {
		q.Add("attr", k+"="+v)
	}

	u := fmt.Sprintf("%s/tenants/%s/citizens?%s", c.baseURL, url.PathEscape(tenantID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return page{}, fmt.Errorf("failed to read directory page: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return page{}, fmt.Errorf("directory returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return page{}, fmt.Errorf("failed to decode directory page: %w", err)
	}
	return p, nil
}
