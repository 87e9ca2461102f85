// Package content reads approved content snapshots from the content store.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when content is absent or not approved.
var ErrNotFound = errors.New("content not found or not approved")

// Snapshot is an immutable approved content item.
type Snapshot struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Title        string            `json:"title,omitempty"`
	Text         string            `json:"text"`
	Language     string            `json:"language"`
	Translations map[string]string `json:"translations,omitempty"`
	AudioRefs    map[string]string `json:"audio_refs,omitempty"`
	MediaURLs    []string          `json:"media_urls,omitempty"`
	Approved     bool              `json:"approved"`
	Version      int               `json:"version"`
}

// Languages returns the base language followed by translations, sorted, without duplicates.
func (s Snapshot) Languages() []string {
	out := []string{s.Language}
	seen := map[string]bool{s.Language: true}
	extra := make([]string, 0, len(s.Translations))
	for lang := range s.Translations {
		if !seen[lang] {
			seen[lang] = true
			extra = append(extra, lang)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// TextFor returns the text in lang, falling back to the base language.
func (s Snapshot) TextFor(lang string) string {
	if t, ok := s.Translations[lang]; ok && strings.TrimSpace(t) != "" {
		return t
	}
	return s.Text
}

// Source is the content store contract.
type Source interface {
	GetApproved(ctx context.Context, id string) (Snapshot, error)
}

// Memory is an in-process Source.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Snapshot
}

func NewMemory(items ...Snapshot) *Memory {
	m := &Memory{m: map[string]Snapshot{}}
	for _, it := range items {
		m.Put(it)
	}
	return m
}

func (m *Memory) Put(s Snapshot) {
	m.mu.Lock()
	m.m[s.ID] = s
	m.mu.Unlock()
}

func (m *Memory) GetApproved(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	s, ok := m.m[id]
	m.mu.RUnlock()
	if !ok || !s.Approved {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

// Client reads snapshots from GET {base}/contents/{id}.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetApproved(ctx context.Context, id string) (Snapshot, error) {
	u := fmt.Sprintf("%s/contents/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Snapshot{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("content store returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode content %s: %w", id, err)
	}
	if !s.Approved {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}
