package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SyncTokenHeader authenticates tier-to-tier traffic.
const SyncTokenHeader = "x-siteguard-sync-token"

// Peer snapshot endpoints, mirrored by the HTTP server.
const (
	PathTrust      = "/api/internal/sync/trust"
	PathReports    = "/api/internal/sync/reports"
	PathAccounts   = "/api/internal/sync/accounts"
	PathTombstones = "/api/internal/sync/tombstones"
)

// FetchStatus is the typed outcome of a bounded remote call. Fallback
// behavior composes by switching on this instead of inspecting errors.
type FetchStatus int

const (
	FetchOK FetchStatus = iota
	FetchTimedOut
	FetchFailed
)

type Result[T any] struct {
	Status FetchStatus
	Items  []T
	Err    error
}

// PeerClient talks to the sibling tier. Every call carries the configured
// timeout; a late response is simply discarded with the cancelled context.
type PeerClient struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

func NewPeerClient(baseURL, token string, timeout time.Duration) *PeerClient {
	return &PeerClient{
		baseURL: baseURL,
		token:   token,
		timeout: timeout,
		http:    &http.Client{},
	}
}

func fetchItems[T any](ctx context.Context, c *PeerClient, path string) Result[T] {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Result[T]{Status: FetchFailed, Err: err}
	}
	req.Header.Set(SyncTokenHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result[T]{Status: FetchTimedOut, Err: err}
		}
		return Result[T]{Status: FetchFailed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result[T]{Status: FetchFailed, Err: fmt.Errorf("peer returned %d for %s", resp.StatusCode, path)}
	}

	var items []T
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return Result[T]{Status: FetchFailed, Err: fmt.Errorf("decode peer response: %w", err)}
	}
	return Result[T]{Status: FetchOK, Items: items}
}

func pushItems[T any](ctx context.Context, c *PeerClient, path string, items []T) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode push body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(SyncTokenHeader, c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer returned %d for %s", resp.StatusCode, path)
	}
	return nil
}
