// Package blocklist compiles reconciled report state into an ordered
// enforcement rule list and manages one-time bypass tokens. The compiled
// rules are handed to the extension host's rule-installation API; here they
// are also served over HTTP so either tier can answer a refresh request.
package blocklist

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"siteguard/api/internal/epoch"
	"siteguard/api/internal/report"
	"siteguard/api/internal/store"
)

var ErrBadURL = errors.New("url is required")

// Rule denies navigation matching MatchKey by redirecting to an explanatory
// interstitial.
type Rule struct {
	Priority int          `json:"priority"`
	MatchKey string       `json:"matchKey"`
	URL      string       `json:"url"`
	Redirect string       `json:"redirect"`
	BannedAt epoch.Millis `json:"bannedAt"`
}

// ReportSource supplies the reconciled report set.
type ReportSource interface {
	ListReports(ctx context.Context) ([]store.Report, error)
}

// TokenStore persists bypass tokens.
type TokenStore interface {
	ListBypassTokens(ctx context.Context) ([]store.BypassToken, error)
	UpsertBypassTokens(ctx context.Context, tokens []store.BypassToken) error
}

type Compiler struct {
	reports ReportSource
	tokens  TokenStore
	window  time.Duration

	mu    sync.Mutex
	rules []Rule

	// now is swappable in tests.
	now func() epoch.Millis
}

func NewCompiler(reports ReportSource, tokens TokenStore, window time.Duration) *Compiler {
	return &Compiler{
		reports: reports,
		tokens:  tokens,
		window:  window,
		now:     epoch.Now,
	}
}

// Rules returns the last compiled rule set.
func (c *Compiler) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Recompile rebuilds the rule set from banned reports minus currently valid
// bypass tokens. Runs on every report-state change and every token create or
// consume.
func (c *Compiler) Recompile(ctx context.Context) error {
	reports, err := c.reports.ListReports(ctx)
	if err != nil {
		return err
	}
	tokens, err := c.tokens.ListBypassTokens(ctx)
	if err != nil {
		return err
	}

	bypassed := map[string]bool{}
	now := c.now()
	for _, token := range tokens {
		if c.tokenValid(token, now) {
			bypassed[report.HostnameOf(token.URL)] = true
		}
	}

	// Dedupe banned reports by match key, newest ban wins.
	byKey := map[string]store.Report{}
	for _, item := range reports {
		if item.Status != report.StatusBanned {
			continue
		}
		key := item.Hostname
		if key == "" {
			key = report.HostnameOf(item.URL)
		}
		key = strings.ToLower(key)
		if key == "" || bypassed[key] {
			continue
		}
		if existing, ok := byKey[key]; !ok || item.BannedAt > existing.BannedAt {
			byKey[key] = item
		}
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rules := make([]Rule, 0, len(keys))
	for i, key := range keys {
		item := byKey[key]
		rules = append(rules, Rule{
			Priority: i + 1,
			MatchKey: key,
			URL:      item.URL,
			Redirect: "/blocked.html?host=" + key,
			BannedAt: item.BannedAt,
		})
	}

	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
	return nil
}

func (c *Compiler) tokenValid(token store.BypassToken, now epoch.Millis) bool {
	if token.Used {
		return false
	}
	return now.Time().Sub(token.CreatedAt.Time()) < c.window
}

// CreateBypass issues a one-time token for a blocked url and recompiles so
// the destination opens immediately.
func (c *Compiler) CreateBypass(ctx context.Context, rawURL string) (store.BypassToken, error) {
	if strings.TrimSpace(rawURL) == "" {
		return store.BypassToken{}, ErrBadURL
	}
	token := store.BypassToken{
		ID:        uuid.NewString(),
		URL:       rawURL,
		CreatedAt: c.now(),
	}
	if err := c.tokens.UpsertBypassTokens(ctx, []store.BypassToken{token}); err != nil {
		return store.BypassToken{}, err
	}
	if err := c.Recompile(ctx); err != nil {
		log.Printf("blocklist recompile after bypass create failed: %v", err)
	}
	return token, nil
}

// Consume marks the first valid token matching the navigated url as used and
// recompiles immediately, so the next visit is blocked again. Reports whether
// a token was consumed.
func (c *Compiler) Consume(ctx context.Context, rawURL string) (bool, error) {
	key := report.HostnameOf(rawURL)
	if key == "" {
		return false, ErrBadURL
	}
	tokens, err := c.tokens.ListBypassTokens(ctx)
	if err != nil {
		return false, err
	}
	now := c.now()
	for _, token := range tokens {
		if !c.tokenValid(token, now) {
			continue
		}
		if report.HostnameOf(token.URL) != key {
			continue
		}
		token.Used = true
		token.UsedAt = now
		if err := c.tokens.UpsertBypassTokens(ctx, []store.BypassToken{token}); err != nil {
			return false, err
		}
		if err := c.Recompile(ctx); err != nil {
			log.Printf("blocklist recompile after bypass consume failed: %v", err)
		}
		return true, nil
	}
	return false, nil
}
