// Package trust owns per-domain vote aggregation. The voter map is the source
// of truth; safe/unsafe counters are a cache of it and every merge recomputes
// them from the merged map, which makes merging commutative and idempotent no
// matter how often or in what order records are reconciled.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"siteguard/api/internal/epoch"
	"siteguard/api/internal/store"
)

const (
	VoteSafe   = "safe"
	VoteUnsafe = "unsafe"
)

var (
	ErrBadDomain = errors.New("domain is required")
	ErrBadVote   = errors.New("vote must be \"safe\" or \"unsafe\"")
)

// Store is the slice of the replica store the ledger needs.
type Store interface {
	ListTrustRecords(ctx context.Context) ([]store.TrustRecord, error)
	GetTrustRecord(ctx context.Context, domain string) (store.TrustRecord, error)
	UpsertTrustRecords(ctx context.Context, records []store.TrustRecord) error
	ClearTrustRecords(ctx context.Context) error
}

type Ledger struct {
	store Store
}

func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// NormalizeDomain lowercases and trims a domain key.
func NormalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// AnonVoter derives a stable pseudo-identity for an anonymous voter from its
// origin (e.g. remote address). Anonymous votes are still tracked in the
// voter map; an untracked vote could never be reconciled across tiers.
func AnonVoter(origin string) string {
	sum := sha256.Sum256([]byte(origin))
	return "anon:" + hex.EncodeToString(sum[:])[:12]
}

// Vote applies one voter's choice to a domain. Same choice again is a no-op;
// switching moves exactly one vote between buckets.
func (l *Ledger) Vote(ctx context.Context, domain, choice, voterID string) (string, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return "", ErrBadDomain
	}
	if choice != VoteSafe && choice != VoteUnsafe {
		return "", ErrBadVote
	}
	if voterID == "" {
		return "", errors.New("voter id is required")
	}

	record, err := l.store.GetTrustRecord(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		record = store.TrustRecord{Domain: domain, Voters: map[string]string{}}
	} else if err != nil {
		return "", err
	}
	if record.Voters == nil {
		record.Voters = map[string]string{}
	}

	prior, voted := record.Voters[voterID]
	if voted && prior == choice {
		return "already voted", nil
	}
	if voted {
		if prior == VoteSafe {
			record.SafeCount--
		} else {
			record.UnsafeCount--
		}
	}
	if choice == VoteSafe {
		record.SafeCount++
	} else {
		record.UnsafeCount++
	}
	record.Voters[voterID] = choice
	record.LastUpdated = epoch.Now()

	if err := l.store.UpsertTrustRecords(ctx, []store.TrustRecord{record}); err != nil {
		return "", err
	}
	if voted {
		return "vote changed", nil
	}
	return "vote recorded", nil
}

// Score is the client-facing view of a domain's reputation. Score is nil when
// the domain has no votes.
type Score struct {
	Score  *int   `json:"score"`
	Votes  int    `json:"votes"`
	Safe   int    `json:"safe"`
	Unsafe int    `json:"unsafe"`
	Status string `json:"status"`
}

func (l *Ledger) GetScore(ctx context.Context, domain string) (Score, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return Score{}, ErrBadDomain
	}
	record, err := l.store.GetTrustRecord(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		return Score{Status: "unknown"}, nil
	}
	if err != nil {
		return Score{}, err
	}
	return scoreOf(record), nil
}

func scoreOf(record store.TrustRecord) Score {
	total := record.SafeCount + record.UnsafeCount
	if total == 0 {
		return Score{Status: "unknown"}
	}
	value := int(float64(record.SafeCount)/float64(total)*100 + 0.5)
	status := "suspect"
	if value > 70 {
		status = "safe"
	} else if value < 30 {
		status = "malicious"
	}
	return Score{Score: &value, Votes: total, Safe: record.SafeCount, Unsafe: record.UnsafeCount, Status: status}
}

func (l *Ledger) ListAll(ctx context.Context) ([]store.TrustRecord, error) {
	return l.store.ListTrustRecords(ctx)
}

// Clear wipes every trust record. Administrative use only.
func (l *Ledger) Clear(ctx context.Context) error {
	return l.store.ClearTrustRecords(ctx)
}

// Merge combines two records for the same domain. The merged voter map is the
// key-wise union with remote winning per-voter conflicts (the wire format
// carries no per-vote timestamps), and the counters are recomputed from that
// union rather than taken from either side's stored values.
func Merge(local, remote store.TrustRecord) store.TrustRecord {
	merged := store.TrustRecord{
		Domain: local.Domain,
		Voters: map[string]string{},
	}
	if merged.Domain == "" {
		merged.Domain = remote.Domain
	}
	for voter, choice := range local.Voters {
		merged.Voters[voter] = choice
	}
	for voter, choice := range remote.Voters {
		merged.Voters[voter] = choice
	}
	for _, choice := range merged.Voters {
		if choice == VoteSafe {
			merged.SafeCount++
		} else {
			merged.UnsafeCount++
		}
	}
	merged.LastUpdated = local.LastUpdated
	if remote.LastUpdated.After(merged.LastUpdated) {
		merged.LastUpdated = remote.LastUpdated
	}
	return merged
}

// MergeAll merges a remote snapshot into a local one, domain-wise.
func MergeAll(local, remote []store.TrustRecord) []store.TrustRecord {
	byDomain := make(map[string]store.TrustRecord, len(local))
	order := make([]string, 0, len(local)+len(remote))
	for _, record := range local {
		byDomain[record.Domain] = record
		order = append(order, record.Domain)
	}
	for _, record := range remote {
		if existing, ok := byDomain[record.Domain]; ok {
			byDomain[record.Domain] = Merge(existing, record)
			continue
		}
		byDomain[record.Domain] = Merge(store.TrustRecord{Domain: record.Domain}, record)
		order = append(order, record.Domain)
	}
	merged := make([]store.TrustRecord, 0, len(byDomain))
	for _, domain := range order {
		merged = append(merged, byDomain[domain])
	}
	return merged
}

// Seed restores or imports a single record with merge-if-richer semantics:
// the incoming record is merged with whatever is stored, so a poorer seed can
// never erase real votes.
func (l *Ledger) Seed(ctx context.Context, incoming store.TrustRecord) (store.TrustRecord, error) {
	incoming.Domain = NormalizeDomain(incoming.Domain)
	if incoming.Domain == "" {
		return store.TrustRecord{}, ErrBadDomain
	}
	existing, err := l.store.GetTrustRecord(ctx, incoming.Domain)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return store.TrustRecord{}, err
	}
	merged := Merge(existing, incoming)
	if err := l.store.UpsertTrustRecords(ctx, []store.TrustRecord{merged}); err != nil {
		return store.TrustRecord{}, err
	}
	return merged, nil
}
