// Package store is the persistence boundary for one tier. The primary
// backend is a Postgres document store (one JSONB doc per entity); a flat
// JSON-file store serves as the fallback when the primary is unavailable.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by every read-one operation when the key has no
// record. Callers match it with errors.Is.
var ErrNotFound = errors.New("not found")

// Entity kind names, used as cache keys and flat-store file names.
const (
	KindTrust      = "trust_records"
	KindReports    = "reports"
	KindAccounts   = "accounts"
	KindTombstones = "deleted_accounts"
	KindBypass     = "bypass_tokens"
	KindAudit      = "audit_entries"
)

// Store is the per-kind read-all/read-one/bulk-upsert surface every backend
// implements. Upserts are last-write-wins per key; merges happen above this
// layer so any interleaving of upserts is safe.
type Store interface {
	ListTrustRecords(ctx context.Context) ([]TrustRecord, error)
	GetTrustRecord(ctx context.Context, domain string) (TrustRecord, error)
	UpsertTrustRecords(ctx context.Context, records []TrustRecord) error
	ClearTrustRecords(ctx context.Context) error

	ListReports(ctx context.Context) ([]Report, error)
	GetReport(ctx context.Context, id string) (Report, error)
	UpsertReports(ctx context.Context, reports []Report) error
	DeleteReports(ctx context.Context, ids []string) error

	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, email string) (Account, error)
	UpsertAccounts(ctx context.Context, accounts []Account) error
	DeleteAccount(ctx context.Context, email string) error

	ListTombstones(ctx context.Context) ([]Tombstone, error)
	GetTombstone(ctx context.Context, email string) (Tombstone, error)
	UpsertTombstones(ctx context.Context, tombstones []Tombstone) error

	ListBypassTokens(ctx context.Context) ([]BypassToken, error)
	UpsertBypassTokens(ctx context.Context, tokens []BypassToken) error

	ListAuditEntries(ctx context.Context) ([]AuditEntry, error)
	AppendAuditEntry(ctx context.Context, entry AuditEntry) error

	Ping(ctx context.Context) error
}
