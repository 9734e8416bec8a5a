package store

import (
	"context"
	"errors"
	"log"

	"siteguard/api/internal/cache"
)

// Replica composes the primary backend, the flat fallback, and the read
// cache into the Store the rest of the system talks to. A primary failure
// degrades to the fallback for that single operation and is logged; it never
// reaches the caller. Every write invalidates the kind's cached snapshot
// before touching a backend.
type Replica struct {
	primary  Store
	fallback Store
	cache    *cache.Cache
}

func NewReplica(primary, fallback Store, readCache *cache.Cache) *Replica {
	return &Replica{primary: primary, fallback: fallback, cache: readCache}
}

func replicaList[T any](ctx context.Context, r *Replica, kind string, op func(Store) ([]T, error)) ([]T, error) {
	var cached []T
	if r.cache.Get(ctx, kind, &cached) {
		return cached, nil
	}
	items, err := op(r.primary)
	if err != nil && r.fallback != nil {
		log.Printf("store degraded: list %s on primary failed, using fallback: %v", kind, err)
		items, err = op(r.fallback)
	}
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, kind, items)
	return items, nil
}

func replicaGet[T any](r *Replica, kind string, op func(Store) (T, error)) (T, error) {
	item, err := op(r.primary)
	if err != nil && !errors.Is(err, ErrNotFound) && r.fallback != nil {
		log.Printf("store degraded: get %s on primary failed, using fallback: %v", kind, err)
		return op(r.fallback)
	}
	return item, err
}

func (r *Replica) write(ctx context.Context, kind string, op func(Store) error) error {
	r.cache.Invalidate(ctx, kind)
	err := op(r.primary)
	if err != nil && r.fallback != nil {
		log.Printf("store degraded: write %s on primary failed, using fallback: %v", kind, err)
		err = op(r.fallback)
	}
	return err
}

func (r *Replica) ListTrustRecords(ctx context.Context) ([]TrustRecord, error) {
	return replicaList(ctx, r, KindTrust, func(s Store) ([]TrustRecord, error) { return s.ListTrustRecords(ctx) })
}

func (r *Replica) GetTrustRecord(ctx context.Context, domain string) (TrustRecord, error) {
	return replicaGet(r, KindTrust, func(s Store) (TrustRecord, error) { return s.GetTrustRecord(ctx, domain) })
}

func (r *Replica) UpsertTrustRecords(ctx context.Context, records []TrustRecord) error {
	return r.write(ctx, KindTrust, func(s Store) error { return s.UpsertTrustRecords(ctx, records) })
}

func (r *Replica) ClearTrustRecords(ctx context.Context) error {
	return r.write(ctx, KindTrust, func(s Store) error { return s.ClearTrustRecords(ctx) })
}

func (r *Replica) ListReports(ctx context.Context) ([]Report, error) {
	return replicaList(ctx, r, KindReports, func(s Store) ([]Report, error) { return s.ListReports(ctx) })
}

func (r *Replica) GetReport(ctx context.Context, id string) (Report, error) {
	return replicaGet(r, KindReports, func(s Store) (Report, error) { return s.GetReport(ctx, id) })
}

func (r *Replica) UpsertReports(ctx context.Context, reports []Report) error {
	return r.write(ctx, KindReports, func(s Store) error { return s.UpsertReports(ctx, reports) })
}

func (r *Replica) DeleteReports(ctx context.Context, ids []string) error {
	return r.write(ctx, KindReports, func(s Store) error { return s.DeleteReports(ctx, ids) })
}

func (r *Replica) ListAccounts(ctx context.Context) ([]Account, error) {
	return replicaList(ctx, r, KindAccounts, func(s Store) ([]Account, error) { return s.ListAccounts(ctx) })
}

func (r *Replica) GetAccount(ctx context.Context, email string) (Account, error) {
	return replicaGet(r, KindAccounts, func(s Store) (Account, error) { return s.GetAccount(ctx, email) })
}

func (r *Replica) UpsertAccounts(ctx context.Context, accounts []Account) error {
	return r.write(ctx, KindAccounts, func(s Store) error { return s.UpsertAccounts(ctx, accounts) })
}

func (r *Replica) DeleteAccount(ctx context.Context, email string) error {
	return r.write(ctx, KindAccounts, func(s Store) error { return s.DeleteAccount(ctx, email) })
}

func (r *Replica) ListTombstones(ctx context.Context) ([]Tombstone, error) {
	return replicaList(ctx, r, KindTombstones, func(s Store) ([]Tombstone, error) { return s.ListTombstones(ctx) })
}

func (r *Replica) GetTombstone(ctx context.Context, email string) (Tombstone, error) {
	return replicaGet(r, KindTombstones, func(s Store) (Tombstone, error) { return s.GetTombstone(ctx, email) })
}

func (r *Replica) UpsertTombstones(ctx context.Context, tombstones []Tombstone) error {
	return r.write(ctx, KindTombstones, func(s Store) error { return s.UpsertTombstones(ctx, tombstones) })
}

func (r *Replica) ListBypassTokens(ctx context.Context) ([]BypassToken, error) {
	return replicaList(ctx, r, KindBypass, func(s Store) ([]BypassToken, error) { return s.ListBypassTokens(ctx) })
}

func (r *Replica) UpsertBypassTokens(ctx context.Context, tokens []BypassToken) error {
	return r.write(ctx, KindBypass, func(s Store) error { return s.UpsertBypassTokens(ctx, tokens) })
}

func (r *Replica) ListAuditEntries(ctx context.Context) ([]AuditEntry, error) {
	return replicaList(ctx, r, KindAudit, func(s Store) ([]AuditEntry, error) { return s.ListAuditEntries(ctx) })
}

func (r *Replica) AppendAuditEntry(ctx context.Context, entry AuditEntry) error {
	return r.write(ctx, KindAudit, func(s Store) error { return s.AppendAuditEntry(ctx, entry) })
}

func (r *Replica) Ping(ctx context.Context) error {
	if err := r.primary.Ping(ctx); err != nil {
		if r.fallback != nil {
			return r.fallback.Ping(ctx)
		}
		return err
	}
	return nil
}
