package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FlatStore is the fallback backend: one JSON file per entity kind under a
// data directory, each holding a key->document map. It must keep working when
// every other backend is unreachable, so it depends on nothing but the
// filesystem. Writes rewrite the whole file through a temp-and-rename.
type FlatStore struct {
	mu  sync.Mutex
	dir string
}

func NewFlatStore(dir string) (*FlatStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FlatStore{dir: dir}, nil
}

func (s *FlatStore) path(kind string) string {
	return filepath.Join(s.dir, kind+".json")
}

func (s *FlatStore) readKind(kind string) (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(s.path(kind))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	docs := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
	}
	return docs, nil
}

func (s *FlatStore) writeKind(kind string, docs map[string]json.RawMessage) error {
	raw, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	tmp := s.path(kind) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	if err := os.Rename(tmp, s.path(kind)); err != nil {
		return fmt.Errorf("replace %s: %w", kind, err)
	}
	return nil
}

func flatList[T any](s *FlatStore, kind string) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.readKind(kind)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	items := make([]T, 0, len(keys))
	for _, key := range keys {
		var item T
		if err := json.Unmarshal(docs[key], &item); err != nil {
			return nil, fmt.Errorf("decode %s doc: %w", kind, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func flatGet[T any](s *FlatStore, kind, key string) (T, error) {
	var item T
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.readKind(kind)
	if err != nil {
		return item, err
	}
	raw, ok := docs[key]
	if !ok {
		return item, ErrNotFound
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("decode %s doc: %w", kind, err)
	}
	return item, nil
}

func flatUpsert[T any](s *FlatStore, kind string, items []T, keyOf func(T) string) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.readKind(kind)
	if err != nil {
		return err
	}
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode %s doc: %w", kind, err)
		}
		docs[keyOf(item)] = raw
	}
	return s.writeKind(kind, docs)
}

func (s *FlatStore) deleteKeys(kind string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, err := s.readKind(kind)
	if err != nil {
		return err
	}
	for _, key := range keys {
		delete(docs, key)
	}
	return s.writeKind(kind, docs)
}

func (s *FlatStore) ListTrustRecords(ctx context.Context) ([]TrustRecord, error) {
	return flatList[TrustRecord](s, KindTrust)
}

func (s *FlatStore) GetTrustRecord(ctx context.Context, domain string) (TrustRecord, error) {
	return flatGet[TrustRecord](s, KindTrust, domain)
}

func (s *FlatStore) UpsertTrustRecords(ctx context.Context, records []TrustRecord) error {
	return flatUpsert(s, KindTrust, records, func(r TrustRecord) string { return r.Domain })
}

func (s *FlatStore) ClearTrustRecords(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeKind(KindTrust, map[string]json.RawMessage{})
}

func (s *FlatStore) ListReports(ctx context.Context) ([]Report, error) {
	return flatList[Report](s, KindReports)
}

func (s *FlatStore) GetReport(ctx context.Context, id string) (Report, error) {
	return flatGet[Report](s, KindReports, id)
}

func (s *FlatStore) UpsertReports(ctx context.Context, reports []Report) error {
	return flatUpsert(s, KindReports, reports, func(r Report) string { return r.ID })
}

func (s *FlatStore) DeleteReports(ctx context.Context, ids []string) error {
	return s.deleteKeys(KindReports, ids)
}

func (s *FlatStore) ListAccounts(ctx context.Context) ([]Account, error) {
	return flatList[Account](s, KindAccounts)
}

func (s *FlatStore) GetAccount(ctx context.Context, email string) (Account, error) {
	return flatGet[Account](s, KindAccounts, email)
}

func (s *FlatStore) UpsertAccounts(ctx context.Context, accounts []Account) error {
	return flatUpsert(s, KindAccounts, accounts, func(a Account) string { return a.Email })
}

func (s *FlatStore) DeleteAccount(ctx context.Context, email string) error {
	return s.deleteKeys(KindAccounts, []string{email})
}

func (s *FlatStore) ListTombstones(ctx context.Context) ([]Tombstone, error) {
	return flatList[Tombstone](s, KindTombstones)
}

func (s *FlatStore) GetTombstone(ctx context.Context, email string) (Tombstone, error) {
	return flatGet[Tombstone](s, KindTombstones, email)
}

func (s *FlatStore) UpsertTombstones(ctx context.Context, tombstones []Tombstone) error {
	return flatUpsert(s, KindTombstones, tombstones, func(t Tombstone) string { return t.Email })
}

func (s *FlatStore) ListBypassTokens(ctx context.Context) ([]BypassToken, error) {
	return flatList[BypassToken](s, KindBypass)
}

func (s *FlatStore) UpsertBypassTokens(ctx context.Context, tokens []BypassToken) error {
	return flatUpsert(s, KindBypass, tokens, func(t BypassToken) string { return t.ID })
}

func (s *FlatStore) ListAuditEntries(ctx context.Context) ([]AuditEntry, error) {
	return flatList[AuditEntry](s, KindAudit)
}

func (s *FlatStore) AppendAuditEntry(ctx context.Context, entry AuditEntry) error {
	return flatUpsert(s, KindAudit, []AuditEntry{entry}, func(e AuditEntry) string { return e.ID })
}

func (s *FlatStore) Ping(ctx context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}
