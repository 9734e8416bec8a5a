package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"siteguard/api/internal/epoch"
)

// PostgresStore keeps one JSONB document per entity, keyed by the entity's
// natural key. Bulk upserts run in a single transaction so a sync cycle's
// write-back is applied atomically per kind.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func listDocs[T any](ctx context.Context, db *sql.DB, table string) ([]T, error) {
	rows, err := db.QueryContext(ctx, `SELECT doc FROM `+table+` ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s doc: %w", table, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return items, nil
}

func getDoc[T any](ctx context.Context, db *sql.DB, table, key string) (T, error) {
	var item T
	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT doc FROM `+table+` WHERE key=$1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return item, ErrNotFound
	}
	if err != nil {
		return item, fmt.Errorf("get %s %s: %w", table, key, err)
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("decode %s doc: %w", table, err)
	}
	return item, nil
}

func upsertDocs[T any](ctx context.Context, db *sql.DB, table string, items []T, keyOf func(T) string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert %s: %w", table, err)
	}
	now := epoch.Now()
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode %s doc: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (key, doc, updated_ms)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET doc=EXCLUDED.doc, updated_ms=EXCLUDED.updated_ms
		`, keyOf(item), raw, int64(now)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s: %w", table, err)
	}
	return nil
}

func deleteDocs(ctx context.Context, db *sql.DB, table string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = key
	}
	_, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE key IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) ListTrustRecords(ctx context.Context) ([]TrustRecord, error) {
	return listDocs[TrustRecord](ctx, s.db, KindTrust)
}

func (s *PostgresStore) GetTrustRecord(ctx context.Context, domain string) (TrustRecord, error) {
	return getDoc[TrustRecord](ctx, s.db, KindTrust, domain)
}

func (s *PostgresStore) UpsertTrustRecords(ctx context.Context, records []TrustRecord) error {
	return upsertDocs(ctx, s.db, KindTrust, records, func(r TrustRecord) string { return r.Domain })
}

func (s *PostgresStore) ClearTrustRecords(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+KindTrust); err != nil {
		return fmt.Errorf("clear trust records: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReports(ctx context.Context) ([]Report, error) {
	return listDocs[Report](ctx, s.db, KindReports)
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (Report, error) {
	return getDoc[Report](ctx, s.db, KindReports, id)
}

func (s *PostgresStore) UpsertReports(ctx context.Context, reports []Report) error {
	return upsertDocs(ctx, s.db, KindReports, reports, func(r Report) string { return r.ID })
}

func (s *PostgresStore) DeleteReports(ctx context.Context, ids []string) error {
	return deleteDocs(ctx, s.db, KindReports, ids)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	return listDocs[Account](ctx, s.db, KindAccounts)
}

func (s *PostgresStore) GetAccount(ctx context.Context, email string) (Account, error) {
	return getDoc[Account](ctx, s.db, KindAccounts, email)
}

func (s *PostgresStore) UpsertAccounts(ctx context.Context, accounts []Account) error {
	return upsertDocs(ctx, s.db, KindAccounts, accounts, func(a Account) string { return a.Email })
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, email string) error {
	return deleteDocs(ctx, s.db, KindAccounts, []string{email})
}

func (s *PostgresStore) ListTombstones(ctx context.Context) ([]Tombstone, error) {
	return listDocs[Tombstone](ctx, s.db, KindTombstones)
}

func (s *PostgresStore) GetTombstone(ctx context.Context, email string) (Tombstone, error) {
	return getDoc[Tombstone](ctx, s.db, KindTombstones, email)
}

func (s *PostgresStore) UpsertTombstones(ctx context.Context, tombstones []Tombstone) error {
	return upsertDocs(ctx, s.db, KindTombstones, tombstones, func(t Tombstone) string { return t.Email })
}

func (s *PostgresStore) ListBypassTokens(ctx context.Context) ([]BypassToken, error) {
	return listDocs[BypassToken](ctx, s.db, KindBypass)
}

func (s *PostgresStore) UpsertBypassTokens(ctx context.Context, tokens []BypassToken) error {
	return upsertDocs(ctx, s.db, KindBypass, tokens, func(t BypassToken) string { return t.ID })
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context) ([]AuditEntry, error) {
	return listDocs[AuditEntry](ctx, s.db, KindAudit)
}

func (s *PostgresStore) AppendAuditEntry(ctx context.Context, entry AuditEntry) error {
	return upsertDocs(ctx, s.db, KindAudit, []AuditEntry{entry}, func(e AuditEntry) string { return e.ID })
}
