package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"siteguard/api/internal/auth"
	"siteguard/api/internal/blocklist"
	"siteguard/api/internal/config"
	"siteguard/api/internal/epoch"
	"siteguard/api/internal/progress"
	"siteguard/api/internal/report"
	"siteguard/api/internal/store"
	"siteguard/api/internal/trust"
)

// Service glues the ledgers, the compiler and the replica store behind the
// HTTP surface. Handlers never reach past it.
type Service struct {
	cfg      config.Config
	store    store.Store
	trust    *trust.Ledger
	reports  *report.Registry
	progress *progress.Ledger
	compiler *blocklist.Compiler
}

func New(cfg config.Config, dataStore store.Store) *Service {
	progressLedger := progress.NewLedger(dataStore)
	registry := report.NewRegistry(dataStore, progressLedger)
	compiler := blocklist.NewCompiler(dataStore, dataStore, cfg.BypassWindow)

	// Status changes have enforcement consequences; recompile right away.
	registry.OnChange(func() {
		if err := compiler.Recompile(context.Background()); err != nil {
			log.Printf("blocklist recompile failed: %v", err)
		}
	})

	return &Service{
		cfg:      cfg,
		store:    dataStore,
		trust:    trust.NewLedger(dataStore),
		reports:  registry,
		progress: progressLedger,
		compiler: compiler,
	}
}

// Bootstrap compiles the initial blocklist from whatever state survived the
// last run.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.compiler.Recompile(ctx)
}

func (s *Service) Registry() *report.Registry {
	return s.reports
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// --- Admin auth ---

func (s *Service) AdminLogin(ctx context.Context, email, password string) (string, error) {
	if s.cfg.AdminEmail == "" || s.cfg.AdminPasswordHash == "" {
		return "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Admin sign-in not configured", nil)
	}
	if !strings.EqualFold(strings.TrimSpace(email), s.cfg.AdminEmail) {
		return "", domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err := auth.CheckPassword(s.cfg.AdminPasswordHash, password); err != nil {
		return "", domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return auth.IssueAdminToken([]byte(s.cfg.JWTSecret), s.cfg.AdminEmail, s.cfg.AccessTTL)
}

func (s *Service) SessionFromToken(token string) (auth.Claims, error) {
	return auth.ParseAdminToken([]byte(s.cfg.JWTSecret), token)
}

func (s *Service) audit(ctx context.Context, actor, action, subject string) {
	entry := store.AuditEntry{
		ID:      uuid.NewString(),
		Actor:   actor,
		Action:  action,
		Subject: subject,
		At:      epoch.Now(),
	}
	if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
		log.Printf("audit append failed (%s %s): %v", action, subject, err)
	}
}

func (s *Service) ListAudit(ctx context.Context) ([]store.AuditEntry, error) {
	return s.store.ListAuditEntries(ctx)
}

// --- Trust ---

func (s *Service) TrustScore(ctx context.Context, domain string) (trust.Score, error) {
	score, err := s.trust.GetScore(ctx, domain)
	if errors.Is(err, trust.ErrBadDomain) {
		return trust.Score{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "domain is required", nil)
	}
	return score, err
}

// CastVote records a vote. Anonymous voters are tracked under a pseudo
// identity derived from the request origin so merges stay auditable.
func (s *Service) CastVote(ctx context.Context, domain, vote, voterID, origin string) (string, error) {
	if voterID == "" {
		voterID = trust.AnonVoter(origin)
	}
	message, err := s.trust.Vote(ctx, domain, vote, voterID)
	if errors.Is(err, trust.ErrBadDomain) || errors.Is(err, trust.ErrBadVote) {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}
	return message, err
}

func (s *Service) ListTrustRecords(ctx context.Context) ([]store.TrustRecord, error) {
	return s.trust.ListAll(ctx)
}

func (s *Service) SeedTrustRecord(ctx context.Context, record store.TrustRecord) (store.TrustRecord, error) {
	merged, err := s.trust.Seed(ctx, record)
	if errors.Is(err, trust.ErrBadDomain) {
		return store.TrustRecord{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "domain is required", nil)
	}
	return merged, err
}

func (s *Service) ClearTrustRecords(ctx context.Context, actor string) error {
	if err := s.trust.Clear(ctx); err != nil {
		return err
	}
	s.audit(ctx, actor, "trust.clear", "*")
	return nil
}

// --- Reports ---

func (s *Service) ListReports(ctx context.Context, reporter string) ([]store.Report, error) {
	return s.reports.List(ctx, reporter)
}

func (s *Service) SubmitReport(ctx context.Context, incoming store.Report) (store.Report, error) {
	submitted, err := s.reports.Submit(ctx, incoming)
	if errors.Is(err, report.ErrBadURL) {
		return store.Report{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "url is required", nil)
	}
	return submitted, err
}

func (s *Service) UpdateReportStatus(ctx context.Context, actor, id, status string) (store.Report, error) {
	updated, err := s.reports.UpdateStatus(ctx, id, status)
	switch {
	case errors.Is(err, report.ErrBadStatus):
		return store.Report{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be pending, banned or ignored", nil)
	case errors.Is(err, report.ErrBadTransition):
		return store.Report{}, domainError(http.StatusConflict, "INVALID_TRANSITION", "status transition not allowed", nil)
	case errors.Is(err, report.ErrNotFound):
		return store.Report{}, domainError(http.StatusNotFound, "NOT_FOUND", "report not found", nil)
	case err != nil:
		return store.Report{}, err
	}
	s.audit(ctx, actor, "report.status."+status, id)
	return updated, nil
}

func (s *Service) CleanupReports(ctx context.Context, actor string) (int, error) {
	count, err := s.reports.Cleanup(ctx)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, actor, "report.cleanup", "*")
	return count, nil
}

// --- Progression ---

func (s *Service) SyncProgress(ctx context.Context, delta progress.Delta) (store.Account, bool, error) {
	account, accepted, err := s.progress.Sync(ctx, delta)
	switch {
	case errors.Is(err, progress.ErrBadEmail):
		return store.Account{}, false, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
	case errors.Is(err, progress.ErrAccountViolation):
		return store.Account{}, false, domainError(http.StatusNotFound, "ACCOUNT_VIOLATION", "account violation", nil)
	case err != nil:
		return store.Account{}, false, err
	}
	if accepted && delta.ForceUpdate {
		s.audit(ctx, "admin", "account.force_update", progress.NormalizeEmail(delta.Email))
	}
	return account, accepted, nil
}

func (s *Service) CreateAccount(ctx context.Context, account store.Account) (store.Account, error) {
	created, err := s.progress.Create(ctx, account)
	switch {
	case errors.Is(err, progress.ErrBadEmail):
		return store.Account{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
	case errors.Is(err, progress.ErrExists):
		return store.Account{}, domainError(http.StatusBadRequest, "ACCOUNT_EXISTS", "account already exists", nil)
	}
	return created, err
}

func (s *Service) DeleteAccount(ctx context.Context, actor, email string) error {
	err := s.progress.Delete(ctx, email)
	switch {
	case errors.Is(err, progress.ErrBadEmail):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "account not found", nil)
	case err != nil:
		return err
	}
	s.audit(ctx, actor, "account.delete", progress.NormalizeEmail(email))
	return nil
}

// --- Blocklist / bypass ---

func (s *Service) BlocklistRules() []blocklist.Rule {
	return s.compiler.Rules()
}

func (s *Service) CreateBypass(ctx context.Context, rawURL string) (store.BypassToken, error) {
	token, err := s.compiler.CreateBypass(ctx, rawURL)
	if errors.Is(err, blocklist.ErrBadURL) {
		return store.BypassToken{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "url is required", nil)
	}
	return token, err
}

func (s *Service) ConsumeBypass(ctx context.Context, rawURL string) (bool, error) {
	consumed, err := s.compiler.Consume(ctx, rawURL)
	if errors.Is(err, blocklist.ErrBadURL) {
		return false, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "url is required", nil)
	}
	return consumed, err
}

// --- Peer sync snapshots ---

func (s *Service) TrustSnapshot(ctx context.Context) ([]store.TrustRecord, error) {
	return s.store.ListTrustRecords(ctx)
}

// MergeTrustSnapshot folds a peer snapshot into the local store with
// merge-if-richer semantics; a poorer snapshot can only add, never erase.
func (s *Service) MergeTrustSnapshot(ctx context.Context, remote []store.TrustRecord) error {
	local, err := s.store.ListTrustRecords(ctx)
	if err != nil {
		return err
	}
	merged := trust.MergeAll(local, remote)
	return s.store.UpsertTrustRecords(ctx, merged)
}

func (s *Service) ReportSnapshot(ctx context.Context) ([]store.Report, error) {
	return s.store.ListReports(ctx)
}

func (s *Service) MergeReportSnapshot(ctx context.Context, remote []store.Report) (int, error) {
	return s.reports.ApplyRemote(ctx, remote)
}

func (s *Service) AccountSnapshot(ctx context.Context) ([]store.Account, error) {
	return s.store.ListAccounts(ctx)
}

func (s *Service) MergeAccountSnapshot(ctx context.Context, remote []store.Account) (int, error) {
	local, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	tombstones, err := s.store.ListTombstones(ctx)
	if err != nil {
		return 0, err
	}
	changed := progress.MergeAccounts(local, remote, tombstones)
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.store.UpsertAccounts(ctx, changed); err != nil {
		return 0, err
	}
	return len(changed), nil
}

func (s *Service) TombstoneSnapshot(ctx context.Context) ([]store.Tombstone, error) {
	return s.store.ListTombstones(ctx)
}

// MergeTombstoneSnapshot folds peer tombstones in with later-event-wins
// semantics; a stale deletion cannot undo a local re-registration.
func (s *Service) MergeTombstoneSnapshot(ctx context.Context, remote []store.Tombstone) error {
	if len(remote) == 0 {
		return nil
	}
	local, err := s.store.ListTombstones(ctx)
	if err != nil {
		return err
	}
	changed := progress.MergeTombstones(local, remote)
	if len(changed) == 0 {
		return nil
	}
	if err := s.store.UpsertTombstones(ctx, changed); err != nil {
		return err
	}
	// Apply authoritative deletions immediately.
	for _, tomb := range changed {
		if tomb.DeletedAt == 0 {
			continue
		}
		account, err := s.store.GetAccount(ctx, tomb.Email)
		if err != nil {
			continue
		}
		if tomb.DeletedAt.After(account.LastUpdated) {
			if err := s.store.DeleteAccount(ctx, account.Email); err != nil {
				log.Printf("tombstone delete %s failed: %v", account.Email, err)
			}
		}
	}
	return nil
}
