// Package report owns the abuse-report lifecycle and cross-replica status
// reconciliation.
package report

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"siteguard/api/internal/epoch"
	"siteguard/api/internal/store"
)

const (
	StatusPending = "pending"
	StatusBanned  = "banned"
	StatusIgnored = "ignored"
)

var (
	ErrBadURL        = errors.New("report url is required")
	ErrBadStatus     = errors.New("status must be pending, banned or ignored")
	ErrBadTransition = errors.New("status transition not allowed")
	ErrNotFound      = errors.New("report not found")
)

// allowedTransitions is the three-state machine: pending can go either way,
// banned and ignored can only be re-opened. No direct banned<->ignored hop.
var allowedTransitions = map[string]map[string]bool{
	StatusPending: {StatusBanned: true, StatusIgnored: true},
	StatusBanned:  {StatusPending: true},
	StatusIgnored: {StatusPending: true},
}

// Store is the slice of the replica store the registry needs.
type Store interface {
	ListReports(ctx context.Context) ([]store.Report, error)
	GetReport(ctx context.Context, id string) (store.Report, error)
	UpsertReports(ctx context.Context, reports []store.Report) error
	DeleteReports(ctx context.Context, ids []string) error
}

// NameResolver maps a reporter email to a known display name, when one
// exists. The progress ledger provides this in production.
type NameResolver interface {
	DisplayName(ctx context.Context, email string) (string, bool)
}

type Registry struct {
	store    Store
	names    NameResolver
	onChange func()
}

func NewRegistry(s Store, names NameResolver) *Registry {
	return &Registry{store: s, names: names}
}

// OnChange registers a hook fired after every mutation with enforcement
// consequences. The blocklist compiler hangs off this.
func (r *Registry) OnChange(fn func()) {
	r.onChange = fn
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Submit stores a new report in pending state. The id is the idempotency key:
// resubmitting an existing id returns the stored record unchanged. When the
// reporter's email maps to a known display name, the stored report carries
// that name.
func (r *Registry) Submit(ctx context.Context, incoming store.Report) (store.Report, error) {
	if strings.TrimSpace(incoming.URL) == "" {
		return store.Report{}, ErrBadURL
	}
	if incoming.ID == "" {
		incoming.ID = uuid.NewString()
	}

	existing, err := r.store.GetReport(ctx, incoming.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Report{}, err
	}

	if incoming.Hostname == "" {
		incoming.Hostname = HostnameOf(incoming.URL)
	}
	// Every submission is born pending; banned and ignored are reachable only
	// through UpdateStatus or peer reconciliation, never from a client body.
	incoming.Status = StatusPending
	incoming.BannedAt = 0
	incoming.IgnoredAt = 0
	now := epoch.Now()
	if incoming.Timestamp == 0 {
		incoming.Timestamp = now
	}
	incoming.LastUpdated = now

	if r.names != nil && incoming.ReporterEmail != "" {
		if name, ok := r.names.DisplayName(ctx, incoming.ReporterEmail); ok {
			incoming.ReporterName = name
		}
	}

	if err := r.store.UpsertReports(ctx, []store.Report{incoming}); err != nil {
		return store.Report{}, err
	}
	r.changed()
	return incoming, nil
}

// UpdateStatus applies one state-machine transition and stamps the matching
// *At timestamp. Enforcement recompiles immediately via the change hook.
func (r *Registry) UpdateStatus(ctx context.Context, id, newStatus string) (store.Report, error) {
	if _, ok := allowedTransitions[newStatus]; !ok {
		return store.Report{}, ErrBadStatus
	}
	existing, err := r.store.GetReport(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Report{}, ErrNotFound
	}
	if err != nil {
		return store.Report{}, err
	}
	if existing.Status == newStatus {
		return existing, nil
	}
	if !allowedTransitions[existing.Status][newStatus] {
		return store.Report{}, ErrBadTransition
	}

	now := epoch.Now()
	existing.Status = newStatus
	existing.LastUpdated = now
	switch newStatus {
	case StatusBanned:
		existing.BannedAt = now
	case StatusIgnored:
		existing.IgnoredAt = now
	}

	if err := r.store.UpsertReports(ctx, []store.Report{existing}); err != nil {
		return store.Report{}, err
	}
	r.changed()
	return existing, nil
}

// List returns all reports, optionally filtered by reporter email.
func (r *Registry) List(ctx context.Context, reporter string) ([]store.Report, error) {
	reports, err := r.store.ListReports(ctx)
	if err != nil {
		return nil, err
	}
	if reporter == "" {
		return reports, nil
	}
	filtered := make([]store.Report, 0, len(reports))
	for _, report := range reports {
		if strings.EqualFold(report.ReporterEmail, reporter) {
			filtered = append(filtered, report)
		}
	}
	return filtered, nil
}

// Reconcile merges a remote report set into the local one. For ids present on
// both sides the later lastUpdated wins; a remote-only banned report is
// imported (unknown-but-banned is never dropped); local-only reports are left
// for the next push cycle. Returns the records that changed locally.
func Reconcile(local, remote []store.Report) []store.Report {
	byID := make(map[string]store.Report, len(local))
	for _, report := range local {
		byID[report.ID] = report
	}
	changed := make([]store.Report, 0)
	for _, remoteReport := range remote {
		localReport, ok := byID[remoteReport.ID]
		if !ok {
			if remoteReport.Status == StatusBanned {
				changed = append(changed, remoteReport)
			}
			continue
		}
		if remoteReport.Status != localReport.Status && remoteReport.LastUpdated.After(localReport.LastUpdated) {
			changed = append(changed, remoteReport)
		}
	}
	return changed
}

// ApplyRemote reconciles and persists, reporting whether anything changed.
func (r *Registry) ApplyRemote(ctx context.Context, remote []store.Report) (int, error) {
	local, err := r.store.ListReports(ctx)
	if err != nil {
		return 0, err
	}
	changed := Reconcile(local, remote)
	if len(changed) == 0 {
		return 0, nil
	}
	if err := r.store.UpsertReports(ctx, changed); err != nil {
		return 0, err
	}
	r.changed()
	return len(changed), nil
}

// Cleanup deletes every report not in banned state and returns how many were
// removed. Mirrored at the peer tier by the caller.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	reports, err := r.store.ListReports(ctx)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0)
	for _, report := range reports {
		if report.Status != StatusBanned {
			ids = append(ids, report.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.store.DeleteReports(ctx, ids); err != nil {
		return 0, err
	}
	r.changed()
	return len(ids), nil
}

// HostnameOf resolves a stable match key for a url: the lowercased host with
// any port and leading www stripped. Bare hosts without a scheme still parse.
func HostnameOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Hostname() == "" {
		return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(rawURL), "www."))
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}
