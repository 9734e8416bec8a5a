package report

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteguard/api/internal/store"
)

type memReportStore struct {
	reports map[string]store.Report
}

func newMemReportStore() *memReportStore {
	return &memReportStore{reports: map[string]store.Report{}}
}

func (m *memReportStore) ListReports(_ context.Context) ([]store.Report, error) {
	out := make([]store.Report, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r)
	}
	return out, nil
}

func (m *memReportStore) GetReport(_ context.Context, id string) (store.Report, error) {
	r, ok := m.reports[id]
	if !ok {
		return store.Report{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memReportStore) UpsertReports(_ context.Context, reports []store.Report) error {
	for _, r := range reports {
		m.reports[r.ID] = r
	}
	return nil
}

func (m *memReportStore) DeleteReports(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.reports, id)
	}
	return nil
}

type staticNames map[string]string

func (n staticNames) DisplayName(_ context.Context, email string) (string, bool) {
	name, ok := n[email]
	return name, ok
}

func TestSubmitDefaultsAndIdempotency(t *testing.T) {
	ctx := context.Background()
	mem := newMemReportStore()
	registry := NewRegistry(mem, staticNames{"avery@example.com": "Avery"})

	first, err := registry.Submit(ctx, store.Report{
		ID:            "r-1",
		URL:           "https://www.Scam.Example:443/login",
		ReporterEmail: "avery@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, "scam.example", first.Hostname)
	assert.Equal(t, "Avery", first.ReporterName)
	assert.NotZero(t, first.Timestamp)

	// Same id again returns the stored record untouched.
	again, err := registry.Submit(ctx, store.Report{ID: "r-1", URL: "https://elsewhere.example"})
	require.NoError(t, err)
	assert.Equal(t, first.URL, again.URL)
	assert.Len(t, mem.reports, 1)
}

func TestSubmitGeneratesID(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(newMemReportStore(), nil)

	submitted, err := registry.Submit(ctx, store.Report{URL: "https://scam.example"})
	require.NoError(t, err)
	assert.NotEmpty(t, submitted.ID)
}

func TestSubmitForcesPendingStatus(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(newMemReportStore(), nil)

	// A client-supplied status never survives submission; bans come only from
	// the admin state machine or reconciliation.
	submitted, err := registry.Submit(ctx, store.Report{
		ID:       "r-1",
		URL:      "https://victim.example",
		Status:   StatusBanned,
		BannedAt: 999,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, submitted.Status)
	assert.Zero(t, submitted.BannedAt)

	submitted, err = registry.Submit(ctx, store.Report{
		ID:     "r-2",
		URL:    "https://victim.example",
		Status: "vaporized",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, submitted.Status)
}

func TestSubmitRequiresURL(t *testing.T) {
	registry := NewRegistry(newMemReportStore(), nil)
	_, err := registry.Submit(context.Background(), store.Report{ID: "r-1"})
	assert.ErrorIs(t, err, ErrBadURL)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(newMemReportStore(), nil)

	submitted, err := registry.Submit(ctx, store.Report{ID: "r-1", URL: "https://scam.example"})
	require.NoError(t, err)

	banned, err := registry.UpdateStatus(ctx, submitted.ID, StatusBanned)
	require.NoError(t, err)
	assert.Equal(t, StatusBanned, banned.Status)
	assert.NotZero(t, banned.BannedAt)

	// banned -> ignored is not a legal hop.
	_, err = registry.UpdateStatus(ctx, submitted.ID, StatusIgnored)
	assert.ErrorIs(t, err, ErrBadTransition)

	// Re-open, then ignore.
	reopened, err := registry.UpdateStatus(ctx, submitted.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reopened.Status)

	ignored, err := registry.UpdateStatus(ctx, submitted.ID, StatusIgnored)
	require.NoError(t, err)
	assert.NotZero(t, ignored.IgnoredAt)

	_, err = registry.UpdateStatus(ctx, "missing", StatusBanned)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = registry.UpdateStatus(ctx, submitted.ID, "vaporized")
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestStatusChangeFiresHook(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(newMemReportStore(), nil)
	fired := 0
	registry.OnChange(func() { fired++ })

	_, err := registry.Submit(ctx, store.Report{ID: "r-1", URL: "https://scam.example"})
	require.NoError(t, err)
	_, err = registry.UpdateStatus(ctx, "r-1", StatusBanned)
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
}

func TestReconcileLaterWriteWins(t *testing.T) {
	local := []store.Report{
		{ID: "r-1", URL: "https://a.example", Status: StatusPending, LastUpdated: 100},
		{ID: "r-2", URL: "https://b.example", Status: StatusBanned, LastUpdated: 300},
	}
	remote := []store.Report{
		{ID: "r-1", URL: "https://a.example", Status: StatusBanned, LastUpdated: 200},
		{ID: "r-2", URL: "https://b.example", Status: StatusPending, LastUpdated: 200},
	}

	changed := Reconcile(local, remote)
	require.Len(t, changed, 1)
	assert.Equal(t, "r-1", changed[0].ID)
	assert.Equal(t, StatusBanned, changed[0].Status)
}

func TestReconcileImportsRemoteOnlyBans(t *testing.T) {
	remote := []store.Report{
		{ID: "r-1", URL: "https://a.example", Status: StatusBanned, LastUpdated: 100},
		{ID: "r-2", URL: "https://b.example", Status: StatusPending, LastUpdated: 100},
	}

	changed := Reconcile(nil, remote)
	require.Len(t, changed, 1)
	assert.Equal(t, "r-1", changed[0].ID)
}

func TestCleanupPreservesBans(t *testing.T) {
	ctx := context.Background()
	mem := newMemReportStore()
	registry := NewRegistry(mem, nil)

	for _, r := range []store.Report{
		{ID: "r-1", URL: "https://a.example", Status: StatusPending, LastUpdated: 1},
		{ID: "r-2", URL: "https://b.example", Status: StatusBanned, LastUpdated: 1},
		{ID: "r-3", URL: "https://c.example", Status: StatusIgnored, LastUpdated: 1},
	} {
		require.NoError(t, mem.UpsertReports(ctx, []store.Report{r}))
	}

	deleted, err := registry.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := registry.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "r-2", remaining[0].ID)
}

func TestListFiltersByReporter(t *testing.T) {
	ctx := context.Background()
	mem := newMemReportStore()
	registry := NewRegistry(mem, nil)

	require.NoError(t, mem.UpsertReports(ctx, []store.Report{
		{ID: "r-1", URL: "https://a.example", Status: StatusPending, ReporterEmail: "avery@example.com"},
		{ID: "r-2", URL: "https://b.example", Status: StatusPending, ReporterEmail: "kim@example.com"},
	}))

	mine, err := registry.List(ctx, "AVERY@example.com")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "r-1", mine[0].ID)
}

func TestHostnameOf(t *testing.T) {
	cases := map[string]string{
		"https://www.Scam.Example/login": "scam.example",
		"scam.example":                   "scam.example",
		"http://scam.example:8080/x":     "scam.example",
		"www.scam.example":               "scam.example",
	}
	for raw, want := range cases {
		assert.Equal(t, want, HostnameOf(raw), raw)
	}
}
