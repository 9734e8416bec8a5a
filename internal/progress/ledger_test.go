package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteguard/api/internal/store"
)

type memProgressStore struct {
	accounts   map[string]store.Account
	tombstones map[string]store.Tombstone
}

func newMemProgressStore() *memProgressStore {
	return &memProgressStore{
		accounts:   map[string]store.Account{},
		tombstones: map[string]store.Tombstone{},
	}
}

func (m *memProgressStore) ListAccounts(_ context.Context) ([]store.Account, error) {
	out := make([]store.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *memProgressStore) GetAccount(_ context.Context, email string) (store.Account, error) {
	a, ok := m.accounts[email]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memProgressStore) UpsertAccounts(_ context.Context, accounts []store.Account) error {
	for _, a := range accounts {
		m.accounts[a.Email] = a
	}
	return nil
}

func (m *memProgressStore) DeleteAccount(_ context.Context, email string) error {
	delete(m.accounts, email)
	return nil
}

func (m *memProgressStore) ListTombstones(_ context.Context) ([]store.Tombstone, error) {
	out := make([]store.Tombstone, 0, len(m.tombstones))
	for _, tomb := range m.tombstones {
		out = append(out, tomb)
	}
	return out, nil
}

func (m *memProgressStore) GetTombstone(_ context.Context, email string) (store.Tombstone, error) {
	tomb, ok := m.tombstones[email]
	if !ok {
		return store.Tombstone{}, store.ErrNotFound
	}
	return tomb, nil
}

func (m *memProgressStore) UpsertTombstones(_ context.Context, tombstones []store.Tombstone) error {
	for _, tomb := range tombstones {
		m.tombstones[tomb.Email] = tomb
	}
	return nil
}

func TestLevelCurve(t *testing.T) {
	assert.Equal(t, 1, Level(0))
	assert.Equal(t, 1, Level(99))
	assert.Equal(t, 2, Level(100))
	assert.Equal(t, 2, Level(399))
	assert.Equal(t, 3, Level(400))
	assert.Equal(t, 1, Level(-50))
}

func TestSyncRejectsUnknownAccount(t *testing.T) {
	ledger := NewLedger(newMemProgressStore())
	_, _, err := ledger.Sync(context.Background(), Delta{Email: "ghost@example.com", XP: 100, LastUpdated: 10})
	assert.ErrorIs(t, err, ErrAccountViolation)
}

func TestSyncOrdinaryProgression(t *testing.T) {
	ctx := context.Background()
	mem := newMemProgressStore()
	ledger := NewLedger(mem)

	_, err := ledger.Create(ctx, store.Account{Email: "kim@example.com", XP: 100, LastUpdated: 100})
	require.NoError(t, err)

	// Higher xp, strictly newer: accepted.
	account, accepted, err := ledger.Sync(ctx, Delta{Email: "Kim@Example.com", XP: 250, LastUpdated: 200})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 250, account.XP)
	assert.Equal(t, 2, account.Level)

	// Stale replay: rejected, authoritative record returned.
	account, accepted, err = ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 150, LastUpdated: 150})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 250, account.XP)

	// Newer but lower xp without penalty: rejected too.
	_, accepted, err = ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 200, LastUpdated: 500})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSyncForceUpdateOverridesEverything(t *testing.T) {
	ctx := context.Background()
	mem := newMemProgressStore()
	ledger := NewLedger(mem)

	_, err := ledger.Create(ctx, store.Account{Email: "kim@example.com", XP: 100, LastUpdated: 1000})
	require.NoError(t, err)

	// Lower xp, older stamp, still accepted under forceUpdate.
	account, accepted, err := ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 50, LastUpdated: 1, ForceUpdate: true})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 50, account.XP)
	assert.True(t, account.AdminEdit)
	assert.Equal(t, 50, account.AdminEditXP)

	// Genuine progression past the override clears its provenance.
	account, accepted, err = ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 500, LastUpdated: account.LastUpdated + 1})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.False(t, account.AdminEdit)
	assert.Zero(t, account.AdminEditXP)
}

func TestSyncPenaltyMayLowerXP(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemProgressStore())

	_, err := ledger.Create(ctx, store.Account{Email: "kim@example.com", XP: 300, LastUpdated: 100})
	require.NoError(t, err)

	account, accepted, err := ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 200, LastUpdated: 100, IsPenalty: true})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 200, account.XP)

	// A penalty older than the stored record is still rejected.
	_, accepted, err = ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 100, LastUpdated: 50, IsPenalty: true})
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestCreateRejectsDuplicatesAndClearsTombstone(t *testing.T) {
	ctx := context.Background()
	mem := newMemProgressStore()
	ledger := NewLedger(mem)

	_, err := ledger.Create(ctx, store.Account{Email: "kim@example.com"})
	require.NoError(t, err)
	_, err = ledger.Create(ctx, store.Account{Email: "KIM@example.com"})
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, ledger.Delete(ctx, "kim@example.com"))
	tomb, err := mem.GetTombstone(ctx, "kim@example.com")
	require.NoError(t, err)
	assert.NotZero(t, tomb.DeletedAt)

	// Deleted account cannot be progressed.
	_, _, err = ledger.Sync(ctx, Delta{Email: "kim@example.com", XP: 10, LastUpdated: 10})
	assert.ErrorIs(t, err, ErrAccountViolation)

	// Explicit re-registration clears the tombstone.
	_, err = ledger.Create(ctx, store.Account{Email: "kim@example.com", XP: 10})
	require.NoError(t, err)
	tomb, err = mem.GetTombstone(ctx, "kim@example.com")
	require.NoError(t, err)
	assert.Zero(t, tomb.DeletedAt)
}

func TestMergeAccounts(t *testing.T) {
	local := []store.Account{
		{Email: "a@example.com", XP: 100, LastUpdated: 100},
		{Email: "b@example.com", XP: 500, LastUpdated: 500},
	}
	remote := []store.Account{
		{Email: "a@example.com", XP: 400, LastUpdated: 200}, // newer, wins
		{Email: "b@example.com", XP: 100, LastUpdated: 100}, // older, loses
		{Email: "c@example.com", XP: 250, LastUpdated: 50},  // remote-only, imported
		{Email: "dead@example.com", XP: 999, LastUpdated: 999},
	}
	tombstones := []store.Tombstone{{Email: "dead@example.com", DeletedAt: 10}}

	changed := MergeAccounts(local, remote, tombstones)
	require.Len(t, changed, 2)

	byEmail := map[string]store.Account{}
	for _, a := range changed {
		byEmail[a.Email] = a
	}
	assert.Equal(t, 400, byEmail["a@example.com"].XP)
	assert.Equal(t, 3, byEmail["a@example.com"].Level)
	assert.Equal(t, 250, byEmail["c@example.com"].XP)
	assert.NotContains(t, byEmail, "dead@example.com")
}

func TestMergeTombstonesLaterEventWins(t *testing.T) {
	local := []store.Tombstone{
		// Re-registered locally after the peer's deletion.
		{Email: "kim@example.com", DeletedAt: 0, UpdatedAt: 200},
		{Email: "old@example.com", DeletedAt: 100, UpdatedAt: 100},
	}
	remote := []store.Tombstone{
		{Email: "kim@example.com", DeletedAt: 100, UpdatedAt: 100},
		{Email: "old@example.com", DeletedAt: 0, UpdatedAt: 300},
		{Email: "new@example.com", DeletedAt: 50, UpdatedAt: 50},
	}

	changed := MergeTombstones(local, remote)
	require.Len(t, changed, 2)

	byEmail := map[string]store.Tombstone{}
	for _, tomb := range changed {
		byEmail[tomb.Email] = tomb
	}
	// The stale remote deletion of kim must not come back.
	assert.NotContains(t, byEmail, "kim@example.com")
	// The newer remote re-registration of old is taken.
	assert.Zero(t, byEmail["old@example.com"].DeletedAt)
	// Remote-only tombstones are imported.
	assert.Contains(t, byEmail, "new@example.com")
}

func TestMergeTombstonesLegacyRecordsUseDeletionTime(t *testing.T) {
	// Records written before the event stamp existed carry only DeletedAt.
	local := []store.Tombstone{{Email: "kim@example.com", DeletedAt: 0, UpdatedAt: 200}}
	remote := []store.Tombstone{{Email: "kim@example.com", DeletedAt: 100}}
	assert.Empty(t, MergeTombstones(local, remote))

	remote = []store.Tombstone{{Email: "kim@example.com", DeletedAt: 300}}
	assert.Len(t, MergeTombstones(local, remote), 1)
}

func TestReRegistrationSurvivesStalePeerTombstone(t *testing.T) {
	ctx := context.Background()
	mem := newMemProgressStore()
	ledger := NewLedger(mem)

	_, err := ledger.Create(ctx, store.Account{Email: "kim@example.com", XP: 100})
	require.NoError(t, err)
	require.NoError(t, ledger.Delete(ctx, "kim@example.com"))

	// The peer observed the deletion and still holds that tombstone.
	stale, err := mem.GetTombstone(ctx, "kim@example.com")
	require.NoError(t, err)
	require.NotZero(t, stale.DeletedAt)

	_, err = ledger.Create(ctx, store.Account{Email: "kim@example.com", XP: 10, LastUpdated: 500})
	require.NoError(t, err)

	// One sync cycle against the stale peer must not restore the deletion.
	localTombs, err := mem.ListTombstones(ctx)
	require.NoError(t, err)
	assert.Empty(t, MergeTombstones(localTombs, []store.Tombstone{stale}))

	// And the re-registered account still reconciles between tiers.
	remote := []store.Account{{Email: "kim@example.com", XP: 10, LastUpdated: 500}}
	changed := MergeAccounts(nil, remote, localTombs)
	require.Len(t, changed, 1)
	assert.Equal(t, "kim@example.com", changed[0].Email)
}

func TestDisplayName(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemProgressStore())

	_, err := ledger.Create(ctx, store.Account{Email: "kim@example.com", Name: "Kim"})
	require.NoError(t, err)

	name, ok := ledger.DisplayName(ctx, "KIM@example.com")
	assert.True(t, ok)
	assert.Equal(t, "Kim", name)

	_, ok = ledger.DisplayName(ctx, "ghost@example.com")
	assert.False(t, ok)
}
