package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteguard/api/internal/epoch"
	"siteguard/api/internal/store"
)

type memTrustStore struct {
	records map[string]store.TrustRecord
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{records: map[string]store.TrustRecord{}}
}

func (m *memTrustStore) ListTrustRecords(_ context.Context) ([]store.TrustRecord, error) {
	out := make([]store.TrustRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memTrustStore) GetTrustRecord(_ context.Context, domain string) (store.TrustRecord, error) {
	r, ok := m.records[domain]
	if !ok {
		return store.TrustRecord{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memTrustStore) UpsertTrustRecords(_ context.Context, records []store.TrustRecord) error {
	for _, r := range records {
		m.records[r.Domain] = r
	}
	return nil
}

func (m *memTrustStore) ClearTrustRecords(_ context.Context) error {
	m.records = map[string]store.TrustRecord{}
	return nil
}

func TestVoteRecordedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemTrustStore())

	msg, err := ledger.Vote(ctx, "Example.COM ", VoteSafe, "voter-1")
	require.NoError(t, err)
	assert.Equal(t, "vote recorded", msg)

	// Same voter, same choice: nothing moves.
	msg, err = ledger.Vote(ctx, "example.com", VoteSafe, "voter-1")
	require.NoError(t, err)
	assert.Equal(t, "already voted", msg)

	score, err := ledger.GetScore(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, score.Votes)
	assert.Equal(t, 1, score.Safe)
	assert.Equal(t, 0, score.Unsafe)
}

func TestVoteSwitchMovesExactlyOneVote(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemTrustStore())

	_, err := ledger.Vote(ctx, "example.com", VoteSafe, "voter-1")
	require.NoError(t, err)
	msg, err := ledger.Vote(ctx, "example.com", VoteUnsafe, "voter-1")
	require.NoError(t, err)
	assert.Equal(t, "vote changed", msg)

	score, err := ledger.GetScore(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, score.Votes)
	assert.Equal(t, 0, score.Safe)
	assert.Equal(t, 1, score.Unsafe)
}

func TestVoteValidation(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemTrustStore())

	_, err := ledger.Vote(ctx, "  ", VoteSafe, "voter-1")
	assert.ErrorIs(t, err, ErrBadDomain)

	_, err = ledger.Vote(ctx, "example.com", "maybe", "voter-1")
	assert.ErrorIs(t, err, ErrBadVote)
}

func TestScoreThresholds(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(newMemTrustStore())

	score, err := ledger.GetScore(ctx, "never-seen.example")
	require.NoError(t, err)
	assert.Nil(t, score.Score)
	assert.Equal(t, "unknown", score.Status)

	// 8 safe, 2 unsafe -> 80, safe.
	for i := 0; i < 8; i++ {
		_, err := ledger.Vote(ctx, "good.example", VoteSafe, AnonVoter(string(rune('a'+i))))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := ledger.Vote(ctx, "good.example", VoteUnsafe, AnonVoter(string(rune('x'+i))))
		require.NoError(t, err)
	}
	score, err = ledger.GetScore(ctx, "good.example")
	require.NoError(t, err)
	require.NotNil(t, score.Score)
	assert.Equal(t, 80, *score.Score)
	assert.Equal(t, "safe", score.Status)

	// 1 safe, 9 unsafe -> 10, malicious.
	_, err = ledger.Vote(ctx, "bad.example", VoteSafe, "v0")
	require.NoError(t, err)
	for i := 1; i < 10; i++ {
		_, err := ledger.Vote(ctx, "bad.example", VoteUnsafe, AnonVoter(string(rune('a'+i))))
		require.NoError(t, err)
	}
	score, err = ledger.GetScore(ctx, "bad.example")
	require.NoError(t, err)
	require.NotNil(t, score.Score)
	assert.Equal(t, 10, *score.Score)
	assert.Equal(t, "malicious", score.Status)

	// 1 safe, 1 unsafe -> 50, suspect.
	_, err = ledger.Vote(ctx, "meh.example", VoteSafe, "v1")
	require.NoError(t, err)
	_, err = ledger.Vote(ctx, "meh.example", VoteUnsafe, "v2")
	require.NoError(t, err)
	score, err = ledger.GetScore(ctx, "meh.example")
	require.NoError(t, err)
	assert.Equal(t, "suspect", score.Status)
}

func TestMergeRecomputesFromVoterUnion(t *testing.T) {
	local := store.TrustRecord{
		Domain:      "example.com",
		SafeCount:   2,
		UnsafeCount: 0,
		Voters:      map[string]string{"a": VoteSafe, "b": VoteSafe},
		LastUpdated: 100,
	}
	remote := store.TrustRecord{
		Domain:      "example.com",
		SafeCount:   1,
		UnsafeCount: 1,
		Voters:      map[string]string{"b": VoteUnsafe, "c": VoteUnsafe},
		LastUpdated: 200,
	}

	merged := Merge(local, remote)
	// Union is {a:safe, b:unsafe(remote wins), c:unsafe}.
	assert.Equal(t, 1, merged.SafeCount)
	assert.Equal(t, 2, merged.UnsafeCount)
	assert.Equal(t, epoch.Millis(200), merged.LastUpdated)
	assert.Len(t, merged.Voters, 3)
}

func TestMergeCommutativeAndIdempotent(t *testing.T) {
	a := store.TrustRecord{
		Domain: "example.com",
		Voters: map[string]string{"a": VoteSafe, "b": VoteSafe},
	}
	b := store.TrustRecord{
		Domain: "example.com",
		Voters: map[string]string{"c": VoteUnsafe},
	}

	ab := Merge(a, b)
	ba := Merge(b, a)
	assert.Equal(t, ab.SafeCount, ba.SafeCount)
	assert.Equal(t, ab.UnsafeCount, ba.UnsafeCount)
	assert.Equal(t, ab.Voters, ba.Voters)

	again := Merge(ab, b)
	assert.Equal(t, ab.SafeCount, again.SafeCount)
	assert.Equal(t, ab.UnsafeCount, again.UnsafeCount)
	assert.Equal(t, ab.Voters, again.Voters)
}

func TestMergeAllImportsRemoteOnlyDomains(t *testing.T) {
	local := []store.TrustRecord{
		{Domain: "a.example", Voters: map[string]string{"v1": VoteSafe}},
	}
	remote := []store.TrustRecord{
		{Domain: "a.example", Voters: map[string]string{"v2": VoteUnsafe}},
		{Domain: "b.example", Voters: map[string]string{"v3": VoteSafe}},
	}

	merged := MergeAll(local, remote)
	require.Len(t, merged, 2)

	byDomain := map[string]store.TrustRecord{}
	for _, r := range merged {
		byDomain[r.Domain] = r
	}
	assert.Equal(t, 1, byDomain["a.example"].SafeCount)
	assert.Equal(t, 1, byDomain["a.example"].UnsafeCount)
	assert.Equal(t, 1, byDomain["b.example"].SafeCount)
}

func TestSeedMergesWithExisting(t *testing.T) {
	ctx := context.Background()
	mem := newMemTrustStore()
	ledger := NewLedger(mem)

	_, err := ledger.Vote(ctx, "example.com", VoteSafe, "voter-1")
	require.NoError(t, err)

	// A poorer seed cannot erase the stored vote.
	merged, err := ledger.Seed(ctx, store.TrustRecord{Domain: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, merged.SafeCount)

	merged, err = ledger.Seed(ctx, store.TrustRecord{
		Domain: "EXAMPLE.com",
		Voters: map[string]string{"voter-2": VoteUnsafe},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, merged.SafeCount)
	assert.Equal(t, 1, merged.UnsafeCount)
}

func TestAnonVoterStableAndPrefixed(t *testing.T) {
	a := AnonVoter("203.0.113.9")
	b := AnonVoter("203.0.113.9")
	c := AnonVoter("203.0.113.10")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "anon:")
}
