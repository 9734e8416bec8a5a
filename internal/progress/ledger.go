// Package progress owns experience/level records and their conflict
// resolution. Accounts only ever come into existence through an explicit
// Create; a progression sync against an unknown or deleted email is rejected
// outright so stale replicas cannot resurrect anything.
package progress

import (
	"context"
	"errors"
	"math"
	"strings"

	"siteguard/api/internal/epoch"
	"siteguard/api/internal/store"
)

var (
	ErrBadEmail = errors.New("email is required")
	ErrExists   = errors.New("account already exists")
	// ErrAccountViolation is the zombie-rejection error: the account does not
	// exist (or is tombstoned) and a sync must not create it.
	ErrAccountViolation = errors.New("account violation")
)

// Store is the slice of the replica store the ledger needs.
type Store interface {
	ListAccounts(ctx context.Context) ([]store.Account, error)
	GetAccount(ctx context.Context, email string) (store.Account, error)
	UpsertAccounts(ctx context.Context, accounts []store.Account) error
	DeleteAccount(ctx context.Context, email string) error
	ListTombstones(ctx context.Context) ([]store.Tombstone, error)
	GetTombstone(ctx context.Context, email string) (store.Tombstone, error)
	UpsertTombstones(ctx context.Context, tombstones []store.Tombstone) error
}

type Ledger struct {
	store Store
}

func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Level derives the level from xp. It is recomputed on every read and write;
// a client-supplied level is never trusted.
func Level(xp int) int {
	if xp < 0 {
		xp = 0
	}
	return int(math.Floor(math.Sqrt(float64(xp)/100))) + 1
}

// Delta is an incoming progression write.
type Delta struct {
	Email       string       `json:"email"`
	Name        string       `json:"name,omitempty"`
	XP          int          `json:"xp"`
	LastUpdated epoch.Millis `json:"lastUpdated"`
	ForceUpdate bool         `json:"forceUpdate,omitempty"`
	IsPenalty   bool         `json:"isPenalty,omitempty"`
}

// Sync resolves an incoming delta against the stored account. Precedence,
// first match wins:
//
//  1. forceUpdate: privileged override, accepted unconditionally, provenance
//     recorded.
//  2. penalty with lastUpdated >= stored: accepted (penalties may lower xp).
//  3. higher xp and strictly newer lastUpdated: ordinary progression,
//     accepted; stale admin provenance is cleared.
//  4. otherwise rejected, but the authoritative record is still returned so
//     the caller can resynchronize its cache.
//
// The boolean result reports whether the write was accepted.
func (l *Ledger) Sync(ctx context.Context, delta Delta) (store.Account, bool, error) {
	email := NormalizeEmail(delta.Email)
	if email == "" {
		return store.Account{}, false, ErrBadEmail
	}

	current, err := l.store.GetAccount(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{}, false, ErrAccountViolation
	}
	if err != nil {
		return store.Account{}, false, err
	}

	accepted := false
	switch {
	case delta.ForceUpdate:
		now := epoch.Now()
		current.XP = delta.XP
		current.LastUpdated = now
		current.AdminEdit = true
		current.AdminEditTime = now
		current.AdminEditXP = delta.XP
		accepted = true
	case delta.IsPenalty && delta.LastUpdated >= current.LastUpdated:
		current.XP = delta.XP
		current.LastUpdated = delta.LastUpdated
		accepted = true
	case delta.XP > current.XP && delta.LastUpdated.After(current.LastUpdated):
		current.XP = delta.XP
		current.LastUpdated = delta.LastUpdated
		// The user has progressed past the last override; drop its provenance.
		current.AdminEdit = false
		current.AdminEditTime = 0
		current.AdminEditXP = 0
		accepted = true
	}

	current.Level = Level(current.XP)
	if !accepted {
		return current, false, nil
	}
	if delta.Name != "" {
		current.Name = delta.Name
	}
	if err := l.store.UpsertAccounts(ctx, []store.Account{current}); err != nil {
		return store.Account{}, false, err
	}
	return current, true, nil
}

// Create registers a new account. A tombstoned email may be registered again,
// which clears the tombstone: explicit creation beats a stale deletion marker.
func (l *Ledger) Create(ctx context.Context, account store.Account) (store.Account, error) {
	account.Email = NormalizeEmail(account.Email)
	if account.Email == "" {
		return store.Account{}, ErrBadEmail
	}
	if _, err := l.store.GetAccount(ctx, account.Email); err == nil {
		return store.Account{}, ErrExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Account{}, err
	}

	if account.LastUpdated == 0 {
		account.LastUpdated = epoch.Now()
	}
	account.Level = Level(account.XP)
	account.AdminEdit = false
	account.AdminEditTime = 0
	account.AdminEditXP = 0

	if err := l.store.UpsertAccounts(ctx, []store.Account{account}); err != nil {
		return store.Account{}, err
	}
	// Re-registration supersedes any old tombstone; the fresh stamp keeps a
	// peer's stale copy from re-deleting the account on the next sync.
	if tomb, err := l.store.GetTombstone(ctx, account.Email); err == nil && tomb.DeletedAt != 0 {
		tomb.DeletedAt = 0
		tomb.UpdatedAt = epoch.Now()
		_ = l.store.UpsertTombstones(ctx, []store.Tombstone{tomb})
	}
	return account, nil
}

// Get returns the stored account with the level recomputed.
func (l *Ledger) Get(ctx context.Context, email string) (store.Account, error) {
	account, err := l.store.GetAccount(ctx, NormalizeEmail(email))
	if err != nil {
		return store.Account{}, err
	}
	account.Level = Level(account.XP)
	return account, nil
}

// Delete removes the account and writes a tombstone so a reconciliation pass
// against a replica that has not seen the deletion cannot bring it back.
func (l *Ledger) Delete(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrBadEmail
	}
	if _, err := l.store.GetAccount(ctx, email); err != nil {
		return err
	}
	now := epoch.Now()
	if err := l.store.UpsertTombstones(ctx, []store.Tombstone{{Email: email, DeletedAt: now, UpdatedAt: now}}); err != nil {
		return err
	}
	return l.store.DeleteAccount(ctx, email)
}

// DisplayName implements report.NameResolver.
func (l *Ledger) DisplayName(ctx context.Context, email string) (string, bool) {
	account, err := l.store.GetAccount(ctx, NormalizeEmail(email))
	if err != nil || account.Name == "" {
		return "", false
	}
	return account.Name, true
}

// tombstoneStamp orders tombstone events. Records written before the stamp
// existed fall back to their deletion time.
func tombstoneStamp(tomb store.Tombstone) epoch.Millis {
	if tomb.UpdatedAt != 0 {
		return tomb.UpdatedAt
	}
	return tomb.DeletedAt
}

// MergeTombstones reconciles a remote tombstone snapshot into the local one.
// Per email the later event wins, so a re-registration (which zeroes the
// deletion marker) is never clobbered by a peer still carrying the old
// deletion. Returns the records that changed locally.
func MergeTombstones(local, remote []store.Tombstone) []store.Tombstone {
	byEmail := make(map[string]store.Tombstone, len(local))
	for _, tomb := range local {
		byEmail[tomb.Email] = tomb
	}
	changed := make([]store.Tombstone, 0)
	for _, remoteTomb := range remote {
		localTomb, ok := byEmail[remoteTomb.Email]
		if !ok || tombstoneStamp(remoteTomb).After(tombstoneStamp(localTomb)) {
			changed = append(changed, remoteTomb)
		}
	}
	return changed
}

// MergeAccounts reconciles a remote account snapshot into the local one:
// tombstoned emails are skipped entirely, remote-only accounts are imported,
// and for emails on both sides the later lastUpdated wins. Returns the
// records that changed locally.
func MergeAccounts(local, remote []store.Account, tombstones []store.Tombstone) []store.Account {
	dead := make(map[string]bool, len(tombstones))
	for _, tomb := range tombstones {
		if tomb.DeletedAt != 0 {
			dead[tomb.Email] = true
		}
	}
	byEmail := make(map[string]store.Account, len(local))
	for _, account := range local {
		byEmail[account.Email] = account
	}
	changed := make([]store.Account, 0)
	for _, remoteAccount := range remote {
		if dead[remoteAccount.Email] {
			continue
		}
		localAccount, ok := byEmail[remoteAccount.Email]
		if !ok || remoteAccount.LastUpdated.After(localAccount.LastUpdated) {
			remoteAccount.Level = Level(remoteAccount.XP)
			changed = append(changed, remoteAccount)
		}
	}
	return changed
}
