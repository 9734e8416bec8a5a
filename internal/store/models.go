package store

import (
	"encoding/json"

	"siteguard/api/internal/epoch"
)

// TrustRecord aggregates community votes for one normalized domain. The
// counts are a cache of the voter map and must always be reconcilable by
// recomputing from it; the voter map is the source of truth.
type TrustRecord struct {
	Domain      string            `json:"domain"`
	SafeCount   int               `json:"safe"`
	UnsafeCount int               `json:"unsafe"`
	Voters      map[string]string `json:"voters"`
	LastUpdated epoch.Millis      `json:"lastUpdated"`
}

// TotalVotes is derived from the stored counters.
func (r TrustRecord) TotalVotes() int {
	return r.SafeCount + r.UnsafeCount
}

// Report is an abuse report. ID is client-generated and is the idempotency
// key for every write touching the report.
type Report struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	Hostname      string          `json:"hostname,omitempty"`
	ReporterEmail string          `json:"reporterEmail,omitempty"`
	ReporterName  string          `json:"reporterName,omitempty"`
	Status        string          `json:"status"`
	Timestamp     epoch.Millis    `json:"timestamp"`
	LastUpdated   epoch.Millis    `json:"lastUpdated"`
	BannedAt      epoch.Millis    `json:"bannedAt,omitempty"`
	IgnoredAt     epoch.Millis    `json:"ignoredAt,omitempty"`
	Analysis      json.RawMessage `json:"analysis,omitempty"`
	Published     bool            `json:"published,omitempty"`
}

// Account is a user-progression record keyed by normalized email. Level is
// derived from XP and recomputed at read time, never trusted from a write.
type Account struct {
	Email         string       `json:"email"`
	Name          string       `json:"name,omitempty"`
	XP            int          `json:"xp"`
	Level         int          `json:"level"`
	LastUpdated   epoch.Millis `json:"lastUpdated"`
	AdminEdit     bool         `json:"_adminEdit,omitempty"`
	AdminEditTime epoch.Millis `json:"_adminEditTime,omitempty"`
	AdminEditXP   int          `json:"_adminEditXP,omitempty"`
}

// Tombstone marks an explicitly deleted account so reconciliation against a
// replica that has not yet observed the deletion cannot resurrect it.
// DeletedAt is zeroed when the email is re-registered; UpdatedAt stamps the
// last event either way, so tombstone merges keep the later of a deletion and
// a re-registration.
type Tombstone struct {
	Email     string       `json:"email"`
	DeletedAt epoch.Millis `json:"deletedAt"`
	UpdatedAt epoch.Millis `json:"updatedAt,omitempty"`
}

// BypassToken is a short-lived, single-use exception past an enforced block.
type BypassToken struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	CreatedAt epoch.Millis `json:"createdAt"`
	Used      bool         `json:"used"`
	UsedAt    epoch.Millis `json:"usedAt,omitempty"`
}

// AuditEntry records a privileged mutation.
type AuditEntry struct {
	ID      string       `json:"id"`
	Actor   string       `json:"actor"`
	Action  string       `json:"action"`
	Subject string       `json:"subject"`
	At      epoch.Millis `json:"at"`
}
