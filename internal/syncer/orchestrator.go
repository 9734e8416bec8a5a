// Package syncer drives the fetch/merge/push cycles between the local and
// global tier. Peer failures are logged and retried on the next cycle; they
// never surface to request callers. Writes that cannot reach the peer fall
// through to the offline queue.
package syncer

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"siteguard/api/internal/progress"
	"siteguard/api/internal/queue"
	"siteguard/api/internal/report"
	"siteguard/api/internal/store"
	"siteguard/api/internal/trust"
)

type Orchestrator struct {
	peer     *PeerClient
	store    store.Store
	reports  *report.Registry
	queue    *queue.Queue
	interval time.Duration
}

func NewOrchestrator(peer *PeerClient, s store.Store, registry *report.Registry, q *queue.Queue, interval time.Duration) *Orchestrator {
	return &Orchestrator{
		peer:     peer,
		store:    s,
		reports:  registry,
		queue:    q,
		interval: interval,
	}
}

// Run reconciles on a fixed interval until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SyncAll(ctx)
		}
	}
}

// SyncAll runs one fetch/merge/push cycle per ledger kind.
func (o *Orchestrator) SyncAll(ctx context.Context) {
	if o.peer == nil {
		return
	}
	o.syncTrust(ctx)
	o.syncReports(ctx)
	o.syncAccounts(ctx)
}

func (o *Orchestrator) syncTrust(ctx context.Context) {
	result := fetchItems[store.TrustRecord](ctx, o.peer, PathTrust)
	local, err := o.store.ListTrustRecords(ctx)
	if err != nil {
		log.Printf("sync trust: local read failed: %v", err)
		return
	}

	switch result.Status {
	case FetchOK:
		remoteVotes := 0
		for _, record := range result.Items {
			remoteVotes += record.TotalVotes()
		}
		localVotes := 0
		for _, record := range local {
			localVotes += record.TotalVotes()
		}
		// A cold-started peer answers with an empty or poorer snapshot; keep
		// local data rather than overwrite it with less.
		if remoteVotes == 0 && localVotes > 0 {
			log.Printf("sync trust: peer snapshot poorer than local (%d vs %d votes), keeping local", remoteVotes, localVotes)
		} else {
			merged := trust.MergeAll(local, result.Items)
			if err := o.store.UpsertTrustRecords(ctx, merged); err != nil {
				log.Printf("sync trust: write-back failed: %v", err)
				return
			}
		}
	case FetchTimedOut:
		log.Printf("sync trust: peer timed out, keeping local data")
	case FetchFailed:
		log.Printf("sync trust: peer fetch failed: %v", result.Err)
	}

	// Best-effort forward write so local-only votes eventually appear
	// everywhere; failures queue for the scheduled retry.
	if len(local) > 0 {
		if err := pushItems(ctx, o.peer, PathTrust, local); err != nil {
			log.Printf("sync trust: forward push failed, queueing: %v", err)
			enqueueAll(ctx, o.queue, store.KindTrust, local, func(r store.TrustRecord) string { return r.Domain })
		}
	}
}

func (o *Orchestrator) syncReports(ctx context.Context) {
	result := fetchItems[store.Report](ctx, o.peer, PathReports)
	if result.Status == FetchOK {
		if changed, err := o.reports.ApplyRemote(ctx, result.Items); err != nil {
			log.Printf("sync reports: apply failed: %v", err)
		} else if changed > 0 {
			log.Printf("sync reports: imported %d change(s) from peer", changed)
		}
	} else {
		log.Printf("sync reports: peer unavailable (status %d): %v", result.Status, result.Err)
	}

	local, err := o.store.ListReports(ctx)
	if err != nil {
		log.Printf("sync reports: local read failed: %v", err)
		return
	}
	if len(local) > 0 {
		if err := pushItems(ctx, o.peer, PathReports, local); err != nil {
			log.Printf("sync reports: forward push failed, queueing: %v", err)
			enqueueAll(ctx, o.queue, store.KindReports, local, func(r store.Report) string { return r.ID })
		}
	}
}

func (o *Orchestrator) syncAccounts(ctx context.Context) {
	tombResult := fetchItems[store.Tombstone](ctx, o.peer, PathTombstones)
	if tombResult.Status == FetchOK && len(tombResult.Items) > 0 {
		localTombs, err := o.store.ListTombstones(ctx)
		if err != nil {
			log.Printf("sync accounts: tombstone read failed: %v", err)
		} else if changed := progress.MergeTombstones(localTombs, tombResult.Items); len(changed) > 0 {
			// Later event wins; a peer's stale deletion cannot clobber a
			// local re-registration.
			if err := o.store.UpsertTombstones(ctx, changed); err != nil {
				log.Printf("sync accounts: tombstone import failed: %v", err)
			}
		}
	}

	result := fetchItems[store.Account](ctx, o.peer, PathAccounts)
	local, err := o.store.ListAccounts(ctx)
	if err != nil {
		log.Printf("sync accounts: local read failed: %v", err)
		return
	}
	tombstones, err := o.store.ListTombstones(ctx)
	if err != nil {
		log.Printf("sync accounts: tombstone read failed: %v", err)
		return
	}

	if result.Status == FetchOK {
		changed := progress.MergeAccounts(local, result.Items, tombstones)
		if len(changed) > 0 {
			if err := o.store.UpsertAccounts(ctx, changed); err != nil {
				log.Printf("sync accounts: write-back failed: %v", err)
				return
			}
		}
	} else {
		log.Printf("sync accounts: peer unavailable (status %d): %v", result.Status, result.Err)
	}

	// A tombstone observed after the account's last write means the deletion
	// is authoritative; drop the local copy.
	for _, tomb := range tombstones {
		if tomb.DeletedAt == 0 {
			continue
		}
		for _, account := range local {
			if account.Email == tomb.Email && tomb.DeletedAt.After(account.LastUpdated) {
				if err := o.store.DeleteAccount(ctx, account.Email); err != nil {
					log.Printf("sync accounts: tombstone delete failed: %v", err)
				}
			}
		}
	}

	if len(local) > 0 {
		if err := pushItems(ctx, o.peer, PathAccounts, local); err != nil {
			log.Printf("sync accounts: forward push failed, queueing: %v", err)
			enqueueAll(ctx, o.queue, store.KindAccounts, local, func(a store.Account) string { return a.Email })
		}
	}
	if len(tombstones) > 0 {
		if err := pushItems(ctx, o.peer, PathTombstones, tombstones); err != nil {
			log.Printf("sync accounts: tombstone push failed, queueing: %v", err)
			enqueueAll(ctx, o.queue, store.KindTombstones, tombstones, func(t store.Tombstone) string { return t.Email })
		}
	}
}

// enqueueAll parks undeliverable writes in the offline queue, one entry per
// record, deduped by the record's own identity.
func enqueueAll[T any](ctx context.Context, q *queue.Queue, target string, items []T, keyOf func(T) string) {
	if q == nil {
		return
	}
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := q.Enqueue(ctx, target+":"+keyOf(item), target, payload); err != nil {
			log.Printf("queue enqueue %s failed: %v", target, err)
		}
	}
}

// DrainLoop retries queued writes on a schedule until the context is
// cancelled. Entries for one target drain in order; a failure parks the
// target until the next tick.
func (o *Orchestrator) DrainLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.DrainAll(ctx)
		}
	}
}

// DrainAll drains every target's pending writes once.
func (o *Orchestrator) DrainAll(ctx context.Context) {
	if o.queue == nil || o.peer == nil {
		return
	}
	targets, err := o.queue.Targets(ctx)
	if err != nil {
		log.Printf("queue drain: list targets failed: %v", err)
		return
	}
	for _, target := range targets {
		delivered, err := o.queue.Drain(ctx, target, o.deliver)
		if delivered > 0 {
			log.Printf("queue drain: delivered %d %s write(s)", delivered, target)
		}
		if err != nil {
			log.Printf("queue drain: %s parked after failure: %v", target, err)
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, entry queue.Entry) error {
	switch entry.Target {
	case store.KindTrust:
		return deliverOne[store.TrustRecord](ctx, o.peer, PathTrust, entry.Payload)
	case store.KindReports:
		return deliverOne[store.Report](ctx, o.peer, PathReports, entry.Payload)
	case store.KindAccounts:
		return deliverOne[store.Account](ctx, o.peer, PathAccounts, entry.Payload)
	case store.KindTombstones:
		return deliverOne[store.Tombstone](ctx, o.peer, PathTombstones, entry.Payload)
	default:
		log.Printf("queue drain: dropping entry with unknown target %q", entry.Target)
		return nil
	}
}

func deliverOne[T any](ctx context.Context, peer *PeerClient, path string, payload []byte) error {
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		// Undeliverable by construction; dropping beats wedging the queue.
		log.Printf("queue drain: discarding malformed payload for %s: %v", path, err)
		return nil
	}
	return pushItems(ctx, peer, path, []T{item})
}
