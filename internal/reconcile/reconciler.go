// Package reconcile merges adapted stage snapshots into per-monitor working
// copies. Working copies are replaced wholesale on every merge, so a reader
// never sees a half-applied update. Read markers live in a ledger that only
// moves forward.
package reconcile

import (
	"sync"
	"time"

	"github.com/rivalwatch/internal/adapters"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
)

// Reconciler owns the working copies of every known monitor
type Reconciler struct {
	mu       sync.RWMutex
	copies   map[string]*models.WorkingCopy
	ledger   map[string]time.Time
	maxPeers int
	now      func() time.Time
}

// New creates a reconciler surfacing at most maxPeers peers per refresh
func New(maxPeers int) *Reconciler {
	return &Reconciler{
		copies:   make(map[string]*models.WorkingCopy),
		ledger:   make(map[string]time.Time),
		maxPeers: maxPeers,
		now:      time.Now,
	}
}

// Restore seeds the reconciler from the local working store
func (r *Reconciler) Restore(copies []*models.WorkingCopy, markers map[string]time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range copies {
		if w == nil || w.MonitorID == "" {
			continue
		}
		r.copies[w.MonitorID] = w.Clone()
	}
	for id, at := range markers {
		r.record(id, at)
	}
}

// Snapshot returns a copy of the monitor's working copy. Unknown monitors
// yield an empty copy.
func (r *Reconciler) Snapshot(monitorID string) *models.WorkingCopy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.copies[monitorID]; ok {
		return w.Clone()
	}
	return &models.WorkingCopy{MonitorID: monitorID, Peers: []models.Peer{}, Changes: []models.Change{}}
}

// Ledger returns every known read marker
func (r *Reconciler) Ledger() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]time.Time, len(r.ledger))
	for id, at := range r.ledger {
		out[id] = at
	}
	return out
}

// update builds the next working copy from the current one and publishes it
func (r *Reconciler) update(monitorID string, fn func(w *models.WorkingCopy)) *models.WorkingCopy {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copies[monitorID].Clone()
	if next == nil {
		next = &models.WorkingCopy{MonitorID: monitorID}
	}
	fn(next)
	next.UpdatedAt = r.now()
	if next.Peers == nil {
		next.Peers = []models.Peer{}
	}
	if next.Changes == nil {
		next.Changes = []models.Change{}
	}
	r.copies[monitorID] = next
	return next.Clone()
}

// Apply adapts and merges one stage event for a task
func (r *Reconciler) Apply(monitorID, taskID string, ev events.StageEvent) *models.WorkingCopy {
	switch ev.Stage {
	case events.StageTenant:
		return r.MergeProfile(monitorID, taskID, adapters.Profile(ev.Data))
	case events.StageCompetitors:
		return r.MergePeers(monitorID, taskID, adapters.Peers(ev.Data, r.maxPeers))
	case events.StageChanges:
		return r.MergeChanges(monitorID, taskID, adapters.Changes(ev.Data))
	}
	return r.Snapshot(monitorID)
}

// ApplyContext merges a completion payload carrying the whole analysis
// context, in stage order. Sections that are absent are left alone.
func (r *Reconciler) ApplyContext(monitorID, taskID string, data map[string]any) *models.WorkingCopy {
	sections := []struct {
		stage events.Stage
		key   string
	}{
		{events.StageTenant, "tenant"},
		{events.StageCompetitors, "competitors"},
		{events.StageChanges, "changes"},
	}

	for _, s := range sections {
		switch v := data[s.key].(type) {
		case map[string]any:
			if len(v) > 0 {
				r.Apply(monitorID, taskID, events.StageEvent{Stage: s.stage, Data: v})
			}
		case []any:
			// an empty list means the stage never produced anything
			if len(v) > 0 {
				r.Apply(monitorID, taskID, events.StageEvent{Stage: s.stage, Data: map[string]any{s.key: v}})
			}
		}
	}
	return r.Snapshot(monitorID)
}

// MergeProfile replaces the profile wholesale
func (r *Reconciler) MergeProfile(monitorID, taskID string, p models.Profile) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.TaskID = taskID
		profile := p
		profile.Features = append([]string{}, p.Features...)
		w.Profile = &profile
	})
}

// MergePeers replaces the displayed peers with the server list, keeping manual
// peers the server has not caught up with yet. The server's tracked set wins
// unless a local track/untrack is still unconfirmed.
func (r *Reconciler) MergePeers(monitorID, taskID string, list adapters.PeerList) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.TaskID = taskID

		if list.TrackedIDs != nil && w.TrackedProvenance != models.ProvenanceOptimistic {
			w.TrackedIDs = append([]string{}, list.TrackedIDs...)
			w.ConfirmedTrackedIDs = append([]string{}, list.TrackedIDs...)
			w.TrackedProvenance = models.ProvenanceConfirmed
		}

		peers := make([]models.Peer, 0, len(list.Peers)+len(w.ManualPeers))
		known := make(map[string]struct{}, len(list.Peers)*2)
		for _, p := range list.Peers {
			peers = append(peers, p)
			for _, k := range p.Keys() {
				known[k] = struct{}{}
			}
		}

		manual := w.ManualPeers[:0:0]
		for _, p := range w.ManualPeers {
			if overlaps(p, known) {
				continue
			}
			manual = append(manual, p)
			peers = append(peers, p)
		}
		w.ManualPeers = manual
		w.Peers = peers
		markTracked(w)
	})
}

// MergeChanges replaces the change list with the server's, carrying read
// markers forward. A marker from the server only wins when it is newer.
func (r *Reconciler) MergeChanges(monitorID, taskID string, incoming []models.Change) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.TaskID = taskID

		previous := make(map[string]*time.Time, len(w.Changes))
		for _, c := range w.Changes {
			previous[c.ID] = c.ReadAt
		}

		out := make([]models.Change, 0, len(incoming))
		seen := make(map[string]struct{}, len(incoming))
		for _, c := range incoming {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}

			carried := latest(previous[c.ID], r.marker(c.ID))
			if carried != nil && (c.ReadAt == nil || c.ReadAt.Before(*carried)) {
				at := *carried
				c.ReadAt = &at
			}
			if c.ReadAt != nil {
				r.record(c.ID, *c.ReadAt)
			}
			out = append(out, c)
		}
		w.Changes = out
	})
}

// MarkRead stamps the given changes as read at the given instant. Changes
// that are already read keep their marker.
func (r *Reconciler) MarkRead(monitorID string, ids []string, at time.Time) *models.WorkingCopy {
	targets := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}

	return r.update(monitorID, func(w *models.WorkingCopy) {
		for id := range targets {
			if _, ok := r.ledger[id]; !ok {
				r.ledger[id] = at
			}
		}
		for i := range w.Changes {
			c := &w.Changes[i]
			if _, ok := targets[c.ID]; !ok || c.ReadAt != nil {
				continue
			}
			stamp := r.ledger[c.ID]
			c.ReadAt = &stamp
		}
	})
}

// SeedTracked installs a tracked set known to be authoritative, such as the
// one carried on a monitor record
func (r *Reconciler) SeedTracked(monitorID string, ids []string) *models.WorkingCopy {
	return r.ConfirmTracked(monitorID, ids)
}

// ApplyTracked installs a locally edited tracked set ahead of server
// confirmation
func (r *Reconciler) ApplyTracked(monitorID string, ids []string) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.TrackedIDs = append([]string{}, ids...)
		w.TrackedProvenance = models.ProvenanceOptimistic
		markTracked(w)
	})
}

// ConfirmTracked installs the server's tracked set
func (r *Reconciler) ConfirmTracked(monitorID string, ids []string) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.TrackedIDs = append([]string{}, ids...)
		w.ConfirmedTrackedIDs = append([]string{}, ids...)
		w.TrackedProvenance = models.ProvenanceConfirmed
		markTracked(w)
	})
}

// RevertTracked restores the last confirmed tracked set
func (r *Reconciler) RevertTracked(monitorID string) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.TrackedIDs = append([]string{}, w.ConfirmedTrackedIDs...)
		w.TrackedProvenance = models.ProvenanceConfirmed
		markTracked(w)
	})
}

// AddManualPeer shows a user-added peer until a server snapshot includes it
func (r *Reconciler) AddManualPeer(monitorID string, p models.Peer) *models.WorkingCopy {
	p.Provenance = models.ProvenanceOptimistic
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.ManualPeers = replacePeer(w.ManualPeers, p)
		w.Peers = replacePeer(w.Peers, p)
		markTracked(w)
	})
}

// ConfirmManualPeer swaps the optimistic peer for the server's record
func (r *Reconciler) ConfirmManualPeer(monitorID, localID string, p models.Peer) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.ManualPeers = removePeer(w.ManualPeers, localID)
		w.Peers = removePeer(w.Peers, localID)
		p.Provenance = models.ProvenanceOptimistic
		w.ManualPeers = replacePeer(w.ManualPeers, p)
		w.Peers = replacePeer(w.Peers, p)
		markTracked(w)
	})
}

// RemoveManualPeer withdraws a manual peer whose creation failed
func (r *Reconciler) RemoveManualPeer(monitorID, id string) *models.WorkingCopy {
	return r.update(monitorID, func(w *models.WorkingCopy) {
		w.ManualPeers = removePeer(w.ManualPeers, id)
		w.Peers = removePeer(w.Peers, id)
	})
}

// Reset clears a monitor's working copy
func (r *Reconciler) Reset(monitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copies[monitorID] = &models.WorkingCopy{
		MonitorID: monitorID,
		Peers:     []models.Peer{},
		Changes:   []models.Change{},
		UpdatedAt: r.now(),
	}
}

// Drop forgets a monitor entirely
func (r *Reconciler) Drop(monitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.copies, monitorID)
}

// Rekey moves a working copy to a new monitor id
func (r *Reconciler) Rekey(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.copies[from]
	if !ok {
		return
	}
	delete(r.copies, from)
	next := w.Clone()
	next.MonitorID = to
	r.copies[to] = next
}

// marker returns the ledger entry for a change. Callers hold r.mu.
func (r *Reconciler) marker(id string) *time.Time {
	at, ok := r.ledger[id]
	if !ok {
		return nil
	}
	return &at
}

// record keeps the newest marker for a change. Callers hold r.mu.
func (r *Reconciler) record(id string, at time.Time) {
	if prev, ok := r.ledger[id]; !ok || at.After(prev) {
		r.ledger[id] = at
	}
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}

func markTracked(w *models.WorkingCopy) {
	for i := range w.Peers {
		w.Peers[i].Tracked = adapters.IsTracked(w.Peers[i], w.TrackedIDs)
	}
}

func overlaps(p models.Peer, known map[string]struct{}) bool {
	for _, k := range p.Keys() {
		if _, ok := known[k]; ok {
			return true
		}
	}
	return false
}

func replacePeer(peers []models.Peer, p models.Peer) []models.Peer {
	for i := range peers {
		if peers[i].ID == p.ID {
			peers[i] = p
			return peers
		}
	}
	return append(peers, p)
}

func removePeer(peers []models.Peer, id string) []models.Peer {
	out := peers[:0:0]
	for _, p := range peers {
		if p.ID != id && p.CompetitorID != id {
			out = append(out, p)
		}
	}
	return out
}
