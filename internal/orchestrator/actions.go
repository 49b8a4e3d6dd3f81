package orchestrator

import (
	"context"
	"slices"
	"strings"

	"github.com/rivalwatch/internal/adapters"
	"github.com/rivalwatch/internal/backend"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/reconcile"
	"github.com/rivalwatch/internal/storage"
)

// CreateMonitor creates a monitor without starting a run. A url that matches
// a known monitor returns that monitor.
func (o *Orchestrator) CreateMonitor(ctx context.Context, rawURL, name string) (models.Monitor, error) {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return models.Monitor{}, invalid("url is required")
	}

	key := adapters.NormalizeURL(target)
	o.mu.Lock()
	for _, m := range o.monitors {
		if adapters.NormalizeURL(m.URL) == key {
			o.mu.Unlock()
			return m.Clone(), nil
		}
	}
	o.mu.Unlock()

	created, err := o.backend.CreateMonitor(ctx, adapters.CanonicalURL(target), strings.TrimSpace(name))
	if err != nil {
		return models.Monitor{}, o.observe(ctx, err)
	}

	m := created.Clone()
	m.NameProvenance = models.ProvenanceConfirmed
	o.mu.Lock()
	if o.indexOf(m.ID) < 0 {
		o.monitors = append(o.monitors, m)
		o.states[m.ID] = StateIdle
	}
	o.mu.Unlock()

	o.persistMonitors(ctx)
	o.log.Info().Str("monitor_id", m.ID).Str("url", m.URL).Msg("Monitor created")
	return m.Clone(), nil
}

// Delete removes a monitor. Its stream is cancelled and, if it was current,
// another monitor becomes current.
func (o *Orchestrator) Delete(ctx context.Context, monitorID string) error {
	o.ops.Lock()
	defer o.ops.Unlock()

	o.mu.Lock()
	i := o.indexOf(monitorID)
	pending := i >= 0 && o.monitors[i].Pending
	o.mu.Unlock()
	if i < 0 {
		return invalid("unknown monitor %s", monitorID)
	}

	if !pending {
		if err := o.backend.DeleteMonitor(ctx, monitorID); err != nil {
			return o.observe(ctx, err)
		}
	}

	o.mu.Lock()
	bound := o.active != nil && o.active.monitorID == monitorID
	o.mu.Unlock()
	if bound {
		o.stopActive()
	}

	o.mu.Lock()
	wasCurrent := o.current == monitorID
	o.removeLocked(monitorID)
	fallback := ""
	if wasCurrent && len(o.monitors) > 0 {
		fallback = o.monitors[0].ID
	}
	o.mu.Unlock()

	o.rec.Drop(monitorID)
	o.forget(ctx, monitorID)
	o.persistMonitors(ctx)
	o.log.Info().Str("monitor_id", monitorID).Msg("Monitor deleted")

	if !wasCurrent {
		return nil
	}
	if fallback == "" {
		o.persistSetting(ctx, storage.SettingCurrentMonitor, "")
		return nil
	}
	if err := o.switchLocked(ctx, fallback); err != nil {
		o.log.Warn().Err(err).Str("monitor_id", fallback).Msg("Failed to load fallback monitor")
	}
	return nil
}

// Rename renames a monitor optimistically. A failed rename is reported but
// the local name is not rolled back; the next monitor load restores the
// server's name.
func (o *Orchestrator) Rename(ctx context.Context, monitorID, name string) (models.Monitor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Monitor{}, invalid("name is required")
	}

	o.mu.Lock()
	i := o.indexOf(monitorID)
	if i < 0 {
		o.mu.Unlock()
		return models.Monitor{}, invalid("unknown monitor %s", monitorID)
	}
	pending := o.monitors[i].Pending
	o.updateLocked(monitorID, func(m *models.Monitor) {
		m.Name = name
		m.NameProvenance = models.ProvenanceOptimistic
	})
	if !pending {
		o.renaming[monitorID]++
	}
	o.mu.Unlock()
	o.persistMonitors(ctx)

	if pending {
		return o.monitor(monitorID), nil
	}

	updated, err := o.backend.RenameMonitor(ctx, monitorID, name)

	o.mu.Lock()
	if o.renaming[monitorID]--; o.renaming[monitorID] <= 0 {
		delete(o.renaming, monitorID)
	}
	if err == nil && o.renaming[monitorID] == 0 {
		o.updateLocked(monitorID, func(m *models.Monitor) {
			m.Name = updated.Name
			m.NameProvenance = models.ProvenanceConfirmed
			if updated.UpdatedAt != nil {
				m.UpdatedAt = updated.UpdatedAt
			}
		})
	}
	o.mu.Unlock()

	if err != nil {
		o.log.Warn().Err(err).Str("monitor_id", monitorID).Msg("Rename failed, keeping local name")
		return o.monitor(monitorID), o.observe(ctx, err)
	}
	o.persistMonitors(ctx)
	return o.monitor(monitorID), nil
}

// TrackPeer adds a peer to the current monitor's tracked set
func (o *Orchestrator) TrackPeer(ctx context.Context, peerID string) error {
	return o.setTracked(ctx, peerID, true)
}

// UntrackPeer removes a peer from the current monitor's tracked set
func (o *Orchestrator) UntrackPeer(ctx context.Context, peerID string) error {
	return o.setTracked(ctx, peerID, false)
}

// setTracked applies the edit locally first; the server's answer replaces it,
// and a failure restores the last confirmed set
func (o *Orchestrator) setTracked(ctx context.Context, peerID string, track bool) error {
	m, err := o.confirmedCurrent()
	if err != nil {
		return err
	}

	w := o.rec.Snapshot(m.ID)
	var peer *models.Peer
	for i := range w.Peers {
		if w.Peers[i].ID == peerID || w.Peers[i].CompetitorID == peerID {
			peer = &w.Peers[i]
			break
		}
	}
	if peer == nil {
		return invalid("unknown peer %s", peerID)
	}

	o.rec.ApplyTracked(m.ID, reconcile.TrackedAfter(w, *peer, track))
	o.notifySnapshot(m.ID)

	var ids []string
	if track {
		confidence := peer.Confidence
		var res *backend.TrackResult
		res, err = o.backend.TrackCompetitor(ctx, reconcile.TrackingKey(*peer), backend.TrackRequest{
			MonitorID:   m.ID,
			DisplayName: peer.Name,
			URL:         peer.URL,
			Source:      peer.Source,
			Description: peer.Description,
			Confidence:  &confidence,
		})
		if res != nil {
			ids = res.TrackedIDs
		}
	} else {
		ids, err = o.backend.UntrackCompetitor(ctx, m.ID, reconcile.TrackingKey(*peer))
	}

	if err != nil {
		o.rec.RevertTracked(m.ID)
		o.notifySnapshot(m.ID)
		return o.observe(ctx, err)
	}

	o.confirmTracked(ctx, m.ID, ids)
	o.log.Info().Str("monitor_id", m.ID).Str("peer_id", peerID).Bool("tracked", track).Msg("Tracking updated")
	return nil
}

// AddPeer adds a user-supplied competitor to the current monitor and tracks
// it. It stays listed until a server peer snapshot includes it.
func (o *Orchestrator) AddPeer(ctx context.Context, rawURL, name string) (models.Peer, error) {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return models.Peer{}, invalid("url is required")
	}
	host := adapters.Hostname(target)
	if host == "" {
		return models.Peer{}, invalid("url %q has no host", target)
	}
	m, err := o.confirmedCurrent()
	if err != nil {
		return models.Peer{}, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = host
	}
	peer := adapters.Peer(map[string]any{
		"competitor_id": host,
		"display_name":  name,
		"primary_url":   adapters.CanonicalURL(target),
		"source":        "manual",
	}, 0)

	w := o.rec.Snapshot(m.ID)
	o.rec.AddManualPeer(m.ID, peer)
	o.rec.ApplyTracked(m.ID, reconcile.TrackedAfter(w, peer, true))
	o.notifySnapshot(m.ID)

	res, err := o.backend.TrackCompetitor(ctx, host, backend.TrackRequest{
		MonitorID:   m.ID,
		DisplayName: peer.Name,
		URL:         peer.URL,
		Source:      peer.Source,
	})
	if err != nil {
		o.rec.RemoveManualPeer(m.ID, peer.ID)
		o.rec.RevertTracked(m.ID)
		o.notifySnapshot(m.ID)
		return models.Peer{}, o.observe(ctx, err)
	}

	confirmed := peer
	if res.Competitor != nil {
		confirmed = *res.Competitor
		confirmed.Source = "manual"
	}
	o.rec.ConfirmManualPeer(m.ID, peer.ID, confirmed)
	o.confirmTracked(ctx, m.ID, res.TrackedIDs)

	o.log.Info().Str("monitor_id", m.ID).Str("peer_id", confirmed.ID).Msg("Manual peer added")
	return confirmed, nil
}

func (o *Orchestrator) confirmTracked(ctx context.Context, monitorID string, ids []string) {
	w := o.rec.ConfirmTracked(monitorID, ids)
	slugs := trackedSlugs(w, ids)

	o.mu.Lock()
	o.updateLocked(monitorID, func(m *models.Monitor) {
		m.TrackedCompetitorIDs = append([]string{}, ids...)
		m.TrackedCompetitorSlugs = slugs
		m.TrackedCompetitorCount = len(ids)
	})
	o.mu.Unlock()

	o.persistSnapshot(ctx, monitorID)
	o.persistMonitors(ctx)
	o.notifySnapshot(monitorID)
}

// trackedSlugs returns the server-side competitor ids of the tracked peers.
// Peers the backend never assigned one to have no slug.
func trackedSlugs(w *models.WorkingCopy, ids []string) []string {
	slugs := []string{}
	if w == nil {
		return slugs
	}
	for i := range w.Peers {
		p := &w.Peers[i]
		if p.CompetitorID == "" || !slices.ContainsFunc(p.Keys(), func(k string) bool { return slices.Contains(ids, k) }) {
			continue
		}
		if !slices.Contains(slugs, p.CompetitorID) {
			slugs = append(slugs, p.CompetitorID)
		}
	}
	return slugs
}

// MarkRead marks one change of the current monitor read
func (o *Orchestrator) MarkRead(ctx context.Context, changeID string) error {
	if strings.TrimSpace(changeID) == "" {
		return invalid("change id is required")
	}
	m, err := o.currentMonitor()
	if err != nil {
		return err
	}

	at, err := o.backend.MarkChangeRead(ctx, changeID)
	if err != nil {
		return o.observe(ctx, err)
	}
	stamp := o.now().UTC()
	if at != nil {
		stamp = *at
	}

	o.rec.MarkRead(m.ID, []string{changeID}, stamp)
	o.persistMarkers(ctx, []string{changeID})
	o.persistSnapshot(ctx, m.ID)
	o.notifySnapshot(m.ID)
	return nil
}

// MarkChangesRead marks a batch of the current monitor's changes read in one
// request. Local markers change only after the request succeeded.
func (o *Orchestrator) MarkChangesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return invalid("no changes given")
	}
	m, err := o.currentMonitor()
	if err != nil {
		return err
	}

	monitorID := m.ID
	if m.Pending {
		monitorID = ""
	}
	updated, err := o.backend.MarkChangesRead(ctx, monitorID, ids)
	if err != nil {
		return o.observe(ctx, err)
	}

	o.rec.MarkRead(m.ID, ids, o.now().UTC())
	o.persistMarkers(ctx, ids)
	o.persistSnapshot(ctx, m.ID)
	o.notifySnapshot(m.ID)

	o.log.Info().Str("monitor_id", m.ID).Int("requested", len(ids)).Int("updated", updated).Msg("Changes marked read")
	return nil
}

// ListArchives lists saved archives
func (o *Orchestrator) ListArchives(ctx context.Context) ([]models.Archive, error) {
	archives, err := o.backend.ListArchives(ctx)
	if err != nil {
		return nil, o.observe(ctx, err)
	}
	return archives, nil
}

// CreateArchive saves the current monitor's latest results under title
func (o *Orchestrator) CreateArchive(ctx context.Context, title string, metadata map[string]any) (*models.Archive, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalid("title is required")
	}
	m, err := o.confirmedCurrent()
	if err != nil {
		return nil, err
	}

	taskID := o.rec.Snapshot(m.ID).TaskID
	if taskID == "" {
		taskID = m.LatestTaskID
	}

	archive, err := o.backend.CreateArchive(ctx, backend.ArchiveRequest{
		MonitorID: m.ID,
		TaskID:    taskID,
		Title:     title,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, o.observe(ctx, err)
	}
	o.log.Info().Str("archive_id", archive.ID).Str("monitor_id", m.ID).Msg("Archive created")
	return archive, nil
}

// confirmedCurrent returns the current monitor if the server knows it
func (o *Orchestrator) confirmedCurrent() (models.Monitor, error) {
	m, err := o.currentMonitor()
	if err != nil {
		return m, err
	}
	if m.Pending || isPending(m.ID) {
		return m, invalid("monitor %s is not confirmed by the server yet", m.ID)
	}
	return m, nil
}
