package models

import (
	"time"
)

// Profile is the tenant snapshot: the analysed company itself
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	URL          string   `json:"url"`
	Description  string   `json:"description"`
	TargetMarket string   `json:"target_market"`
	Features     []string `json:"features"`
}

// Peer is a discovered competitor
type Peer struct {
	ID           string     `json:"id"`
	CompetitorID string     `json:"competitor_id,omitempty"` // server-side tracking correlation
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Description  string     `json:"description"`
	Source       string     `json:"source"`
	Confidence   float64    `json:"confidence"` // [0,1]
	Demographics string     `json:"demographics"`
	Tracked      bool       `json:"tracked"`
	Provenance   Provenance `json:"provenance,omitempty"`
}

// Keys returns the identifiers a tracked set may refer to this peer by
func (p *Peer) Keys() []string {
	if p.CompetitorID != "" && p.CompetitorID != p.ID {
		return []string{p.ID, p.CompetitorID}
	}
	return []string{p.ID}
}

// Change is a detected change on a peer's site
type Change struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	ChangeType  string     `json:"change_type"`
	Content     string     `json:"content"`
	Timestamp   string     `json:"timestamp"`
	ThreatLevel float64    `json:"threat_level"` // [0,10]
	WhyMatters  string     `json:"why_matters"`
	Suggestions string     `json:"suggestions"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// IsRead returns true once the change carries a read marker
func (c *Change) IsRead() bool {
	return c.ReadAt != nil
}

// WorkingCopy is the client's materialized view of one monitor's results.
// Values are treated as immutable once published; merges build a new copy.
type WorkingCopy struct {
	MonitorID string   `json:"monitor_id"`
	TaskID    string   `json:"task_id,omitempty"`
	Profile   *Profile `json:"profile,omitempty"`
	Peers     []Peer   `json:"peers"`
	Changes   []Change `json:"changes"`

	// TrackedIDs is the monitor's tracked-competitor set as last known locally
	TrackedIDs        []string   `json:"tracked_ids"`
	TrackedProvenance Provenance `json:"tracked_provenance,omitempty"`
	// ConfirmedTrackedIDs is the last server-confirmed set, restored when an optimistic edit fails
	ConfirmedTrackedIDs []string `json:"confirmed_tracked_ids,omitempty"`
	// ManualPeers are user-added peers the server's peer snapshot has not caught up with yet
	ManualPeers []Peer `json:"manual_peers,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Empty returns true if nothing has been merged yet
func (w *WorkingCopy) Empty() bool {
	return w.Profile == nil && len(w.Peers) == 0 && len(w.Changes) == 0
}

// Clone returns a deep copy of the working copy
func (w *WorkingCopy) Clone() *WorkingCopy {
	if w == nil {
		return nil
	}
	out := *w
	if w.Profile != nil {
		p := *w.Profile
		p.Features = append([]string(nil), w.Profile.Features...)
		out.Profile = &p
	}
	out.Peers = append([]Peer(nil), w.Peers...)
	out.Changes = make([]Change, len(w.Changes))
	for i, c := range w.Changes {
		if c.ReadAt != nil {
			at := *c.ReadAt
			c.ReadAt = &at
		}
		out.Changes[i] = c
	}
	out.TrackedIDs = append([]string(nil), w.TrackedIDs...)
	out.ConfirmedTrackedIDs = append([]string(nil), w.ConfirmedTrackedIDs...)
	out.ManualPeers = append([]Peer(nil), w.ManualPeers...)
	return &out
}
