package reconcile

import (
	"slices"

	"github.com/rivalwatch/internal/models"
)

// TrackingKey is the identifier the backend tracks a peer under
func TrackingKey(p models.Peer) string {
	if p.CompetitorID != "" {
		return p.CompetitorID
	}
	return p.ID
}

// TrackedAfter returns the tracked set that results from tracking or
// untracking peer. An empty set means every surfaced peer is tracked, so it is
// expanded to the surfaced peers before being edited.
func TrackedAfter(w *models.WorkingCopy, peer models.Peer, track bool) []string {
	var set []string
	if len(w.TrackedIDs) == 0 {
		for _, p := range w.Peers {
			set = append(set, TrackingKey(p))
		}
	} else {
		set = append(set, w.TrackedIDs...)
	}

	keys := peer.Keys()
	set = slices.DeleteFunc(set, func(id string) bool {
		return slices.Contains(keys, id)
	})
	if track {
		set = append(set, TrackingKey(peer))
	}
	if set == nil {
		set = []string{}
	}
	return set
}
