package adapters

import (
	"fmt"
	"strings"

	"github.com/rivalwatch/internal/models"
)

// DefaultMaxPeers caps how many peers one refresh surfaces
const DefaultMaxPeers = 10

// PeerList is an adapted competitors payload. Tracking is monitor-scoped, so
// the server's tracked set travels next to the peers instead of inside them.
type PeerList struct {
	Peers []models.Peer
	// TrackedIDs is nil when the payload carried no tracked set at all
	TrackedIDs []string
}

// Peers adapts a competitors stage payload, surfacing at most max peers
// (DefaultMaxPeers when max <= 0).
func Peers(data map[string]any, max int) PeerList {
	if max <= 0 {
		max = DefaultMaxPeers
	}

	raw := objects(data, "competitors", "peers")
	peers := make([]models.Peer, 0, min(len(raw), max))
	seen := make(map[string]struct{}, len(raw))

	for i, item := range raw {
		if len(peers) == max {
			break
		}
		var fields map[string]any
		switch v := item.(type) {
		case map[string]any:
			fields = v
		case string:
			if strings.TrimSpace(v) == "" {
				continue
			}
			fields = map[string]any{"display_name": v}
		default:
			continue
		}

		peer := Peer(fields, i)
		if _, dup := seen[peer.ID]; dup {
			continue
		}
		seen[peer.ID] = struct{}{}
		peers = append(peers, peer)
	}

	return PeerList{Peers: peers, TrackedIDs: TrackedIDs(data)}
}

// TrackedIDs extracts a tracked-competitor set. It returns nil when the
// payload has no such field, and an empty slice when the set is empty.
func TrackedIDs(data map[string]any) []string {
	ids, ok := stringList(data, "tracked_competitor_ids")
	if !ok {
		return nil
	}
	return dedupe(ids)
}

// Peer adapts one competitor record; index is its position in the payload and
// only feeds the synthesized id when nothing better is available.
func Peer(fields map[string]any, index int) models.Peer {
	url := text(fields, "primary_url", "url")
	name := textOr(fields, PlaceholderPeerName, "display_name", "name")
	competitorID := ident(fields, "competitor_id")

	id := ident(fields, "id")
	if id == "" {
		id = competitorID
	}
	if id == "" {
		id = Hostname(url)
	}
	if id == "" {
		base := slug(name)
		if name == PlaceholderPeerName || base == "" {
			base = "competitor"
		}
		id = fmt.Sprintf("%s-%d", base, index)
	}

	confidence := DefaultConfidence
	if v, ok := number(fields, "confidence"); ok {
		// Percentages are folded onto [0,1]
		if v > 1 && v <= 100 {
			v = v / 100
		}
		confidence = clamp(v, 0, 1)
	}

	return models.Peer{
		ID:           id,
		CompetitorID: competitorID,
		Name:         name,
		URL:          url,
		Description:  textOr(fields, PlaceholderPeerDesc, "brief_description", "description"),
		Source:       textOr(fields, PlaceholderPeerSource, "source"),
		Confidence:   confidence,
		Demographics: textOr(fields, PlaceholderAudience, "demographics", "target_users"),
		Provenance:   models.ProvenanceConfirmed,
	}
}

// IsTracked applies the bootstrap convention: an empty tracked set means
// nothing has been excluded yet, so every surfaced peer counts as tracked.
func IsTracked(peer models.Peer, tracked []string) bool {
	if len(tracked) == 0 {
		return true
	}
	for _, key := range peer.Keys() {
		for _, id := range tracked {
			if id == key {
				return true
			}
		}
	}
	return false
}
