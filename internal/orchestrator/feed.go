package orchestrator

import (
	"github.com/rivalwatch/internal/models"
)

// DefaultPageSize is used when a feed filter has no page size
const DefaultPageSize = 20

// FeedFilter narrows and paginates the change feed. Page is 1-based.
type FeedFilter struct {
	UnreadOnly bool
	MinThreat  float64
	Page       int
	PageSize   int
}

// FeedPage is one page of the change feed
type FeedPage struct {
	Changes []models.Change
	Total   int // matching changes across all pages
	Page    int
	Pages   int
}

// IDs returns the ids on the page, the visible scope for selection
func (p FeedPage) IDs() []string {
	ids := make([]string, len(p.Changes))
	for i, c := range p.Changes {
		ids[i] = c.ID
	}
	return ids
}

// ChangeFeed returns a page of the current monitor's changes in server order
func (o *Orchestrator) ChangeFeed(f FeedFilter) FeedPage {
	return Filter(o.CurrentSnapshot().Changes, f)
}

// Filter applies a feed filter to a change list
func Filter(changes []models.Change, f FeedFilter) FeedPage {
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	matched := make([]models.Change, 0, len(changes))
	for _, c := range changes {
		if f.UnreadOnly && c.IsRead() {
			continue
		}
		if c.ThreatLevel < f.MinThreat {
			continue
		}
		matched = append(matched, c)
	}

	pages := (len(matched) + f.PageSize - 1) / f.PageSize
	page := FeedPage{Total: len(matched), Page: f.Page, Pages: pages, Changes: []models.Change{}}

	start := (f.Page - 1) * f.PageSize
	if start >= len(matched) {
		return page
	}
	page.Changes = matched[start:min(start+f.PageSize, len(matched))]
	return page
}
