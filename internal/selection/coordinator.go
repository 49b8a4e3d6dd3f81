// Package selection manages the transient multi-select mode over the change
// feed. It only tracks ids; marking read is delegated to a ReadMarker.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNothingSelected is returned by bulk actions on an empty selection
var ErrNothingSelected = errors.New("no changes selected")

// ReadMarker marks a batch of changes read in one request. Implementations
// must update local read markers only after the request succeeded.
type ReadMarker interface {
	MarkChangesRead(ctx context.Context, ids []string) error
}

// Coordinator holds the selection over the visible page of the change feed
type Coordinator struct {
	mu       sync.Mutex
	visible  []string
	selected map[string]struct{}
	active   bool
}

// New creates an inactive coordinator with nothing visible
func New() *Coordinator {
	return &Coordinator{selected: make(map[string]struct{})}
}

// SetVisible replaces the visible scope. Selected ids that are no longer
// visible are dropped, and the mode exits if nothing remains selected.
func (c *Coordinator) SetVisible(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = c.visible[:0:0]
	scope := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := scope[id]; dup {
			continue
		}
		scope[id] = struct{}{}
		c.visible = append(c.visible, id)
	}

	for id := range c.selected {
		if _, ok := scope[id]; !ok {
			delete(c.selected, id)
		}
	}
	if len(c.selected) == 0 {
		c.active = false
	}
}

// Select adds a visible id to the selection and enters selection mode. It
// returns false for ids outside the visible scope.
func (c *Coordinator) Select(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isVisible(id) {
		return false
	}
	c.selected[id] = struct{}{}
	c.active = true
	return true
}

// Deselect removes an id; removing the last one exits selection mode
func (c *Coordinator) Deselect(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.selected, id)
	if len(c.selected) == 0 {
		c.active = false
	}
}

// Toggle flips an id's membership and reports whether it is now selected
func (c *Coordinator) Toggle(id string) bool {
	c.mu.Lock()
	_, on := c.selected[id]
	c.mu.Unlock()

	if on {
		c.Deselect(id)
		return false
	}
	return c.Select(id)
}

// SelectAll selects every visible id
func (c *Coordinator) SelectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.visible {
		c.selected[id] = struct{}{}
	}
	c.active = len(c.selected) > 0
}

// Clear empties the selection and exits selection mode
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.selected)
	c.active = false
}

// Cancel exits selection mode explicitly
func (c *Coordinator) Cancel() {
	c.Clear()
}

// Active reports whether selection mode is on
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IsSelected reports whether id is selected
func (c *Coordinator) IsSelected(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.selected[id]
	return ok
}

// Selected returns the selected ids in visible order
func (c *Coordinator) Selected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.selected))
	for _, id := range c.visible {
		if _, ok := c.selected[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// BulkMarkRead marks every selected change read in one batch. On failure the
// selection is kept so the user can retry; on success it is cleared.
func (c *Coordinator) BulkMarkRead(ctx context.Context, marker ReadMarker) error {
	ids := c.Selected()
	if len(ids) == 0 {
		return ErrNothingSelected
	}

	if err := marker.MarkChangesRead(ctx, ids); err != nil {
		return fmt.Errorf("bulk mark read (%d changes): %w", len(ids), err)
	}

	c.Clear()
	return nil
}

func (c *Coordinator) isVisible(id string) bool {
	for _, v := range c.visible {
		if v == id {
			return true
		}
	}
	return false
}
