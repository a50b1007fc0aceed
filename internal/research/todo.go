package research

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/deepresearch/internal/store"
)

// ErrNestingTooDeep rejects sub-tasks of sub-tasks. The planner allows
// exactly one level of parent/child nesting.
var ErrNestingTooDeep = errors.New("todo items allow only one level of nesting")

// Planner is the todo list for one run. It implements tools.TodoBackend so
// the model can manage it through the todo tool, while the engine reads it
// to drive phase advancement.
type Planner struct {
	runID   string
	items   map[string]*store.TodoItem
	nextPos int
}

func NewPlanner(runID string) *Planner {
	return &Planner{
		runID: runID,
		items: make(map[string]*store.TodoItem),
	}
}

func (p *Planner) Add(parentID, text string) (store.TodoItem, error) {
	if parentID != "" {
		parent, ok := p.items[parentID]
		if !ok {
			return store.TodoItem{}, fmt.Errorf("parent todo not found: %s", parentID)
		}
		if parent.ParentID != "" {
			return store.TodoItem{}, ErrNestingTooDeep
		}
	}
	p.nextPos++
	item := &store.TodoItem{
		ID:        uuid.NewString()[:8],
		RunID:     p.runID,
		ParentID:  parentID,
		Text:      text,
		Status:    "pending",
		Position:  p.nextPos,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	p.items[item.ID] = item
	return *item, nil
}

func (p *Planner) Complete(id string) (store.TodoItem, error) {
	item, ok := p.items[id]
	if !ok {
		return store.TodoItem{}, fmt.Errorf("todo item not found: %s", id)
	}
	if item.Status != "completed" {
		item.Status = "completed"
		item.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return *item, nil
}

func (p *Planner) Update(id, text string) (store.TodoItem, error) {
	item, ok := p.items[id]
	if !ok {
		return store.TodoItem{}, fmt.Errorf("todo item not found: %s", id)
	}
	item.Text = text
	return *item, nil
}

// List returns items ordered by position.
func (p *Planner) List() []store.TodoItem {
	out := make([]store.TodoItem, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (p *Planner) Clear() int {
	count := len(p.items)
	p.items = make(map[string]*store.TodoItem)
	return count
}

func (p *Planner) PendingCount() int {
	count := 0
	for _, item := range p.items {
		if item.Status != "completed" {
			count++
		}
	}
	return count
}

func (p *Planner) CompletedCount() int {
	return len(p.items) - p.PendingCount()
}

// AllDone reports whether the plan exists and every task is completed.
// An empty list is not "done"; it means no plan was made yet.
func (p *Planner) AllDone() bool {
	return len(p.items) > 0 && p.PendingCount() == 0
}
