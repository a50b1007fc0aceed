package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillworks/deepresearch/internal/llm"
	"github.com/quillworks/deepresearch/internal/store"
)

// TodoBackend is implemented by the research planner. The tool layer stays
// a thin adapter so the planner keeps sole ownership of todo state.
type TodoBackend interface {
	Add(parentID, text string) (store.TodoItem, error)
	Complete(id string) (store.TodoItem, error)
	Update(id, text string) (store.TodoItem, error)
	List() []store.TodoItem
	Clear() int
}

type todoTool struct {
	backend TodoBackend
}

func (t *todoTool) Name() string { return "todo" }

func (t *todoTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "todo",
		Description: "Manage a todo list for research task decomposition. Use this to break down complex research questions into smaller tasks, track progress, and ensure nothing is missed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action":    map[string]any{"type": "string", "description": "Action to perform", "enum": []string{"add", "complete", "update", "list", "clear"}},
				"item_id":   map[string]any{"type": "string", "description": "ID of the todo item (for complete/update actions)"},
				"title":     map[string]any{"type": "string", "description": "Title of the todo item (for add action)"},
				"parent_id": map[string]any{"type": "string", "description": "Parent todo ID for sub-tasks"},
			},
			"required": []string{"action"},
		},
	}
}

func (t *todoTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	action := stringArg(args, "action")
	switch action {
	case "add":
		title := stringArg(args, "title")
		if title == "" {
			return nil, errors.New("title required for add action")
		}
		item, err := t.backend.Add(stringArg(args, "parent_id"), title)
		if err != nil {
			return nil, err
		}
		return map[string]any{"added": item}, nil
	case "complete":
		item, err := t.backend.Complete(stringArg(args, "item_id"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"completed": item}, nil
	case "update":
		title := stringArg(args, "title")
		if title == "" {
			return nil, errors.New("title required for update action")
		}
		item, err := t.backend.Update(stringArg(args, "item_id"), title)
		if err != nil {
			return nil, err
		}
		return map[string]any{"updated": item}, nil
	case "list":
		items := t.backend.List()
		pending, completed := 0, 0
		for _, item := range items {
			switch item.Status {
			case "completed":
				completed++
			default:
				pending++
			}
		}
		return map[string]any{
			"items":           items,
			"pending_count":   pending,
			"completed_count": completed,
		}, nil
	case "clear":
		return map[string]any{"cleared": t.backend.Clear()}, nil
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}
