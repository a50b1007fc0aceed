package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillworks/deepresearch/internal/llm"
)

// workdirPath confines a model-supplied filename to the run workdir.
// Directory components are stripped, so "../../etc/passwd" reads as
// "passwd" inside the workdir.
func workdirPath(workdir, filename string) (string, error) {
	safe := filepath.Base(strings.TrimSpace(filename))
	if safe == "" || safe == "." || safe == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename: %q", filename)
	}
	return filepath.Join(workdir, safe), nil
}

type fileReadTool struct {
	workdir string
}

func (t *fileReadTool) Name() string { return "file_read" }

func (t *fileReadTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "file_read",
		Description: "Read content from a file in the run workspace. Used for reading previously saved content, evidence, etc.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename":   map[string]any{"type": "string", "description": "Name of the file to read"},
				"start_line": map[string]any{"type": "integer", "description": "Starting line number (1-indexed)"},
				"end_line":   map[string]any{"type": "integer", "description": "Ending line number (1-indexed)"},
			},
			"required": []string{"filename"},
		},
	}
}

func (t *fileReadTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	path, err := workdirPath(t.workdir, stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filepath.Base(path))
		}
		return nil, err
	}
	content := string(data)
	lines := strings.Split(content, "\n")

	startLine := intArg(args, "start_line", 0)
	endLine := intArg(args, "end_line", 0)
	if startLine > 0 || endLine > 0 {
		start := startLine
		if start < 1 {
			start = 1
		}
		end := endLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return nil, fmt.Errorf("invalid line range: %d-%d", startLine, endLine)
		}
		lines = lines[start-1 : end]
		content = strings.Join(lines, "\n")
	}
	return map[string]any{
		"filepath":   path,
		"content":    content,
		"line_count": len(lines),
	}, nil
}

type fileWriteTool struct {
	workdir string
}

func (t *fileWriteTool) Name() string { return "file_write" }

func (t *fileWriteTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "file_write",
		Description: "Write content to a file in the run workspace. Used for creating report drafts, saving evidence, etc.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string", "description": "Name of the file to write"},
				"content":  map[string]any{"type": "string", "description": "Content to write to the file"},
				"mode":     map[string]any{"type": "string", "description": "Write mode: 'write' (overwrite) or 'append'", "enum": []string{"write", "append"}},
			},
			"required": []string{"filename", "content"},
		},
	}
}

func (t *fileWriteTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	path, err := workdirPath(t.workdir, stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content is required")
	}
	mode := stringArg(args, "mode")
	if mode == "" {
		mode = "write"
	}
	switch mode {
	case "write":
		err = os.WriteFile(path, []byte(content), 0o644)
	case "append":
		var f *os.File
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, err = f.WriteString(content)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
	default:
		return nil, fmt.Errorf("unknown write mode: %s", mode)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filepath":      path,
		"bytes_written": len(content),
		"mode":          mode,
	}, nil
}

type fileEditTool struct {
	workdir string
}

func (t *fileEditTool) Name() string { return "file_edit" }

func (t *fileEditTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "file_edit",
		Description: "Edit a file using patch-based modifications. More efficient than full rewrites for incremental changes. Specify the old text to replace and the new text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filename": map[string]any{"type": "string", "description": "Name of the file to edit"},
				"old_text": map[string]any{"type": "string", "description": "Text to find and replace"},
				"new_text": map[string]any{"type": "string", "description": "Replacement text"},
			},
			"required": []string{"filename", "old_text", "new_text"},
		},
	}
}

func (t *fileEditTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	path, err := workdirPath(t.workdir, stringArg(args, "filename"))
	if err != nil {
		return nil, err
	}
	oldText, ok := args["old_text"].(string)
	if !ok || oldText == "" {
		return nil, errors.New("old_text is required")
	}
	newText, ok := args["new_text"].(string)
	if !ok {
		return nil, errors.New("new_text is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filepath.Base(path))
		}
		return nil, err
	}
	content := string(data)
	if !strings.Contains(content, oldText) {
		return nil, errors.New("old text not found in file")
	}

	savings := editSavingsPercent(content, oldText, newText)
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{
		"filepath":              path,
		"old_length":            len(oldText),
		"new_length":            len(newText),
		"token_savings_percent": savings,
	}, nil
}

// editSavingsPercent approximates how much cheaper the patch was than
// rewriting the whole document, in whitespace-delimited tokens.
func editSavingsPercent(content, oldText, newText string) float64 {
	docTokens := len(strings.Fields(content))
	if docTokens == 0 {
		return 0
	}
	editTokens := len(strings.Fields(oldText)) + len(strings.Fields(newText))
	savings := (1 - float64(editTokens)/float64(docTokens)) * 100
	if savings < 0 {
		savings = 0
	}
	return savings
}
