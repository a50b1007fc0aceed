package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/quillworks/deepresearch/internal/llm"
)

const maxShellOutputBytes = 32768

// shellTool runs a command with the run workdir as its working directory.
// Every invocation is capped by a timeout so a hung command cannot stall
// the research loop.
type shellTool struct {
	workdir string
	timeout time.Duration
}

func (t *shellTool) Name() string { return "shell" }

func (t *shellTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "shell",
		Description: "Run a shell command in the run workspace. Useful for inspecting saved files or light data processing. Commands are killed after a timeout.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "The shell command to run"},
			},
			"required": []string{"command"},
		},
	}
}

func (t *shellTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command := stringArg(args, "command")
	if command == "" {
		return nil, errors.New("command is required")
	}
	timeout := t.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workdir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	text := output.String()
	truncated := false
	if len(text) > maxShellOutputBytes {
		text = text[:maxShellOutputBytes]
		truncated = true
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}
	return map[string]any{
		"command":     command,
		"exit_code":   exitCode,
		"output":      text,
		"truncated":   truncated,
		"duration_ms": duration.Milliseconds(),
	}, nil
}
