package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// RegisterBuiltins installs the core tool set: shell execution, file
// read/write, and file search. Relative paths resolve against the
// workspace.
func RegisterBuiltins(registry *Registry, workspace string) error {
	builtins := []struct {
		desc    Descriptor
		handler Handler
	}{
		{
			desc: Descriptor{
				Name:        "execute",
				Description: "Run a shell command in the workspace and return stdout, stderr, and the return code.",
				Category:    "code",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"command": {"type": "string", "description": "Shell command to run"}
					},
					"required": ["command"]
				}`),
				Positional:  []string{"command"},
				SideEffects: SideEffectExternal,
			},
			handler: executeHandler(workspace),
		},
		{
			desc: Descriptor{
				Name:        "enhanced_read",
				Description: "Read a file, optionally with line numbers and a line cap.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"show_line_numbers": {"type": "boolean"},
						"max_lines": {"type": "integer"}
					},
					"required": ["path"]
				}`),
				Positional:  []string{"path", "show_line_numbers", "max_lines"},
				SideEffects: SideEffectNone,
			},
			handler: readHandler(workspace),
		},
		{
			desc: Descriptor{
				Name:        "enhanced_write",
				Description: "Write content to a file, creating parent directories as needed.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string"},
						"content": {"type": "string"}
					},
					"required": ["path", "content"]
				}`),
				Positional:  []string{"path", "content"},
				SideEffects: SideEffectWorkspace,
			},
			handler: writeHandler(workspace),
		},
		{
			desc: Descriptor{
				Name:        "find_files_enhanced",
				Description: "Find files under the workspace matching a glob pattern on the base name.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"pattern": {"type": "string"},
						"root": {"type": "string"}
					},
					"required": ["pattern"]
				}`),
				Positional:  []string{"pattern", "root"},
				SideEffects: SideEffectNone,
			},
			handler: findHandler(workspace),
		},
	}

	for _, b := range builtins {
		if err := registry.Register(b.desc, b.handler); err != nil {
			return err
		}
	}
	return nil
}

func resolvePath(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

func executeHandler(workspace string) Handler {
	return func(ctx context.Context, input map[string]any) (string, error) {
		command, _ := input["command"].(string)
		if strings.TrimSpace(command) == "" {
			return "", fmt.Errorf("command is required")
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = workspace
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			return "", fmt.Errorf("run command: %w", err)
		}
		out := ShellOutput{Stdout: stdout.String(), Stderr: stderr.String(), ReturnCode: code}
		if code != 0 {
			return "", &ExitError{Output: out}
		}
		return out.Encode(), nil
	}
}

func readHandler(workspace string) Handler {
	return func(_ context.Context, input map[string]any) (string, error) {
		path, _ := input["path"].(string)
		data, err := os.ReadFile(resolvePath(workspace, path))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}

		lines := strings.Split(string(data), "\n")
		maxLines := intField(input, "max_lines")
		truncated := false
		if maxLines > 0 && len(lines) > maxLines {
			lines = lines[:maxLines]
			truncated = true
		}

		if show, _ := input["show_line_numbers"].(bool); show {
			for i, line := range lines {
				lines[i] = fmt.Sprintf("%d: %s", i+1, line)
			}
		}
		out := strings.Join(lines, "\n")
		if truncated {
			out += fmt.Sprintf("\n... (truncated at %d lines)", maxLines)
		}
		return out, nil
	}
}

func writeHandler(workspace string) Handler {
	return func(_ context.Context, input map[string]any) (string, error) {
		path, _ := input["path"].(string)
		content, _ := input["content"].(string)
		full := resolvePath(workspace, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("create directories for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
	}
}

func findHandler(workspace string) Handler {
	return func(ctx context.Context, input map[string]any) (string, error) {
		pattern, _ := input["pattern"].(string)
		if pattern == "" {
			return "", fmt.Errorf("pattern is required")
		}
		root := workspace
		if r, _ := input["root"].(string); r != "" {
			root = resolvePath(workspace, r)
		}

		var matches []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if d.Name() == ".git" || d.Name() == "node_modules" {
					return filepath.SkipDir
				}
				return nil
			}
			if ok, _ := filepath.Match(pattern, d.Name()); ok {
				rel, relErr := filepath.Rel(workspace, path)
				if relErr != nil {
					rel = path
				}
				matches = append(matches, rel)
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("walk %s: %w", root, err)
		}
		sort.Strings(matches)
		if len(matches) == 0 {
			return "No files matched " + pattern, nil
		}
		return strings.Join(matches, "\n"), nil
	}
}

func intField(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
