package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mzechner/agentrepl/pkg/message"
)

// --- List Files Tool ---

type ListFilesTool struct{}

func (t *ListFilesTool) Name() string { return "ls" }

func (t *ListFilesTool) Description() string {
	return "List files in a directory. Arguments: path (string)."
}

func (t *ListFilesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The directory path to list."},
		},
		"required": []string{"path"},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error) {
	path, ok := input["path"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'path' is required and must be a string")
	}

	slog.Info("Listing files", "path", path)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		names = append(names, e.Name()+suffix)
	}
	return []message.ContentBlock{message.Text(strings.Join(names, "\n"))}, nil
}

// --- Read File Tool ---

type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Arguments: path (string)."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The file path to read."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error) {
	path, ok := input["path"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'path' is required and must be a string")
	}

	slog.Info("Reading file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []message.ContentBlock{message.Text(string(data))}, nil
}

// --- Write File Tool ---

type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file. Arguments: path (string), content (string)."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "The file path to write to."},
			"content": map[string]any{"type": "string", "description": "The content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error) {
	path, ok := input["path"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'path' is required and must be a string")
	}
	content, ok := input["content"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'content' is required and must be a string")
	}

	slog.Info("Writing file", "path", path, "size", len(content))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return []message.ContentBlock{message.Text(fmt.Sprintf("wrote %d bytes to %s", len(content), path))}, nil
}

// --- Edit File Tool ---

// EditFileTool performs a single exact string replacement, mirroring the
// find/replace contract most coding-agent edit tools expose to the model.
type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace the single occurrence of old_string with new_string in a file; fails if old_string is missing or occurs more than once. Arguments: path, old_string, new_string."
}

func (t *EditFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string", "description": "The file path to edit."},
			"old_string":  map[string]any{"type": "string", "description": "Text to find."},
			"new_string":  map[string]any{"type": "string", "description": "Text to replace it with."},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, input map[string]any) ([]message.ContentBlock, error) {
	path, ok := input["path"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'path' is required and must be a string")
	}
	oldStr, ok := input["old_string"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'old_string' is required and must be a string")
	}
	newStr, ok := input["new_string"].(string)
	if !ok {
		return nil, fmt.Errorf("argument 'new_string' is required and must be a string")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	original := string(data)
	count := strings.Count(original, oldStr)
	if count == 0 {
		return []message.ContentBlock{message.ToolResultText("", fmt.Sprintf("old_string not found in %s", path), true)}, nil
	}
	if count > 1 {
		return []message.ContentBlock{message.ToolResultText("", fmt.Sprintf("old_string is not unique in %s (%d occurrences)", path, count), true)}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	updated := strings.Replace(original, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return []message.ContentBlock{message.Text(fmt.Sprintf("edited %s", path))}, nil
}
