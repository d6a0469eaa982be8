package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ToolHandler executes one tool call. The returned value is serialized
// into the function response; an error becomes a structured error
// response instead of killing the session.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a declaration with its handler.
type Tool struct {
	Declaration ToolDeclaration
	Handler     ToolHandler
}

// ToolSet is the registry of callable tools, advertised at setup and
// dispatched against for inbound tool call batches.
type ToolSet struct {
	tools map[string]Tool
	order []string
}

func NewToolSet() *ToolSet {
	return &ToolSet{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous registration of the same
// name.
func (ts *ToolSet) Register(tool Tool) {
	if _, exists := ts.tools[tool.Declaration.Name]; !exists {
		ts.order = append(ts.order, tool.Declaration.Name)
	}
	ts.tools[tool.Declaration.Name] = tool
}

// Declarations returns the advertised schemas in registration order.
func (ts *ToolSet) Declarations() []ToolDeclaration {
	out := make([]ToolDeclaration, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.tools[name].Declaration)
	}
	return out
}

// Handler looks up the handler for a tool name.
func (ts *ToolSet) Handler(name string) (ToolHandler, bool) {
	tool, ok := ts.tools[name]
	if !ok {
		return nil, false
	}
	return tool.Handler, true
}

func (ts *ToolSet) Len() int {
	return len(ts.tools)
}

// RenderArtifactTool surfaces model-produced content (code, documents)
// as a titled artifact entry in the conversation log.
func RenderArtifactTool(store *MessageStore) Tool {
	return Tool{
		Declaration: ToolDeclaration{
			Name:        "render_artifact",
			Description: "Render a titled artifact (code, document, diagram source) into the conversation view.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":    map[string]any{"type": "string"},
					"language": map[string]any{"type": "string"},
					"content":  map[string]any{"type": "string"},
				},
				"required": []string{"title", "content"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var req struct {
				Title    string `json:"title"`
				Language string `json:"language"`
				Content  string `json:"content"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("invalid render_artifact arguments: %w", err)
			}
			if req.Title == "" || req.Content == "" {
				return nil, fmt.Errorf("render_artifact requires title and content")
			}
			id := store.AppendArtifact(req.Title, req.Language, req.Content)
			return map[string]any{"status": "rendered", "id": id}, nil
		},
	}
}

// SaveFileTool writes model-produced content under dir. Paths are
// flattened to their base name so the model cannot escape the directory.
func SaveFileTool(dir string, store *MessageStore) Tool {
	return Tool{
		Declaration: ToolDeclaration{
			Name:        "save_file",
			Description: "Save text content to a file in the workspace directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"filename": map[string]any{"type": "string"},
					"content":  map[string]any{"type": "string"},
				},
				"required": []string{"filename", "content"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var req struct {
				Filename string `json:"filename"`
				Content  string `json:"content"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("invalid save_file arguments: %w", err)
			}
			name := filepath.Base(req.Filename)
			if name == "" || name == "." || name == string(filepath.Separator) {
				return nil, fmt.Errorf("save_file requires a filename")
			}

			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create workspace directory: %w", err)
			}
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(req.Content), 0644); err != nil {
				return nil, fmt.Errorf("failed to write file: %w", err)
			}

			if store != nil {
				store.Append(RoleSystem, KindFile, fmt.Sprintf("Saved %s (%d bytes)", name, len(req.Content)))
			}
			return map[string]any{"status": "saved", "path": path}, nil
		},
	}
}
