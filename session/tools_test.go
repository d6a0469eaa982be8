package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolSetRegistrationOrder(t *testing.T) {
	ts := NewToolSet()
	ts.Register(Tool{Declaration: ToolDeclaration{Name: "b"}})
	ts.Register(Tool{Declaration: ToolDeclaration{Name: "a"}})

	decls := ts.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "b", decls[0].Name)
	assert.Equal(t, "a", decls[1].Name)

	_, ok := ts.Handler("missing")
	assert.False(t, ok)
}

func TestRenderArtifactTool(t *testing.T) {
	store := NewMessageStore()
	tool := RenderArtifactTool(store)

	args := json.RawMessage(`{"title": "main.go", "language": "go", "content": "package main"}`)
	result, err := tool.Handler(context.Background(), args)
	require.NoError(t, err)

	res := result.(map[string]any)
	assert.Equal(t, "rendered", res["status"])

	msgs := store.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindArtifact, msgs[0].Kind)
	assert.Equal(t, "main.go", msgs[0].Title)
	assert.Equal(t, "package main", msgs[0].Text)
}

func TestRenderArtifactToolRejectsMissingFields(t *testing.T) {
	tool := RenderArtifactTool(NewMessageStore())

	_, err := tool.Handler(context.Background(), json.RawMessage(`{"title": "x"}`))
	assert.Error(t, err)

	_, err = tool.Handler(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestSaveFileTool(t *testing.T) {
	dir := t.TempDir()
	store := NewMessageStore()
	tool := SaveFileTool(dir, store)

	args := json.RawMessage(`{"filename": "notes.txt", "content": "remember this"}`)
	result, err := tool.Handler(context.Background(), args)
	require.NoError(t, err)

	res := result.(map[string]any)
	assert.Equal(t, "saved", res["status"])

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember this", string(data))

	msgs := store.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindFile, msgs[0].Kind)
}

func TestSaveFileToolFlattensPaths(t *testing.T) {
	dir := t.TempDir()
	tool := SaveFileTool(dir, nil)

	args := json.RawMessage(`{"filename": "../../etc/passwd", "content": "nope"}`)
	_, err := tool.Handler(context.Background(), args)
	require.NoError(t, err)

	// The traversal collapses to the base name inside the directory.
	_, err = os.Stat(filepath.Join(dir, "passwd"))
	assert.NoError(t, err)
}
