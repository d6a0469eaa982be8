package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStoreAppendAndSnapshot(t *testing.T) {
	store := NewMessageStore()

	id1 := store.Append(RoleUser, KindText, "hello")
	id2 := store.Append(RoleAssistant, KindText, "hi")

	assert.NotEqual(t, id1, id2)

	msgs := store.Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Text)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestMessageStoreUpdateText(t *testing.T) {
	store := NewMessageStore()

	id := store.Append(RoleAssistant, KindText, "Hel")
	store.UpdateText(id, "Hello")

	assert.Equal(t, "Hello", store.Snapshot()[0].Text)

	// Unknown IDs are a no-op.
	store.UpdateText("missing", "x")
	assert.Equal(t, 1, store.Len())
}

func TestMessageStoreSnapshotIsACopy(t *testing.T) {
	store := NewMessageStore()
	store.Append(RoleUser, KindText, "original")

	msgs := store.Snapshot()
	msgs[0].Text = "mutated"

	assert.Equal(t, "original", store.Snapshot()[0].Text)
}

func TestMessageStoreOnChange(t *testing.T) {
	store := NewMessageStore()
	changes := 0
	store.SetOnChange(func() { changes++ })

	id := store.Append(RoleUser, KindText, "a")
	store.UpdateText(id, "b")
	store.UpdateText("missing", "c")

	assert.Equal(t, 2, changes)
}

func TestMessageStoreArtifact(t *testing.T) {
	store := NewMessageStore()
	store.AppendArtifact("plan.md", "markdown", "# Plan")

	msgs := store.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindArtifact, msgs[0].Kind)
	assert.Equal(t, "plan.md", msgs[0].Title)
	assert.Equal(t, "markdown", msgs[0].Language)
	assert.Equal(t, "# Plan", msgs[0].Text)
}
