package session

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/aide/media"
)

func TestDecodeCombinedFrameOrdersEvents(t *testing.T) {
	frame := []byte(`{
		"serverContent": {
			"interrupted": true,
			"inputTranscription": {"text": "user said"},
			"outputTranscription": {"text": "model said"},
			"modelTurn": {
				"parts": [
					{"inlineData": {"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
					{"text": "and wrote"}
				]
			},
			"turnComplete": true
		}
	}`)

	events, err := decodeServerMessage(frame)
	require.NoError(t, err)
	require.Len(t, events, 6)

	assert.IsType(t, interruptedEvent{}, events[0])
	assert.Equal(t, inputTranscriptEvent{Text: "user said"}, events[1])
	assert.Equal(t, outputTranscriptEvent{Text: "model said"}, events[2])
	assert.Equal(t, audioEvent{MimeType: "audio/pcm;rate=24000", Data: "AAAA"}, events[3])
	assert.Equal(t, outputTranscriptEvent{Text: "and wrote"}, events[4])
	assert.IsType(t, turnCompleteEvent{}, events[5])
}

func TestDecodeSetupComplete(t *testing.T) {
	events, err := decodeServerMessage([]byte(`{"setupComplete": {}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.IsType(t, setupCompleteEvent{}, events[0])
}

func TestDecodeToolCallBatch(t *testing.T) {
	frame := []byte(`{
		"toolCall": {
			"functionCalls": [
				{"id": "a", "name": "echo", "args": {"x": 1}},
				{"id": "b", "name": "save_file"}
			]
		}
	}`)

	events, err := decodeServerMessage(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)

	tc, ok := events[0].(toolCallEvent)
	require.True(t, ok)
	require.Len(t, tc.Calls, 2)
	assert.Equal(t, "a", tc.Calls[0].ID)
	assert.Equal(t, "echo", tc.Calls[0].Name)
	assert.JSONEq(t, `{"x":1}`, string(tc.Calls[0].Args))
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := decodeServerMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeEmptyFrame(t *testing.T) {
	events, err := decodeServerMessage([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestChunkToInputText(t *testing.T) {
	in := chunkToInput(media.TextChunk("hello"))
	assert.Equal(t, "hello", in.Text)
	assert.Empty(t, in.MediaChunks)
}

func TestChunkToInputMedia(t *testing.T) {
	in := chunkToInput(media.AudioChunk([]byte{1, 2, 3}, "audio/pcm;rate=16000"))
	require.Len(t, in.MediaChunks, 1)
	assert.Equal(t, "audio/pcm;rate=16000", in.MediaChunks[0].MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), in.MediaChunks[0].Data)
}
