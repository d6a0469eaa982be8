package session

import "strings"

// transcript accumulates streamed transcription deltas for the turn in
// progress. Input text buffers until the turn completes; output text
// streams into an open assistant message identified by openOutputID.
// Access is serialized by the controller's mutex.
type transcript struct {
	input        strings.Builder
	output       strings.Builder
	openOutputID string
}

func (t *transcript) addInput(delta string) {
	t.input.WriteString(delta)
}

// addOutput appends a delta and returns the full output text so far.
func (t *transcript) addOutput(delta string) string {
	t.output.WriteString(delta)
	return t.output.String()
}

func (t *transcript) takeInput() string {
	text := t.input.String()
	t.input.Reset()
	return text
}

func (t *transcript) reset() {
	t.input.Reset()
	t.output.Reset()
	t.openOutputID = ""
}

// closeTurn ends the open assistant message without discarding any
// buffered input.
func (t *transcript) closeTurn() {
	t.output.Reset()
	t.openOutputID = ""
}
