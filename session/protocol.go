package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bosley/aide/media"
)

// Wire shapes for the live endpoint. Outbound frames carry exactly one
// of setup, realtimeInput or toolResponse; inbound frames carry one of
// setupComplete, serverContent or toolCall.

type clientMessage struct {
	Setup         *setupPayload  `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setupPayload struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *contentPayload    `json:"systemInstruction,omitempty"`
	Tools                    []toolDeclarations `json:"tools,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type contentPayload struct {
	Parts []partPayload `json:"parts"`
}

type partPayload struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks,omitempty"`
	Text        string       `json:"text,omitempty"`
}

type toolDeclarations struct {
	FunctionDeclarations []ToolDeclaration `json:"functionDeclarations"`
}

// ToolDeclaration is the schema advertised for one callable tool.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCallBatch `json:"toolCall,omitempty"`
}

type serverContent struct {
	ModelTurn           *contentPayload       `json:"modelTurn,omitempty"`
	OutputTranscription *transcriptionPayload `json:"outputTranscription,omitempty"`
	InputTranscription  *transcriptionPayload `json:"inputTranscription,omitempty"`
	Interrupted         bool                  `json:"interrupted,omitempty"`
	TurnComplete        bool                  `json:"turnComplete,omitempty"`
}

type transcriptionPayload struct {
	Text string `json:"text"`
}

type toolCallBatch struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is one inbound tool invocation request.
type FunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// inboundEvent is the typed event stream the controller's state machine
// consumes; one variant per message class.
type inboundEvent interface {
	inboundEventType() string
}

type setupCompleteEvent struct{}

func (setupCompleteEvent) inboundEventType() string { return "setup_complete" }

type interruptedEvent struct{}

func (interruptedEvent) inboundEventType() string { return "interrupted" }

type turnCompleteEvent struct{}

func (turnCompleteEvent) inboundEventType() string { return "turn_complete" }

type outputTranscriptEvent struct{ Text string }

func (outputTranscriptEvent) inboundEventType() string { return "output_transcript" }

type inputTranscriptEvent struct{ Text string }

func (inputTranscriptEvent) inboundEventType() string { return "input_transcript" }

type audioEvent struct {
	MimeType string
	Data     string // base64 PCM
}

func (audioEvent) inboundEventType() string { return "audio" }

type toolCallEvent struct{ Calls []FunctionCall }

func (toolCallEvent) inboundEventType() string { return "tool_call" }

// decodeServerMessage expands one wire frame into its ordered events. A
// single serverContent frame may carry several classes at once; the
// interruption comes first and turn completion last so handlers observe
// them in causal order.
func decodeServerMessage(data []byte) ([]inboundEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode server frame: %w", err)
	}

	var events []inboundEvent

	if msg.SetupComplete != nil {
		events = append(events, setupCompleteEvent{})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			events = append(events, interruptedEvent{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, inputTranscriptEvent{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, outputTranscriptEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "audio/") {
					events = append(events, audioEvent{
						MimeType: part.InlineData.MimeType,
						Data:     part.InlineData.Data,
					})
					continue
				}
				if part.Text != "" {
					events = append(events, outputTranscriptEvent{Text: part.Text})
				}
			}
		}
		if sc.TurnComplete {
			events = append(events, turnCompleteEvent{})
		}
	}

	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		events = append(events, toolCallEvent{Calls: msg.ToolCall.FunctionCalls})
	}

	return events, nil
}

// chunkToInput wraps an outbound media chunk as a realtime input frame.
func chunkToInput(chunk media.Chunk) *realtimeInput {
	if chunk.Kind == media.KindText {
		return &realtimeInput{Text: chunk.Text}
	}
	return &realtimeInput{
		MediaChunks: []inlineData{{
			MimeType: chunk.MimeType,
			Data:     base64.StdEncoding.EncodeToString(chunk.Data),
		}},
	}
}
