package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageKind distinguishes ordinary text from tool-produced entries.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindArtifact MessageKind = "artifact"
	KindFile     MessageKind = "file"
)

// Message is one entry in the conversation log. Streaming transcription
// updates a message in place via its ID until the turn closes.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text"`
	Title     string      `json:"title,omitempty"`
	Language  string      `json:"language,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MessageStore holds the ordered conversation log. All methods are safe
// for concurrent use; OnChange fires outside the lock after each
// mutation.
type MessageStore struct {
	mu       sync.Mutex
	messages []Message
	onChange func()
}

func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// SetOnChange registers a notification hook. Must be called before the
// store is shared.
func (s *MessageStore) SetOnChange(fn func()) {
	s.onChange = fn
}

// Append adds a new message and returns its ID.
func (s *MessageStore) Append(role Role, kind MessageKind, text string) string {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.notify()
	return msg.ID
}

// AppendArtifact adds a titled artifact entry, e.g. from a tool call.
func (s *MessageStore) AppendArtifact(title, language, content string) string {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Kind:      KindArtifact,
		Text:      content,
		Title:     title,
		Language:  language,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.notify()
	return msg.ID
}

// UpdateText replaces the text of an existing message. Unknown IDs are
// ignored; the streaming writer may race a Clear.
func (s *MessageStore) UpdateText(id, text string) {
	s.mu.Lock()
	updated := false
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Text = text
			updated = true
			break
		}
	}
	s.mu.Unlock()

	if updated {
		s.notify()
	}
}

// Snapshot returns a copy of the log in order.
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MessageStore) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
