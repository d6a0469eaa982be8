// Package media defines the outbound chunk type shared by the capture,
// screen and mixer producers and consumed by the session controller.
package media

// Kind discriminates the chunk union.
type Kind int

const (
	KindAudio Kind = iota
	KindImage
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindImage:
		return "image"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Chunk is a single outbound media payload. Audio and image chunks carry
// raw bytes plus a mime type; text chunks carry Text only. A chunk is
// owned by its producer until handed to a Sink, then discarded.
type Chunk struct {
	Kind     Kind
	MimeType string
	Data     []byte
	Text     string
}

// AudioChunk wraps raw PCM bytes.
func AudioChunk(pcm []byte, mimeType string) Chunk {
	return Chunk{Kind: KindAudio, MimeType: mimeType, Data: pcm}
}

// ImageChunk wraps an encoded image.
func ImageChunk(encoded []byte, mimeType string) Chunk {
	return Chunk{Kind: KindImage, MimeType: mimeType, Data: encoded}
}

// TextChunk wraps a text payload.
func TextChunk(text string) Chunk {
	return Chunk{Kind: KindText, Text: text}
}

// Sink receives outbound chunks. Implementations must be safe for calls
// from a single producer goroutine; they must not retain Data.
type Sink interface {
	Write(Chunk) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Chunk) error

func (f SinkFunc) Write(c Chunk) error { return f(c) }
