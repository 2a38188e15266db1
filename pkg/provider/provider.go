// Package provider defines the remote object store and generation interfaces
// the gateway drives, plus the shared request/response types.
package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// State is the provider-reported processing state of a remote object.
type State string

const (
	StateUploading  State = "UPLOADING"
	StateProcessing State = "PROCESSING"
	StateReady      State = "READY"
	StateFailed     State = "FAILED"
)

// Terminal reports whether polling should stop at s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// MediaKind is the media type selected for a turn.
type MediaKind string

const (
	MediaPDF   MediaKind = "pdf"
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaChat  MediaKind = "chat"
)

// ParseMediaKind accepts the short selection names as well as the labels of
// the original sidebar radio.
func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pdf", "pdfs", "pdf files":
		return MediaPDF, nil
	case "image", "images":
		return MediaImage, nil
	case "video", "videos", "video, mp4 file":
		return MediaVideo, nil
	case "audio", "audio files":
		return MediaAudio, nil
	case "chat", "text", "":
		return MediaChat, nil
	default:
		return "", Errorf(KindInvalid, "parse media kind", "unknown media type %q", s)
	}
}

// RemoteProcessing reports whether media of this kind goes through the
// upload/poll cycle. PDFs are sent inline and chat turns carry no media.
func (k MediaKind) RemoteProcessing() bool {
	return k == MediaImage || k == MediaVideo || k == MediaAudio
}

// Handle references a provider-hosted copy of an uploaded file.
type Handle struct {
	ID       string `json:"id"`
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
	State    State  `json:"state"`
	// Owner identifies the credentials that created the object. Later
	// state, delete and generate calls must use the same credentials.
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handle) String() string {
	if h == nil {
		return "<nil>"
	}
	return h.ID
}

// GenerationConfig holds the sampling parameters for one turn.
type GenerationConfig struct {
	ModelID         string  `json:"model" toml:"model"`
	Temperature     float32 `json:"temperature" toml:"temperature"`
	TopP            float32 `json:"top_p" toml:"top_p"`
	MaxOutputTokens int32   `json:"max_output_tokens" toml:"max_output_tokens"`
}

// DefaultGenerationConfig mirrors the defaults of the configuration sliders.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		ModelID:         "gemini-1.5-flash",
		Temperature:     1.0,
		TopP:            0.94,
		MaxOutputTokens: 2000,
	}
}

// Validate checks every parameter against the ranges the UI exposes.
func (c GenerationConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ModelID) == "":
		return Errorf(KindInvalid, "validate config", "model id is required")
	case c.Temperature < 0 || c.Temperature > 2:
		return Errorf(KindInvalid, "validate config", "temperature %.2f outside [0,2]", c.Temperature)
	case c.TopP < 0 || c.TopP > 1:
		return Errorf(KindInvalid, "validate config", "top_p %.2f outside [0,1]", c.TopP)
	case c.MaxOutputTokens < 100 || c.MaxOutputTokens > 5000:
		return Errorf(KindInvalid, "validate config", "max output tokens %d outside [100,5000]", c.MaxOutputTokens)
	}
	return nil
}

// InlineData is a document sent with the request body instead of by reference.
type InlineData struct {
	MIMEType string
	Data     []byte
}

// Message is one entry of a conversation.
type Message struct {
	Text   string    `json:"text"`
	IsUser bool      `json:"is_user"`
	At     time.Time `json:"at"`
}

// Content is the input of a generation call. At most one of Handle and
// Inline is set; History is only used for conversational turns.
type Content struct {
	Prompt  string
	Handle  *Handle
	Inline  *InlineData
	History []Message
}

// Validate reports whether c is a well-formed generation input.
func (c Content) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return Errorf(KindInvalid, "validate content", "prompt is empty")
	}
	if c.Handle != nil && c.Inline != nil {
		return Errorf(KindInvalid, "validate content", "content carries both a remote handle and inline data")
	}
	if c.Handle != nil && c.Handle.State != StateReady {
		return Errorf(KindInvalid, "validate content", "handle %s is %s, not READY", c.Handle.ID, c.Handle.State)
	}
	return nil
}

// Result is a completed generation.
type Result struct {
	Text         string
	PromptTokens int32
	OutputTokens int32
}

// ObjectStore is the provider-side file storage.
type ObjectStore interface {
	// Upload creates a remote object from r. The returned handle is in
	// UPLOADING or PROCESSING state (or READY for small files).
	Upload(ctx context.Context, r io.Reader, mimeType, displayName string) (*Handle, error)

	// State returns the current processing state. Deleted handles yield
	// an error of kind KindNotFound.
	State(ctx context.Context, h *Handle) (State, error)

	// Delete removes the remote object.
	Delete(ctx context.Context, h *Handle) error
}

// Generator is a text generation backend.
type Generator interface {
	// Name returns a human-readable identifier (e.g. "gemini", "openai").
	Name() string

	// Generate performs one request/response generation call. The context
	// should carry a deadline.
	Generate(ctx context.Context, content Content, cfg GenerationConfig) (Result, error)

	// CountTokens reports the prompt token count of content. Informational.
	CountTokens(ctx context.Context, content Content, cfg GenerationConfig) (int32, error)
}

func displayNameOrDefault(name, mimeType string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fmt.Sprintf("upload-%d%s", time.Now().UnixNano(), extensionHint(mimeType))
}

func extensionHint(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return "." + mimeType[i+1:]
	}
	return ""
}
