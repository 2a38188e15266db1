package session

import (
	"io"

	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

// TurnState is a step of a turn's lifecycle.
type TurnState string

const (
	TurnIdle          TurnState = "IDLE"
	TurnAwaitingInput TurnState = "AWAITING_INPUT"
	TurnUploading     TurnState = "UPLOADING"
	TurnProcessing    TurnState = "PROCESSING"
	TurnReady         TurnState = "READY"
	TurnFailed        TurnState = "FAILED"
	TurnGenerating    TurnState = "GENERATING"
	TurnDone          TurnState = "DONE"
	TurnError         TurnState = "ERROR"
)

func turnStateFor(s provider.State) TurnState {
	switch s {
	case provider.StateUploading:
		return TurnUploading
	case provider.StateProcessing:
		return TurnProcessing
	case provider.StateReady:
		return TurnReady
	case provider.StateFailed:
		return TurnFailed
	}
	return TurnProcessing
}

// File is one inbound upload.
type File struct {
	Name     string
	MIMEType string
	Body     io.Reader
}

// Turn is one user request. A zero Config.ModelID selects the session
// defaults.
type Turn struct {
	Kind   provider.MediaKind
	Prompt string
	Files  []File
	Config provider.GenerationConfig
}

// TurnResult is what a turn produced. Err is set when State is ERROR and
// Message is the text to show the user.
type TurnResult struct {
	ID           string             `json:"turn_id"`
	Kind         provider.MediaKind `json:"media_type"`
	State        TurnState          `json:"state"`
	States       []TurnState        `json:"states"`
	Text         string             `json:"text,omitempty"`
	PromptTokens int32              `json:"prompt_tokens"`
	OutputTokens int32              `json:"output_tokens"`
	Message      string             `json:"error,omitempty"`
	Err          error              `json:"-"`
}

func (r *TurnResult) enter(s TurnState) {
	if n := len(r.States); n > 0 && r.States[n-1] == s {
		return
	}
	r.States = append(r.States, s)
	r.State = s
}

func (r *TurnResult) fail(err error) {
	r.Err = err
	r.Message = provider.UserMessage(err)
	r.enter(TurnError)
}

func (r *TurnResult) succeed(res provider.Result) {
	r.Text = res.Text
	if res.PromptTokens > 0 {
		r.PromptTokens = res.PromptTokens
	}
	r.OutputTokens = res.OutputTokens
	r.enter(TurnDone)
}
