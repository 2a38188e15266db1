package upload

import "github.com/abdhe/llm-media-gateway/pkg/provider"

// trail enforces UPLOADING -> PROCESSING -> READY|FAILED on the states the
// provider reports. A terminal state seen straight after UPLOADING implies the
// PROCESSING step; an UPLOADING reported after PROCESSING is treated as
// PROCESSING.
type trail struct {
	states  []provider.State
	last    provider.State
	observe func(provider.State)
}

func (t *trail) see(s provider.State) {
	if t.last.Terminal() {
		return
	}
	switch {
	case s == provider.StateUploading && t.last == provider.StateProcessing:
		s = provider.StateProcessing
	case s.Terminal() && t.last != provider.StateProcessing:
		if t.last == "" {
			t.emit(provider.StateUploading)
		}
		t.emit(provider.StateProcessing)
	case s == provider.StateProcessing && t.last == "":
		t.emit(provider.StateUploading)
	}
	if s != t.last {
		t.emit(s)
	}
}

func (t *trail) emit(s provider.State) {
	t.states = append(t.states, s)
	t.last = s
	if t.observe != nil {
		t.observe(s)
	}
}
