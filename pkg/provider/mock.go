package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Mock is an in-process ObjectStore and Generator for local runs and tests.
// Every upload replays Script as its sequence of polled states; an empty
// script makes objects READY on the first poll.
type Mock struct {
	mu sync.Mutex

	Script []State
	// GenerateFunc overrides the canned response when set.
	GenerateFunc func(ctx context.Context, content Content, cfg GenerationConfig) (Result, error)
	// UploadErr and StateErrs inject failures; StateErrs are consumed one per poll.
	UploadErr error
	StateErrs []error
	CountErr  error
	// CountFunc overrides the token estimate when set.
	CountFunc func(ctx context.Context, content Content, cfg GenerationConfig) (int32, error)

	seq       int
	objects   map[string]*mockObject
	uploads   int
	deletes   int
	generates []Content
	events    []string
}

type mockObject struct {
	handle  Handle
	script  []State
	deleted bool
	data    []byte
}

// NewMock returns a Mock whose uploads follow script.
func NewMock(script ...State) *Mock {
	return &Mock{Script: script, objects: make(map[string]*mockObject)}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Upload(ctx context.Context, r io.Reader, mimeType, displayName string) (*Handle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Wrap(KindTransport, "mock: upload", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		m.events = append(m.events, "upload-error")
		return nil, m.UploadErr
	}
	if m.objects == nil {
		m.objects = make(map[string]*mockObject)
	}
	m.seq++
	m.uploads++
	h := Handle{
		ID:        fmt.Sprintf("files/mock-%d", m.seq),
		URI:       fmt.Sprintf("mock://files/mock-%d", m.seq),
		MIMEType:  mimeType,
		State:     StateUploading,
		Owner:     "mock",
		CreatedAt: time.Now(),
	}
	m.objects[h.ID] = &mockObject{handle: h, script: append([]State(nil), m.Script...), data: data}
	m.events = append(m.events, "upload:"+h.ID)
	out := h
	return &out, nil
}

func (m *Mock) State(ctx context.Context, h *Handle) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", Wrap(KindTransport, "mock: state", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[h.ID]
	if !ok || obj.deleted {
		return "", Errorf(KindNotFound, "mock: state", "%s not found", h.ID)
	}
	m.events = append(m.events, "poll:"+h.ID)
	if len(m.StateErrs) > 0 {
		err := m.StateErrs[0]
		m.StateErrs = m.StateErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(obj.script) == 0 {
		obj.handle.State = StateReady
		return StateReady, nil
	}
	st := obj.script[0]
	if len(obj.script) > 1 {
		obj.script = obj.script[1:]
	}
	obj.handle.State = st
	return st, nil
}

func (m *Mock) Delete(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[h.ID]
	if !ok || obj.deleted {
		m.events = append(m.events, "delete-missing:"+h.ID)
		return Errorf(KindNotFound, "mock: delete", "%s not found", h.ID)
	}
	obj.deleted = true
	m.deletes++
	m.events = append(m.events, "delete:"+h.ID)
	return nil
}

func (m *Mock) Generate(ctx context.Context, content Content, cfg GenerationConfig) (Result, error) {
	if err := content.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.generates = append(m.generates, content)
	m.events = append(m.events, "generate:"+content.Prompt)
	fn := m.GenerateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, content, cfg)
	}
	switch {
	case content.Handle != nil:
		return Result{Text: fmt.Sprintf("mock answer about %s: %s", content.Handle.ID, content.Prompt)}, nil
	case content.Inline != nil:
		return Result{Text: fmt.Sprintf("mock answer about a %d byte %s document: %s", len(content.Inline.Data), content.Inline.MIMEType, content.Prompt)}, nil
	default:
		return Result{Text: "mock reply: " + content.Prompt}, nil
	}
}

func (m *Mock) CountTokens(ctx context.Context, content Content, cfg GenerationConfig) (int32, error) {
	m.mu.Lock()
	fn := m.CountFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, content, cfg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	n := len(content.Prompt) / 4
	if content.Inline != nil {
		n += len(content.Inline.Data) / 4
	}
	return int32(n) + 1, nil
}

// Uploads returns the number of successful uploads.
func (m *Mock) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Deletes returns the number of effective deletions.
func (m *Mock) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

// Generations returns a copy of every content passed to Generate.
func (m *Mock) Generations() []Content {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Content(nil), m.generates...)
}

// Events returns the ordered call log ("upload:<id>", "poll:<id>",
// "generate:<prompt>", "delete:<id>").
func (m *Mock) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// Live reports whether the object behind id exists and is not deleted.
func (m *Mock) Live(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	return ok && !obj.deleted
}
