package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseMediaKind(t *testing.T) {
	cases := []struct {
		in   string
		want MediaKind
	}{
		{"PDF files", MediaPDF},
		{"pdf", MediaPDF},
		{" Images ", MediaImage},
		{"Video, mp4 file", MediaVideo},
		{"Audio files", MediaAudio},
		{"", MediaChat},
		{"text", MediaChat},
	}
	for _, tc := range cases {
		got, err := ParseMediaKind(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseMediaKind(%q) = %q, %v, want %q", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseMediaKind("hologram"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestRemoteProcessing(t *testing.T) {
	for k, want := range map[MediaKind]bool{
		MediaImage: true, MediaVideo: true, MediaAudio: true,
		MediaPDF: false, MediaChat: false,
	} {
		if got := k.RemoteProcessing(); got != want {
			t.Fatalf("%s.RemoteProcessing() = %v, want %v", k, got, want)
		}
	}
}

func TestGenerationConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*GenerationConfig)
		ok     bool
	}{
		{"defaults", func(*GenerationConfig) {}, true},
		{"edges", func(c *GenerationConfig) { c.Temperature, c.TopP, c.MaxOutputTokens = 2, 0, 100 }, true},
		{"no model", func(c *GenerationConfig) { c.ModelID = " " }, false},
		{"hot", func(c *GenerationConfig) { c.Temperature = 2.1 }, false},
		{"top_p", func(c *GenerationConfig) { c.TopP = 1.5 }, false},
		{"few tokens", func(c *GenerationConfig) { c.MaxOutputTokens = 99 }, false},
		{"many tokens", func(c *GenerationConfig) { c.MaxOutputTokens = 5001 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultGenerationConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestContentValidate(t *testing.T) {
	ready := &Handle{ID: "files/1", State: StateReady}
	cases := []struct {
		name    string
		content Content
		ok      bool
	}{
		{"prompt only", Content{Prompt: "hi"}, true},
		{"ready handle", Content{Prompt: "hi", Handle: ready}, true},
		{"empty prompt", Content{Prompt: "  ", Handle: ready}, false},
		{"both", Content{Prompt: "hi", Handle: ready, Inline: &InlineData{}}, false},
		{"processing handle", Content{Prompt: "hi", Handle: &Handle{ID: "files/2", State: StateProcessing}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.content.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestMockReplaysScriptAndDeletesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMock(StateProcessing, StateReady)
	h, err := m.Upload(ctx, strings.NewReader("data"), "image/png", "a.png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	for _, want := range []State{StateProcessing, StateReady, StateReady} {
		got, err := m.State(ctx, h)
		if err != nil || got != want {
			t.Fatalf("State = %s, %v, want %s", got, err, want)
		}
	}
	if err := m.Delete(ctx, h); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, h); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want not found", err)
	}
	if _, err := m.State(ctx, h); !errors.Is(err, ErrNotFound) {
		t.Fatalf("State after delete = %v, want not found", err)
	}
	if m.Deletes() != 1 || m.Live(h.ID) {
		t.Fatalf("deletes = %d live = %v", m.Deletes(), m.Live(h.ID))
	}
}
