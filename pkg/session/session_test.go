package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdhe/llm-media-gateway/pkg/document"
	"github.com/abdhe/llm-media-gateway/pkg/generation"
	"github.com/abdhe/llm-media-gateway/pkg/ledger"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/staging"
	"github.com/abdhe/llm-media-gateway/pkg/upload"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nimage-bytes")

type fixture struct {
	mock    *provider.Mock
	stager  *staging.Stager
	ledger  *ledger.Memory
	deps    Deps
	session *Session
}

func newFixture(t *testing.T, script ...provider.State) *fixture {
	t.Helper()
	mock := provider.NewMock(script...)
	stager, err := staging.New(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("staging.New: %v", err)
	}
	l := ledger.NewMemory()
	up := upload.New(mock, l, upload.Config{
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
		PollRetries:  1,
		RetryBase:    time.Millisecond,
		RetryMax:     time.Millisecond,
	}, nil)
	inv := generation.New(generation.Config{
		Generators: map[string]provider.Generator{"mock": mock},
		Fallback:   "mock",
		Timeout:    time.Second,
	}, nil)
	deps := Deps{Stager: stager, Uploader: up, Generator: inv, CleanupTimeout: time.Second}
	s := New(deps, mockDefaults())
	t.Cleanup(s.Close)
	return &fixture{mock: mock, stager: stager, ledger: l, deps: deps, session: s}
}

func mockDefaults() provider.GenerationConfig {
	cfg := provider.DefaultGenerationConfig()
	cfg.ModelID = "mock-1"
	return cfg
}

func imageTurn(prompt string) Turn {
	return Turn{
		Kind:   provider.MediaImage,
		Prompt: prompt,
		Files:  []File{{Name: "photo.png", MIMEType: "image/png", Body: bytes.NewReader(pngBytes)}},
	}
}

func chatTurn(prompt string) Turn {
	return Turn{Kind: provider.MediaChat, Prompt: prompt}
}

func (f *fixture) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.stager.Root, f.session.ID))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func submit(t *testing.T, s *Session, turn Turn) TurnResult {
	t.Helper()
	res, err := s.Submit(context.Background(), turn)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func indexOf(events []string, prefix string) int {
	for i, e := range events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

// Image upload polled through PROCESSING twice, then one generate and one delete.
func TestImageTurnReady(t *testing.T) {
	f := newFixture(t, provider.StateProcessing, provider.StateProcessing, provider.StateReady)
	turn := imageTurn("describe this")
	turn.Config = mockDefaults()
	turn.Config.Temperature = 1.0

	res := submit(t, f.session, turn)
	if res.Err != nil {
		t.Fatalf("turn failed: %v", res.Err)
	}
	want := []TurnState{TurnIdle, TurnAwaitingInput, TurnUploading, TurnProcessing, TurnReady, TurnGenerating, TurnDone}
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v, want %v", res.States, want)
	}

	gens := f.mock.Generations()
	if len(gens) != 1 {
		t.Fatalf("generate calls = %d, want 1", len(gens))
	}
	if gens[0].Handle == nil || gens[0].Handle.ID != "files/mock-1" || gens[0].Prompt != "describe this" {
		t.Fatalf("generate content = %+v", gens[0])
	}
	if res.Text != "mock answer about files/mock-1: describe this" {
		t.Fatalf("text = %q", res.Text)
	}
	if f.mock.Deletes() != 1 {
		t.Fatalf("deletes = %d, want 1", f.mock.Deletes())
	}
	events := f.mock.Events()
	if events[len(events)-1] != "delete:files/mock-1" {
		t.Fatalf("last event = %q, want delete after generate (events %v)", events[len(events)-1], events)
	}
	if indexOf(events, "generate:") > indexOf(events, "delete:") {
		t.Fatalf("delete issued before generate: %v", events)
	}
	if n := f.stagedFiles(t); n != 0 {
		t.Fatalf("%d staged files left after turn", n)
	}
	if pending, _ := f.ledger.Pending(context.Background()); len(pending) != 0 {
		t.Fatalf("ledger still tracks %v", pending)
	}
	if len(f.session.History()) != 0 {
		t.Fatal("media turn wrote history")
	}
}

// Upload reaches FAILED after two polls: no generate, handle still deleted.
func TestImageTurnProcessingFailed(t *testing.T) {
	f := newFixture(t, provider.StateProcessing, provider.StateFailed)
	res := submit(t, f.session, imageTurn("describe this"))

	if !errors.Is(res.Err, provider.ErrProcessingFailed) {
		t.Fatalf("expected processing failure, got %v", res.Err)
	}
	if res.State != TurnError {
		t.Fatalf("state = %s, want ERROR", res.State)
	}
	want := []TurnState{TurnIdle, TurnAwaitingInput, TurnUploading, TurnProcessing, TurnFailed, TurnError}
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v, want %v", res.States, want)
	}
	if n := len(f.mock.Generations()); n != 0 {
		t.Fatalf("generate calls = %d, want 0", n)
	}
	if f.mock.Deletes() != 1 {
		t.Fatalf("deletes = %d, want 1", f.mock.Deletes())
	}
	if res.Message != provider.UserMessage(res.Err) || res.Message == "" {
		t.Fatalf("message = %q", res.Message)
	}
}

// Three PDFs merged into one inline document; no remote object involved.
func TestPDFTurnInline(t *testing.T) {
	f := newFixture(t)
	var files []File
	for i := 0; i < 3; i++ {
		files = append(files, File{Name: fmt.Sprintf("part%d.pdf", i), MIMEType: "application/pdf", Body: bytes.NewReader(minimalPDF())})
	}
	res := submit(t, f.session, Turn{Kind: provider.MediaPDF, Prompt: "What is the summary?", Files: files})
	if res.Err != nil {
		t.Fatalf("turn failed: %v", res.Err)
	}
	want := []TurnState{TurnIdle, TurnGenerating, TurnDone}
	if !reflect.DeepEqual(res.States, want) {
		t.Fatalf("states = %v, want %v", res.States, want)
	}

	gens := f.mock.Generations()
	if len(gens) != 1 {
		t.Fatalf("generate calls = %d, want 1", len(gens))
	}
	inline := gens[0].Inline
	if inline == nil || gens[0].Handle != nil || inline.MIMEType != "application/pdf" {
		t.Fatalf("content = %+v", gens[0])
	}
	pages, err := document.PageCount(bytes.NewReader(inline.Data))
	if err != nil || pages != 3 {
		t.Fatalf("inline document pages = %d, %v; want 3", pages, err)
	}
	if f.mock.Uploads() != 0 || f.mock.Deletes() != 0 {
		t.Fatalf("uploads/deletes = %d/%d, want 0/0", f.mock.Uploads(), f.mock.Deletes())
	}
	if res.PromptTokens == 0 {
		t.Fatal("prompt tokens not counted")
	}
}

// Five chat turns leave ten history entries in submission order.
func TestChatTurnsAccumulateHistory(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		res := submit(t, f.session, chatTurn(fmt.Sprintf("question %d", i)))
		if res.Err != nil {
			t.Fatalf("turn %d failed: %v", i, res.Err)
		}
		if !reflect.DeepEqual(res.States, []TurnState{TurnIdle, TurnGenerating, TurnDone}) {
			t.Fatalf("turn %d states = %v", i, res.States)
		}
	}

	history := f.session.History()
	if len(history) != 10 {
		t.Fatalf("history length = %d, want 10", len(history))
	}
	for i := 0; i < 5; i++ {
		user, reply := history[2*i], history[2*i+1]
		q := fmt.Sprintf("question %d", i+1)
		if !user.IsUser || user.Text != q {
			t.Fatalf("entry %d = %+v, want user %q", 2*i, user, q)
		}
		if reply.IsUser || reply.Text != "mock reply: "+q {
			t.Fatalf("entry %d = %+v, want reply to %q", 2*i+1, reply, q)
		}
	}

	gens := f.mock.Generations()
	if got := len(gens[4].History); got != 8 {
		t.Fatalf("fifth turn saw %d history entries, want 8", got)
	}
}

func TestChatFailureLeavesHistoryUntouched(t *testing.T) {
	f := newFixture(t)
	f.mock.GenerateFunc = func(context.Context, provider.Content, provider.GenerationConfig) (provider.Result, error) {
		return provider.Result{}, provider.Errorf(provider.KindGeneration, "mock", "quota exceeded")
	}
	res := submit(t, f.session, chatTurn("hello"))
	if !errors.Is(res.Err, provider.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", res.Err)
	}
	if !strings.Contains(res.Message, "quota exceeded") {
		t.Fatalf("message = %q", res.Message)
	}
	if n := len(f.session.History()); n != 0 {
		t.Fatalf("history length = %d after failed turn", n)
	}
}

func TestGenerationFailureStillDeletes(t *testing.T) {
	f := newFixture(t, provider.StateReady)
	f.mock.GenerateFunc = func(context.Context, provider.Content, provider.GenerationConfig) (provider.Result, error) {
		return provider.Result{}, provider.Errorf(provider.KindGeneration, "mock", "content blocked")
	}
	res := submit(t, f.session, imageTurn("describe"))
	if res.State != TurnError || !errors.Is(res.Err, provider.ErrGeneration) {
		t.Fatalf("result = %+v", res)
	}
	if f.mock.Deletes() != 1 {
		t.Fatalf("deletes = %d, want 1", f.mock.Deletes())
	}
}

func TestDeletesMatchUploads(t *testing.T) {
	f := newFixture(t, provider.StateProcessing, provider.StateReady)
	calls := 0
	f.mock.GenerateFunc = func(_ context.Context, c provider.Content, _ provider.GenerationConfig) (provider.Result, error) {
		calls++
		if calls%2 == 0 {
			return provider.Result{}, provider.Errorf(provider.KindGeneration, "mock", "rejected")
		}
		return provider.Result{Text: "ok"}, nil
	}
	for i := 0; i < 6; i++ {
		submit(t, f.session, imageTurn(fmt.Sprintf("turn %d", i)))
	}
	submit(t, f.session, chatTurn("no upload here"))

	if f.mock.Uploads() != 6 {
		t.Fatalf("uploads = %d, want 6", f.mock.Uploads())
	}
	if f.mock.Deletes() != f.mock.Uploads() {
		t.Fatalf("deletes = %d, uploads = %d", f.mock.Deletes(), f.mock.Uploads())
	}
}

func TestTurnsRunInSubmissionOrder(t *testing.T) {
	f := newFixture(t, provider.StateReady)
	gate := make(chan struct{})
	started := make(chan struct{})
	f.mock.GenerateFunc = func(_ context.Context, c provider.Content, _ provider.GenerationConfig) (provider.Result, error) {
		if c.Prompt == "first" {
			close(started)
			<-gate
		}
		return provider.Result{Text: "done " + c.Prompt}, nil
	}

	var wg sync.WaitGroup
	results := make([]TurnResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.session.Submit(context.Background(), imageTurn("first"))
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = f.session.Submit(context.Background(), chatTurn("second"))
	}()

	time.Sleep(30 * time.Millisecond)
	if n := len(f.mock.Generations()); n != 1 {
		t.Fatalf("second turn generated while first was running (%d calls)", n)
	}
	close(gate)
	wg.Wait()

	events := f.mock.Events()
	if indexOf(events, "delete:files/mock-1") > indexOf(events, "generate:second") {
		t.Fatalf("first turn cleanup interleaved with second turn: %v", events)
	}
	if results[0].Text != "done first" || results[1].Text != "done second" {
		t.Fatalf("results = %+v", results)
	}
}

func TestCancelledTurnStillReleasesHandle(t *testing.T) {
	f := newFixture(t, provider.StateProcessing)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := f.session.Submit(ctx, imageTurn("never ready"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.Err)
	}
	if f.mock.Deletes() != 1 {
		t.Fatalf("deletes = %d, want 1", f.mock.Deletes())
	}
	if len(f.mock.Generations()) != 0 {
		t.Fatal("generate called for a cancelled turn")
	}
}

func TestInvalidTurns(t *testing.T) {
	f := newFixture(t)
	two := imageTurn("two files")
	two.Files = append(two.Files, File{Name: "b.png", MIMEType: "image/png", Body: bytes.NewReader(pngBytes)})
	badCfg := chatTurn("hot")
	badCfg.Config = mockDefaults()
	badCfg.Config.TopP = 1.5

	cases := []struct {
		name string
		turn Turn
	}{
		{"empty prompt", chatTurn("  ")},
		{"two images", two},
		{"pdf without files", Turn{Kind: provider.MediaPDF, Prompt: "summary"}},
		{"wrong file type", Turn{Kind: provider.MediaAudio, Prompt: "x", Files: []File{{Name: "a.png", MIMEType: "image/png", Body: bytes.NewReader(pngBytes)}}}},
		{"bad config", badCfg},
		{"chat with files", Turn{Kind: provider.MediaChat, Prompt: "x", Files: []File{{Name: "a.png", MIMEType: "image/png", Body: bytes.NewReader(pngBytes)}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := submit(t, f.session, tc.turn)
			if !errors.Is(res.Err, provider.ErrInvalid) || res.State != TurnError {
				t.Fatalf("result = %+v", res)
			}
		})
	}
	if f.mock.Uploads() != 0 || len(f.mock.Generations()) != 0 {
		t.Fatal("provider called for invalid turns")
	}
	if n := f.stagedFiles(t); n != 0 {
		t.Fatalf("%d staged files left behind", n)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t)
	f.session.Close()
	if _, err := f.session.Submit(context.Background(), chatTurn("hello")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionCountTokens(t *testing.T) {
	f := newFixture(t)
	n, err := f.session.CountTokens(context.Background(), Turn{
		Kind:   provider.MediaPDF,
		Prompt: "summary",
		Files:  []File{{Name: "a.pdf", MIMEType: "application/pdf", Body: bytes.NewReader(minimalPDF())}},
	})
	if err != nil || n <= 1 {
		t.Fatalf("CountTokens = %d, %v", n, err)
	}
	if c := f.stagedFiles(t); c != 0 {
		t.Fatalf("%d staged files left after counting", c)
	}
}

// minimalPDF builds a one-page PDF with a correct cross-reference table.
func minimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] /Resources << >> >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestStalledTokenCountDoesNotDelayGeneration(t *testing.T) {
	mock := provider.NewMock()
	mock.CountFunc = func(ctx context.Context, _ provider.Content, _ provider.GenerationConfig) (int32, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	inv := generation.New(generation.Config{
		Generators:   map[string]provider.Generator{"mock": mock},
		Fallback:     "mock",
		Timeout:      time.Minute,
		CountTimeout: 20 * time.Millisecond,
	}, nil)
	s := New(Deps{Generator: inv}, mockDefaults())
	t.Cleanup(s.Close)

	start := time.Now()
	res := submit(t, s, chatTurn("hello"))
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("turn took %s behind a stalled token count", elapsed)
	}
	if res.Err != nil || res.Text != "mock reply: hello" {
		t.Fatalf("result = %+v", res)
	}
	if res.PromptTokens != 0 {
		t.Fatalf("PromptTokens = %d, want 0 after a failed count", res.PromptTokens)
	}
}

func TestMergeDocuments(t *testing.T) {
	f := newFixture(t)
	files := []File{
		{Name: "a.pdf", MIMEType: "application/pdf", Body: bytes.NewReader(minimalPDF())},
		{Name: "b.pdf", MIMEType: "application/pdf", Body: bytes.NewReader(minimalPDF())},
	}
	data, err := f.session.MergeDocuments(files)
	if err != nil {
		t.Fatalf("MergeDocuments: %v", err)
	}
	if pages, err := document.PageCount(bytes.NewReader(data)); err != nil || pages != 2 {
		t.Fatalf("PageCount = %d, %v; want 2", pages, err)
	}
	if n := f.stagedFiles(t); n != 0 {
		t.Fatalf("%d staged files left behind", n)
	}
	if f.mock.Uploads() != 0 || len(f.mock.Generations()) != 0 {
		t.Fatal("merge reached the provider")
	}

	if _, err := f.session.MergeDocuments(nil); !errors.Is(err, provider.ErrInvalid) {
		t.Fatalf("empty merge = %v, want invalid", err)
	}
	png := []File{{Name: "a.png", MIMEType: "image/png", Body: bytes.NewReader(pngBytes)}}
	if _, err := f.session.MergeDocuments(png); !errors.Is(err, provider.ErrInvalid) {
		t.Fatalf("image merge = %v, want invalid", err)
	}
}
