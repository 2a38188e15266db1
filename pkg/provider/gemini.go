package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	genai "github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abdhe/llm-media-gateway/pkg/resilience"
)

// rateLimitCooldown is how long a key stays out of rotation after a 429.
const rateLimitCooldown = 60 * time.Second

// Gemini implements ObjectStore and Generator on top of the Gemini API.
// Each configured API key gets its own client; keys rotate through a
// resilience.KeyPool.
type Gemini struct {
	clients map[string]*genai.Client // owner fingerprint -> client
	owners  map[string]string        // api key -> owner fingerprint
	keys    *resilience.KeyPool
	log     *zap.SugaredLogger
}

// NewGemini creates one client per API key.
func NewGemini(ctx context.Context, apiKeys []string, log *zap.SugaredLogger, opts ...option.ClientOption) (*Gemini, error) {
	if len(apiKeys) == 0 {
		return nil, errors.New("gemini: no API keys configured (set GEMINI_API_KEYS, GOOGLE_API_KEY or GEMINI_API_KEY)")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	g := &Gemini{
		clients: make(map[string]*genai.Client, len(apiKeys)),
		owners:  make(map[string]string, len(apiKeys)),
		keys:    resilience.NewKeyPool(apiKeys),
		log:     log.Named("gemini"),
	}
	for _, key := range apiKeys {
		owner := fingerprint(key)
		if _, ok := g.clients[owner]; ok {
			continue
		}
		client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(key)}, opts...)...)
		if err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("gemini: init client: %w", err)
		}
		g.clients[owner] = client
		g.owners[key] = owner
	}
	g.log.Infow("gemini clients ready", "keys", g.keys.Size())
	return g, nil
}

func (g *Gemini) Name() string { return "gemini" }

// AvailableKeys returns how many API keys are not rate limited right now.
func (g *Gemini) AvailableKeys() int { return g.keys.Available() }

// Close releases every underlying client.
func (g *Gemini) Close() error {
	var errs []error
	for _, c := range g.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// ObjectStore
// ---------------------------------------------------------------------------

func (g *Gemini) Upload(ctx context.Context, r io.Reader, mimeType, displayName string) (*Handle, error) {
	key, client, err := g.next()
	if err != nil {
		return nil, err
	}
	f, err := client.UploadFile(ctx, "", r, &genai.UploadFileOptions{
		DisplayName: displayNameOrDefault(displayName, mimeType),
		MIMEType:    mimeType,
	})
	if err != nil {
		g.noteRateLimit(key, err)
		return nil, classify("gemini: upload", err)
	}
	return &Handle{
		ID:        f.Name,
		URI:       f.URI,
		MIMEType:  f.MIMEType,
		State:     mapFileState(f.State),
		Owner:     g.owners[key],
		CreatedAt: time.Now(),
	}, nil
}

func (g *Gemini) State(ctx context.Context, h *Handle) (State, error) {
	client, err := g.clientFor(h)
	if err != nil {
		return "", err
	}
	f, err := client.GetFile(ctx, h.ID)
	if err != nil {
		return "", classify("gemini: get file", err)
	}
	st := mapFileState(f.State)
	if st == StateFailed && f.Error != nil {
		g.log.Warnw("remote processing failed", "file", h.ID, "error", f.Error.Error())
	}
	return st, nil
}

func (g *Gemini) Delete(ctx context.Context, h *Handle) error {
	client, err := g.clientFor(h)
	if err != nil {
		return err
	}
	if err := client.DeleteFile(ctx, h.ID); err != nil {
		return classify("gemini: delete file", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

func (g *Gemini) Generate(ctx context.Context, content Content, cfg GenerationConfig) (Result, error) {
	if err := content.Validate(); err != nil {
		return Result{}, err
	}
	key, client, err := g.clientForContent(content)
	if err != nil {
		return Result{}, err
	}
	model := g.model(client, cfg)
	parts := contentParts(content)

	var resp *genai.GenerateContentResponse
	if len(content.History) > 0 {
		cs := model.StartChat()
		cs.History = historyContents(content.History)
		resp, err = cs.SendMessage(ctx, parts...)
	} else {
		resp, err = model.GenerateContent(ctx, parts...)
	}
	if err != nil {
		g.noteRateLimit(key, err)
		return Result{}, classifyGeneration("gemini: generate", err)
	}

	text, ok := responseText(resp)
	if !ok {
		return Result{}, Errorf(KindGeneration, "gemini: generate", "empty response")
	}
	res := Result{Text: text}
	if resp.UsageMetadata != nil {
		res.PromptTokens = resp.UsageMetadata.PromptTokenCount
		res.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	return res, nil
}

func (g *Gemini) CountTokens(ctx context.Context, content Content, cfg GenerationConfig) (int32, error) {
	_, client, err := g.clientForContent(content)
	if err != nil {
		return 0, err
	}
	parts := contentParts(content)
	for _, m := range content.History {
		parts = append(parts, genai.Text(m.Text))
	}
	resp, err := g.model(client, cfg).CountTokens(ctx, parts...)
	if err != nil {
		return 0, classify("gemini: count tokens", err)
	}
	return resp.TotalTokens, nil
}

func (g *Gemini) model(client *genai.Client, cfg GenerationConfig) *genai.GenerativeModel {
	model := client.GenerativeModel(cfg.ModelID)
	model.SetTemperature(cfg.Temperature)
	model.SetTopP(cfg.TopP)
	model.SetMaxOutputTokens(cfg.MaxOutputTokens)
	return model
}

// next picks the next API key from the pool.
func (g *Gemini) next() (string, *genai.Client, error) {
	key, err := g.keys.Next()
	if err != nil {
		return "", nil, Wrap(KindTransport, "gemini: select key", err)
	}
	return key, g.clients[g.owners[key]], nil
}

// clientFor returns the client that created h.
func (g *Gemini) clientFor(h *Handle) (*genai.Client, error) {
	if h == nil || h.ID == "" {
		return nil, Errorf(KindInvalid, "gemini", "nil handle")
	}
	if c, ok := g.clients[h.Owner]; ok {
		return c, nil
	}
	if h.Owner == "" && len(g.clients) == 1 {
		for _, c := range g.clients {
			return c, nil
		}
	}
	return nil, Errorf(KindNotFound, "gemini", "no client for owner %q of %s", h.Owner, h.ID)
}

// clientForContent binds calls that reference a remote file to that file's
// owner; everything else rotates keys.
func (g *Gemini) clientForContent(content Content) (string, *genai.Client, error) {
	if content.Handle != nil {
		c, err := g.clientFor(content.Handle)
		return "", c, err
	}
	return g.next()
}

func (g *Gemini) noteRateLimit(key string, err error) {
	if key == "" || httpCode(err) != http.StatusTooManyRequests {
		return
	}
	g.keys.MarkRateLimited(key, time.Now().Add(rateLimitCooldown))
	g.log.Warnw("api key rate limited", "owner", g.owners[key], "cooldown", rateLimitCooldown)
}

func contentParts(content Content) []genai.Part {
	var parts []genai.Part
	switch {
	case content.Handle != nil:
		parts = append(parts, genai.FileData{MIMEType: content.Handle.MIMEType, URI: content.Handle.URI})
	case content.Inline != nil:
		parts = append(parts, genai.Blob{MIMEType: content.Inline.MIMEType, Data: content.Inline.Data})
	}
	return append(parts, genai.Text(content.Prompt))
}

func historyContents(history []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := "model"
		if m.IsUser {
			role = "user"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Text)}})
	}
	return out
}

// responseText concatenates the text parts of the first candidate verbatim.
func responseText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", false
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String(), true
}

func mapFileState(s genai.FileState) State {
	switch s {
	case genai.FileStateActive:
		return StateReady
	case genai.FileStateFailed:
		return StateFailed
	default:
		return StateProcessing
	}
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

// classify maps SDK errors from the file and token endpoints onto Kinds.
// Cancellation by the caller is returned without a Kind: it says nothing
// about the provider's health.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	switch code := httpCode(err); {
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &Error{Kind: KindInvalid, Op: op, Msg: providerMessage(err), Err: err}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.NotFound:
			return &Error{Kind: KindNotFound, Op: op, Err: err}
		case codes.InvalidArgument, codes.FailedPrecondition:
			return &Error{Kind: KindInvalid, Op: op, Msg: s.Message(), Err: err}
		}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// classifyGeneration maps generate-call errors. Anything the provider
// answered (quota, content, auth, blocked prompt) is a generation error;
// only failures to reach the provider are transport errors.
func classifyGeneration(op string, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &Error{Kind: KindGeneration, Op: op, Msg: blocked.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindGenerationTimeout, Op: op, Err: err}
	}
	if code := httpCode(err); code > 0 && code < http.StatusInternalServerError {
		return &Error{Kind: KindGeneration, Op: op, Msg: providerMessage(err), Err: err}
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded:
			return &Error{Kind: KindGenerationTimeout, Op: op, Err: err}
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
			codes.Unauthenticated, codes.ResourceExhausted, codes.NotFound:
			return &Error{Kind: KindGeneration, Op: op, Msg: s.Message(), Err: err}
		}
	}
	return classify(op, err)
}

func httpCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted:
			return http.StatusTooManyRequests
		case codes.NotFound:
			return http.StatusNotFound
		}
	}
	return 0
}

func providerMessage(err error) string {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Message != "" {
		return gerr.Message
	}
	return err.Error()
}
