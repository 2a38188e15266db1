// Package generation invokes text generation with a bounded timeout, a
// per-provider circuit breaker and a closed set of failure kinds.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-media-gateway/pkg/metrics"
	"github.com/abdhe/llm-media-gateway/pkg/provider"
	"github.com/abdhe/llm-media-gateway/pkg/resilience"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 600 * time.Second

// DefaultCountTimeout bounds the informational token count.
const DefaultCountTimeout = 5 * time.Second

// Config holds the invoker configuration.
type Config struct {
	// Generators maps a provider name ("gemini", "openai", "mock") to its backend.
	Generators map[string]provider.Generator
	// Fallback receives models no registered provider claims. Empty means
	// such models are rejected.
	Fallback string
	Timeout  time.Duration
	// CountTimeout bounds CountTokens separately so a slow count endpoint
	// never holds up generation.
	CountTimeout time.Duration
	Breaker      resilience.CircuitBreakerConfig
}

// Invoker routes generation calls by model name.
type Invoker struct {
	generators   map[string]provider.Generator
	breakers     map[string]*resilience.CircuitBreaker
	fallback     string
	timeout      time.Duration
	countTimeout time.Duration
	log          *zap.SugaredLogger
}

// New creates an Invoker with one circuit breaker per provider. Only
// transport failures and timeouts count against a breaker; a provider that
// answers with a rejection is healthy.
func New(cfg Config, log *zap.SugaredLogger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CountTimeout <= 0 {
		cfg.CountTimeout = DefaultCountTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = provider.Retryable

	inv := &Invoker{
		generators:   make(map[string]provider.Generator, len(cfg.Generators)),
		breakers:     make(map[string]*resilience.CircuitBreaker, len(cfg.Generators)),
		fallback:     cfg.Fallback,
		timeout:      cfg.Timeout,
		countTimeout: cfg.CountTimeout,
		log:          log.Named("generation"),
	}
	for name, g := range cfg.Generators {
		inv.generators[name] = g
		inv.breakers[name] = resilience.NewCircuitBreaker(breakerCfg)
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(resilience.StateClosed))
	}
	return inv
}

// Providers lists the registered provider names.
func (inv *Invoker) Providers() []string {
	names := make([]string, 0, len(inv.generators))
	for name := range inv.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderStatus is a point-in-time view of one registered provider.
type ProviderStatus struct {
	Name      string `json:"name"`
	State     string `json:"breaker"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	Rejected  int64  `json:"rejected"`
	// Keys is the number of API keys not currently rate limited, or -1 for
	// providers without a key pool.
	Keys int `json:"available_keys"`
}

type keyReporter interface {
	AvailableKeys() int
}

// Status reports breaker state and key availability per provider.
func (inv *Invoker) Status() []ProviderStatus {
	names := inv.Providers()
	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		cb := inv.breakers[name]
		counts := cb.Counts()
		st := ProviderStatus{
			Name:      name,
			State:     cb.State().String(),
			Successes: counts.Successes,
			Failures:  counts.Failures,
			Rejected:  counts.Rejected,
			Keys:      -1,
		}
		if kr, ok := inv.generators[name].(keyReporter); ok {
			st.Keys = kr.AvailableKeys()
		}
		out = append(out, st)
	}
	return out
}

// Generate runs one generation call. The returned text is the provider's
// output verbatim. Generation is never retried here; a timed-out or
// rejected request is reported to the caller.
func (inv *Invoker) Generate(ctx context.Context, content provider.Content, cfg provider.GenerationConfig) (provider.Result, error) {
	if err := cfg.Validate(); err != nil {
		return provider.Result{}, err
	}
	if err := content.Validate(); err != nil {
		return provider.Result{}, err
	}
	name, g, err := inv.route(cfg.ModelID)
	if err != nil {
		return provider.Result{}, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	cb := inv.breakers[name]
	var res provider.Result
	err = cb.Execute(func() error {
		var genErr error
		res, genErr = g.Generate(ctx, content, cfg)
		return inv.normalize(ctx, genErr)
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(cb.State()))

	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = &provider.Error{Kind: provider.KindTransport, Op: "generate", Msg: name + " is unavailable, circuit open", Err: err}
	}
	latency := time.Since(start)
	if err != nil {
		metrics.GenerationLatency.WithLabelValues(name, cfg.ModelID, provider.KindOf(err).String()).Observe(latency.Seconds())
		inv.log.Warnw("generation failed", "provider", name, "model", cfg.ModelID, "kind", provider.KindOf(err).String(), "error", err)
		return provider.Result{}, err
	}

	metrics.GenerationLatency.WithLabelValues(name, cfg.ModelID, "ok").Observe(latency.Seconds())
	metrics.RecordTokens(name, cfg.ModelID, res.PromptTokens, res.OutputTokens)
	inv.log.Infow("generation complete", "provider", name, "model", cfg.ModelID,
		"latency", latency.String(), "prompt_tokens", res.PromptTokens, "output_tokens", res.OutputTokens)
	return res, nil
}

// CountTokens returns the prompt token count. Informational only, and
// bounded by its own short timeout rather than the generation timeout.
func (inv *Invoker) CountTokens(ctx context.Context, content provider.Content, cfg provider.GenerationConfig) (int32, error) {
	if strings.TrimSpace(content.Prompt) == "" && content.Inline == nil && content.Handle == nil {
		return 0, provider.Errorf(provider.KindInvalid, "count tokens", "nothing to count")
	}
	_, g, err := inv.route(cfg.ModelID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, inv.countTimeout)
	defer cancel()
	n, err := g.CountTokens(ctx, content, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, fmt.Errorf("count tokens: %w", err)
		}
		return 0, provider.Wrap(provider.KindTransport, "count tokens", err)
	}
	return n, nil
}

// normalize ensures every failure carries a Kind. A deadline hit by our own
// timeout is a generation timeout even if the backend reported it otherwise.
// Caller cancellation stays a plain context error so the breaker ignores it.
func (inv *Invoker) normalize(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("generate: %w (%v)", ctx.Err(), err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &provider.Error{
			Kind: provider.KindGenerationTimeout,
			Op:   "generate",
			Msg:  fmt.Sprintf("no response within %s", inv.timeout),
			Err:  err,
		}
	}
	if provider.KindOf(err) == provider.KindUnknown {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("generate: %w", err)
		}
		return provider.Wrap(provider.KindGeneration, "generate", err)
	}
	return err
}

func (inv *Invoker) route(model string) (string, provider.Generator, error) {
	name := resolveProvider(model)
	if g, ok := inv.generators[name]; ok {
		return name, g, nil
	}
	if g, ok := inv.generators[inv.fallback]; ok {
		return inv.fallback, g, nil
	}
	return "", nil, provider.Errorf(provider.KindInvalid, "generate", "no provider configured for model %q", model)
}

// resolveProvider maps a model name to a provider name by prefix.
func resolveProvider(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(model, "gemini"), strings.HasPrefix(model, "models/gemini"):
		return "gemini"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "chatgpt"),
		len(model) > 1 && model[0] == 'o' && model[1] >= '0' && model[1] <= '9':
		return "openai"
	case strings.HasPrefix(model, "mock"):
		return "mock"
	default:
		return ""
	}
}
