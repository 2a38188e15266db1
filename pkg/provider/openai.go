package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Generator using the official openai-go SDK (chat
// completions). It handles conversational and text-only turns; media content
// is rejected because remote handles belong to the Gemini file store.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates the generator. baseURL may be empty.
func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key missing; set OPENAI_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Generate(ctx context.Context, content Content, cfg GenerationConfig) (Result, error) {
	if err := content.Validate(); err != nil {
		return Result{}, err
	}
	if content.Handle != nil || content.Inline != nil {
		return Result{}, Errorf(KindGeneration, "openai: generate", "model %s does not accept media content", cfg.ModelID)
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(cfg.ModelID),
		Messages:            chatMessages(content),
		Temperature:         openai.Float(float64(cfg.Temperature)),
		TopP:                openai.Float(float64(cfg.TopP)),
		MaxCompletionTokens: openai.Int(int64(cfg.MaxOutputTokens)),
	})
	if err != nil {
		return Result{}, classifyOpenAI("openai: generate", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, Errorf(KindGeneration, "openai: generate", "empty choices")
	}
	return Result{
		Text:         resp.Choices[0].Message.Content,
		PromptTokens: int32(resp.Usage.PromptTokens),
		OutputTokens: int32(resp.Usage.CompletionTokens),
	}, nil
}

// CountTokens is not offered by the chat completions API.
func (o *OpenAI) CountTokens(context.Context, Content, GenerationConfig) (int32, error) {
	return 0, Errorf(KindInvalid, "openai: count tokens", "token counting is not supported")
}

func chatMessages(content Content) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(content.History)+1)
	for _, m := range content.History {
		if m.IsUser {
			msgs = append(msgs, openai.UserMessage(m.Text))
		} else {
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(m.Text))
		}
	}
	return append(msgs, openai.UserMessage(content.Prompt))
}

func classifyOpenAI(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindGenerationTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return &Error{Kind: KindTransport, Op: op, Err: err}
		}
		return &Error{Kind: KindGeneration, Op: op, Msg: strings.TrimSpace(apiErr.Message), Err: err}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}
