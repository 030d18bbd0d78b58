// Package llm provides a client for an OpenAI-compatible completion, transcription and vision API.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"omnichat-go/internal/config"
	"omnichat-go/pkg/errorx"
)

// 各能力的名称，用于错误分类和日志。
const (
	CapabilityComplete   = "complete"
	CapabilityTranscribe = "transcribe"
	CapabilityAnalyze    = "analyze_image"
)

// Client defines the interface for an AI capability provider.
type Client interface {
	// Complete 以 role-based 消息调用聊天接口，返回完整回复。配置的人设 system 消息总是排在最前。
	Complete(ctx context.Context, messages []Message, opts ...Option) (string, error)
	// Transcribe 把音频转写为文本。
	Transcribe(ctx context.Context, audio []byte) (string, error)
	// AnalyzeImage 按提示语分析图片内容。
	AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client. httpClient 为 nil 时使用带超时的默认客户端。
func NewClient(cfg config.LLMConfig, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &openAIClient{
		cfg:    cfg,
		client: httpClient,
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	SystemPrompt *string
}

// Option 覆盖单次调用的生成参数。
type Option func(*GenerationParams)

// WithTemperature 设置采样温度。
func WithTemperature(t float64) Option {
	return func(p *GenerationParams) { p.Temperature = &t }
}

// WithMaxTokens 设置最大生成长度。
func WithMaxTokens(n int) Option {
	return func(p *GenerationParams) { p.MaxTokens = &n }
}

// WithSystemPrompt 用给定的 system 消息替换人设提示。
func WithSystemPrompt(s string) Option {
	return func(p *GenerationParams) { p.SystemPrompt = &s }
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []interface{} `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// defaults 从全局配置注入生成参数（若非零值）
func (c *openAIClient) defaults() GenerationParams {
	var p GenerationParams
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		p.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		tp := c.cfg.Generation.TopP
		p.TopP = &tp
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		p.MaxTokens = &m
	}
	return p
}

func (c *openAIClient) Complete(ctx context.Context, messages []Message, opts ...Option) (string, error) {
	gen := c.defaults()
	for _, opt := range opts {
		opt(&gen)
	}

	system := c.cfg.SystemPrompt
	if gen.SystemPrompt != nil {
		system = *gen.SystemPrompt
	}
	all := make([]interface{}, 0, len(messages)+1)
	if system != "" {
		all = append(all, Message{Role: "system", Content: system})
	}
	for _, m := range messages {
		all = append(all, m)
	}

	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    all,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxTokens:   gen.MaxTokens,
	}
	return c.chat(ctx, CapabilityComplete, reqBody)
}

func (c *openAIClient) AnalyzeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	mtype := mimetype.Detect(image)
	dataURL := fmt.Sprintf("data:%s;base64,%s", mtype.String(), base64.StdEncoding.EncodeToString(image))

	gen := c.defaults()
	reqBody := chatRequest{
		Model: c.cfg.VisionModel,
		Messages: []interface{}{
			visionMessage{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
		Temperature: gen.Temperature,
		MaxTokens:   gen.MaxTokens,
	}
	return c.chat(ctx, CapabilityAnalyze, reqBody)
}

// chat 发送一次非流式的 /chat/completions 请求。
func (c *openAIClient) chat(ctx context.Context, capability string, reqBody chatRequest) (string, error) {
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	body, err := c.do(req, capability)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &errorx.ProviderError{Kind: errorx.ProviderUnknown, Capability: capability, Status: http.StatusOK, Err: fmt.Errorf("failed to decode chat response: %w", err)}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &errorx.ProviderError{Kind: errorx.ProviderUnknown, Capability: capability, Status: http.StatusOK, Err: errors.New("empty completion")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ext := mimetype.Detect(audio).Extension()
	if ext == "" {
		ext = ".wav"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "audio"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	_ = w.WriteField("model", c.cfg.TranscriptionModel)
	_ = w.WriteField("response_format", "text")
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	body, err := c.do(req, CapabilityTranscribe)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// do 执行请求并在边界处完成错误分类。
func (c *openAIClient) do(req *http.Request, capability string) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &errorx.ProviderError{Kind: errorx.ProviderTransient, Capability: capability, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errorx.ProviderError{Kind: errorx.ProviderTransient, Capability: capability, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(capability, resp.StatusCode, body)
	}
	return body, nil
}

// classify 根据 HTTP 状态码和错误体中的 code/type 判断错误类别。
func classify(capability string, status int, body []byte) error {
	var apiErr apiErrorBody
	_ = json.Unmarshal(body, &apiErr)
	code := apiErr.Error.Code
	if code == "" {
		code = apiErr.Error.Type
	}

	kind := errorx.ProviderUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || code == "invalid_api_key":
		kind = errorx.ProviderAuth
	case code == "insufficient_quota":
		kind = errorx.ProviderQuota
	case status == http.StatusRequestTimeout || status == http.StatusConflict ||
		status == http.StatusTooManyRequests || status >= 500:
		kind = errorx.ProviderTransient
	}

	msg := apiErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &errorx.ProviderError{
		Kind:       kind,
		Capability: capability,
		Status:     status,
		Code:       code,
		Err:        fmt.Errorf("api returned status %d: %s", status, msg),
	}
}
