// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"omnichat-go/internal/model"
	"omnichat-go/internal/repository"
	"omnichat-go/pkg/errorx"
	"omnichat-go/pkg/events"
	"omnichat-go/pkg/keylock"
	"omnichat-go/pkg/llm"
	"omnichat-go/pkg/log"
)

const (
	// DefaultImagePrompt 是未提供提示语时发给视觉模型的提示。
	DefaultImagePrompt = "Please describe what you see in this image and answer any questions about it."
	// ImagePlaceholder 是未提供提示语时图片消息保存的内容。
	ImagePlaceholder = "Please analyze this image"

	titleInstruction = "Generate a short, descriptive title (max 50 characters) for this conversation based on the first few messages."
	titleMaxRunes    = 50
	titleMaxTokens   = 50
	titleTemperature = 0.3

	defaultTitleTimeout = 10 * time.Second
)

// ChatService 定义了对话编排的接口：接收一条文本、语音或图片输入，产出并持久化一条助手回复。
type ChatService interface {
	ProcessText(ctx context.Context, ownerID uint, conversationID, text string) (string, error)
	ProcessVoice(ctx context.Context, ownerID uint, conversationID string, audio []byte, artifactRef string) (*VoiceReply, error)
	ProcessImage(ctx context.Context, ownerID uint, conversationID string, image []byte, prompt, artifactRef string) (*ImageReply, error)
	// DeriveTitle 根据首轮问答生成标题，失败时返回回退标题，从不报错。
	DeriveTitle(ctx context.Context, exchange []model.ChatMessage) string
}

// VoiceReply 是语音消息的处理结果。
type VoiceReply struct {
	Transcript string `json:"transcript"`
	ReplyText  string `json:"replyText"`
}

// ImageReply 是图片消息的处理结果。
type ImageReply struct {
	Analysis  string `json:"analysis"`
	ReplyText string `json:"replyText"`
}

// ChatOptions 控制编排行为和各类调用的超时。
type ChatOptions struct {
	FallbackTitle      string
	DeriveTitleOnMedia bool
	StoreTimeout       time.Duration
	ProviderTimeout    time.Duration
	// TitleTimeout 限制标题生成的耗时，标题在回复返回前生成。
	TitleTimeout time.Duration
}

type chatService struct {
	repo      repository.ConversationRepository
	cache     repository.HistoryCache
	llmClient llm.Client
	publisher events.Publisher
	locks     *keylock.KeyLock
	opts      ChatOptions
}

// NewChatService 创建一个新的 ChatService 实例。cache 和 publisher 可以为 nil。
func NewChatService(
	repo repository.ConversationRepository,
	cache repository.HistoryCache,
	llmClient llm.Client,
	publisher events.Publisher,
	locks *keylock.KeyLock,
	opts ChatOptions,
) ChatService {
	if opts.FallbackTitle == "" {
		opts.FallbackTitle = model.DefaultConversationTitle
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = defaultTitleTimeout
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &chatService{
		repo:      repo,
		cache:     cache,
		llmClient: llmClient,
		publisher: publisher,
		locks:     locks,
		opts:      opts,
	}
}

// ProcessText 处理一条文本消息。
func (s *chatService) ProcessText(ctx context.Context, ownerID uint, conversationID, text string) (string, error) {
	conv, unlock, err := s.begin(ctx, ownerID, conversationID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if strings.TrimSpace(text) == "" {
		return "", errorx.NewValidation("message", "message text is required")
	}

	prior, err := s.history(ctx, conversationID)
	if err != nil {
		return "", err
	}
	userTurn := model.ChatMessage{Role: string(model.RoleUser), Content: text}
	if err := s.appendMessage(ctx, conversationID, model.RoleUser, model.ModalityText, text, ""); err != nil {
		return "", err
	}

	reply, err := s.complete(ctx, append(prior, userTurn))
	if err != nil {
		return "", err
	}
	if err := s.appendMessage(ctx, conversationID, model.RoleAssistant, model.ModalityText, reply, ""); err != nil {
		return "", err
	}

	if len(prior) == 0 {
		s.storeTitle(ctx, conv, userTurn, reply)
	}
	return reply, nil
}

// ProcessVoice 先转写语音，转写成功后才写入任何消息。
func (s *chatService) ProcessVoice(ctx context.Context, ownerID uint, conversationID string, audio []byte, artifactRef string) (*VoiceReply, error) {
	conv, unlock, err := s.begin(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pctx, cancel := s.providerCtx(ctx)
	transcript, err := s.llmClient.Transcribe(pctx, audio)
	cancel()
	if err != nil {
		return nil, &errorx.TranscriptionError{Err: asProviderError(llm.CapabilityTranscribe, err)}
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, &errorx.TranscriptionError{Err: errors.New("empty transcript")}
	}

	prior, err := s.history(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	userTurn := model.ChatMessage{Role: string(model.RoleUser), Content: transcript}
	if err := s.appendMessage(ctx, conversationID, model.RoleUser, model.ModalityVoice, transcript, artifactRef); err != nil {
		return nil, err
	}

	reply, err := s.complete(ctx, append(prior, userTurn))
	if err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, conversationID, model.RoleAssistant, model.ModalityText, reply, ""); err != nil {
		return nil, err
	}

	if len(prior) == 0 && s.opts.DeriveTitleOnMedia {
		s.storeTitle(ctx, conv, userTurn, reply)
	}
	return &VoiceReply{Transcript: transcript, ReplyText: reply}, nil
}

// ProcessImage 先分析图片。分析结果只作为补全上下文，不写入消息。
func (s *chatService) ProcessImage(ctx context.Context, ownerID uint, conversationID string, image []byte, prompt, artifactRef string) (*ImageReply, error) {
	conv, unlock, err := s.begin(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prompt = strings.TrimSpace(prompt)
	analysisPrompt, stored := prompt, prompt
	if prompt == "" {
		analysisPrompt, stored = DefaultImagePrompt, ImagePlaceholder
	}

	pctx, cancel := s.providerCtx(ctx)
	analysis, err := s.llmClient.AnalyzeImage(pctx, image, analysisPrompt)
	cancel()
	if err != nil {
		return nil, asProviderError(llm.CapabilityAnalyze, err)
	}

	prior, err := s.history(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	userTurn := model.ChatMessage{Role: string(model.RoleUser), Content: stored}
	if err := s.appendMessage(ctx, conversationID, model.RoleUser, model.ModalityImage, stored, artifactRef); err != nil {
		return nil, err
	}

	turns := append(prior, userTurn, model.ChatMessage{Role: string(model.RoleUser), Content: "Image analysis: " + analysis})
	reply, err := s.complete(ctx, turns)
	if err != nil {
		return nil, err
	}
	if err := s.appendMessage(ctx, conversationID, model.RoleAssistant, model.ModalityText, reply, ""); err != nil {
		return nil, err
	}

	if len(prior) == 0 && s.opts.DeriveTitleOnMedia {
		s.storeTitle(ctx, conv, userTurn, reply)
	}
	return &ImageReply{Analysis: analysis, ReplyText: reply}, nil
}

func (s *chatService) DeriveTitle(ctx context.Context, exchange []model.ChatMessage) string {
	if len(exchange) > 2 {
		exchange = exchange[:2]
	}
	var b strings.Builder
	b.WriteString("Generate a title for this conversation:")
	for _, m := range exchange {
		b.WriteString("\n")
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}

	tctx, cancel := withTimeout(ctx, s.opts.TitleTimeout)
	defer cancel()
	raw, err := s.llmClient.Complete(tctx,
		[]llm.Message{{Role: string(model.RoleUser), Content: b.String()}},
		llm.WithSystemPrompt(titleInstruction),
		llm.WithMaxTokens(titleMaxTokens),
		llm.WithTemperature(titleTemperature),
	)
	if err != nil {
		log.Warnf("生成对话标题失败，使用默认标题: %v", err)
		return s.opts.FallbackTitle
	}
	title := cleanTitle(raw)
	if title == "" {
		return s.opts.FallbackTitle
	}
	return title
}

// cleanTitle 去掉首尾空白和引号，并截断到 50 个字符。
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'`“”‘’")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > titleMaxRunes {
		title = strings.TrimSpace(string([]rune(title)[:titleMaxRunes]))
	}
	return title
}

// begin 确认对话存在且属于当前用户，然后持有该对话的锁。
func (s *chatService) begin(ctx context.Context, ownerID uint, conversationID string) (*model.Conversation, func(), error) {
	sctx, cancel := s.storeCtx(ctx)
	conv, err := s.repo.GetConversation(sctx, conversationID)
	cancel()
	if err != nil {
		return nil, nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, nil, errorx.NewNotFound("conversation", conversationID)
	}
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("wait for conversation %s: %w", conversationID, err)
	}
	return conv, unlock, nil
}

// history 读取对话此前的全部消息，优先使用 Redis 缓存。
func (s *chatService) history(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	if s.cache != nil {
		turns, hit, err := s.cache.Load(ctx, conversationID)
		if err != nil {
			log.Warnf("读取历史缓存失败，回退到数据库: conversation=%s, error=%v", conversationID, err)
		} else if hit {
			return turns, nil
		}
	}

	sctx, cancel := s.storeCtx(ctx)
	msgs, err := s.repo.ListMessages(sctx, conversationID)
	cancel()
	if err != nil {
		return nil, err
	}
	turns := make([]model.ChatMessage, 0, len(msgs)+2)
	for _, m := range msgs {
		turns = append(turns, m.Turn())
	}

	if s.cache != nil && len(turns) > 0 {
		if err := s.cache.Fill(ctx, conversationID, turns); err != nil {
			log.Warnf("写入历史缓存失败: conversation=%s, error=%v", conversationID, err)
		}
	}
	return turns, nil
}

func (s *chatService) appendMessage(ctx context.Context, conversationID string, role model.Role, modality model.Modality, content, artifactRef string) error {
	var ref *string
	if artifactRef != "" {
		ref = &artifactRef
	}
	sctx, cancel := s.storeCtx(ctx)
	msg, err := s.repo.AppendMessage(sctx, conversationID, role, modality, content, ref)
	cancel()
	if err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Append(ctx, conversationID, msg.Turn()); err != nil {
			// 缓存缺了这一轮就不能再命中，删掉让下次从数据库重新填充
			log.Warnf("追加历史缓存失败，清除缓存: conversation=%s, error=%v", conversationID, err)
			if err := s.cache.Invalidate(ctx, conversationID); err != nil {
				log.Errorf("清除历史缓存失败: conversation=%s, error=%v", conversationID, err)
			}
		}
	}
	return nil
}

func (s *chatService) complete(ctx context.Context, turns []model.ChatMessage) (string, error) {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	pctx, cancel := s.providerCtx(ctx)
	defer cancel()
	reply, err := s.llmClient.Complete(pctx, msgs)
	if err != nil {
		return "", asProviderError(llm.CapabilityComplete, err)
	}
	return reply, nil
}

// storeTitle 生成并保存标题。使用与请求取消解耦的上下文，失败只记录日志。
func (s *chatService) storeTitle(ctx context.Context, conv *model.Conversation, userTurn model.ChatMessage, reply string) {
	ctx = context.WithoutCancel(ctx)
	title := s.DeriveTitle(ctx, []model.ChatMessage{
		userTurn,
		{Role: string(model.RoleAssistant), Content: reply},
	})

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.UpdateTitle(sctx, conv.ID, title); err != nil {
		log.Errorf("保存对话标题失败: conversation=%s, error=%v", conv.ID, err)
		return
	}
	publish(ctx, s.publisher, events.ConversationEvent{
		Type:           events.TypeTitled,
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Title:          title,
		At:             time.Now(),
	})
}

func (s *chatService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.opts.StoreTimeout)
}

func (s *chatService) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.opts.ProviderTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// asProviderError 保证返回的错误链中包含 ProviderError。
func asProviderError(capability string, err error) error {
	var pe *errorx.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	kind := errorx.ProviderUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = errorx.ProviderTransient
	}
	return &errorx.ProviderError{Kind: kind, Capability: capability, Err: err}
}

// publish 尽力发布事件，失败只记录日志。
func publish(ctx context.Context, p events.Publisher, ev events.ConversationEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warnf("发布对话事件失败: type=%s, conversation=%s, error=%v", ev.Type, ev.ConversationID, err)
	}
}
