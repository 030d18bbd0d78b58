package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"omnichat-go/internal/model"
	"omnichat-go/internal/repository"
	"omnichat-go/pkg/errorx"
	"omnichat-go/pkg/events"
	"omnichat-go/pkg/keylock"
	"omnichat-go/pkg/llm"
)

type fakeLLM struct {
	mu sync.Mutex

	reply       string
	completeErr error
	title       string
	titleErr    error
	transcript  string
	transcErr   error
	analysis    string
	analyzeErr  error
	// titleHangs 让标题请求一直阻塞到 ctx 结束。
	titleHangs bool

	completions    [][]llm.Message
	titleRequests  [][]llm.Message
	titleParams    []llm.GenerationParams
	analyzePrompts []string
}

func (f *fakeLLM) Complete(ctx context.Context, msgs []llm.Message, opts ...llm.Option) (string, error) {
	var p llm.GenerationParams
	for _, opt := range opts {
		opt(&p)
	}
	if p.SystemPrompt != nil && f.titleHangs {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.SystemPrompt != nil {
		f.titleRequests = append(f.titleRequests, msgs)
		f.titleParams = append(f.titleParams, p)
		return f.title, f.titleErr
	}
	f.completions = append(f.completions, append([]llm.Message(nil), msgs...))
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.reply, nil
}

func (f *fakeLLM) Transcribe(context.Context, []byte) (string, error) {
	return f.transcript, f.transcErr
}

func (f *fakeLLM) AnalyzeImage(_ context.Context, _ []byte, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzePrompts = append(f.analyzePrompts, prompt)
	return f.analysis, f.analyzeErr
}

func (f *fakeLLM) titleCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titleRequests)
}

func (f *fakeLLM) lastCompletion() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completions[len(f.completions)-1]
}

type fakePublisher struct {
	mu  sync.Mutex
	evs []events.ConversationEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev events.ConversationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.evs))
	for _, ev := range p.evs {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	repo    repository.ConversationRepository
	cache   repository.HistoryCache
	llm     *fakeLLM
	pub     *fakePublisher
	chat    ChatService
	convs   ConversationService
	ownerID uint
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T, withCache bool, opts ChatOptions) *testEnv {
	t.Helper()
	db := newTestDB(t)
	owner, err := repository.NewOwnerRepository(db).FindOrCreate(context.Background(), "default_user", "default@example.com")
	require.NoError(t, err)

	var cache repository.HistoryCache
	if withCache {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		cache = repository.NewHistoryCache(rdb, time.Hour)
	}

	env := &testEnv{
		repo:    repository.NewConversationRepository(db, model.Owner{Username: "default_user", Email: "default@example.com"}),
		cache:   cache,
		llm:     &fakeLLM{reply: "Hello! How can I help?", title: "Greetings"},
		pub:     &fakePublisher{},
		ownerID: owner.ID,
	}
	locks := keylock.New()
	if opts.StoreTimeout == 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	env.chat = NewChatService(env.repo, cache, env.llm, env.pub, locks, opts)
	env.convs = NewConversationService(env.repo, cache, env.pub, locks, opts.StoreTimeout)
	return env
}

func (e *testEnv) newConversation(t *testing.T) *model.Conversation {
	t.Helper()
	conv, err := e.convs.Create(context.Background(), e.ownerID, "")
	require.NoError(t, err)
	return conv
}

func (e *testEnv) messages(t *testing.T, id string) []model.Message {
	t.Helper()
	msgs, err := e.repo.ListMessages(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

func (e *testEnv) conversation(t *testing.T, id string) *model.Conversation {
	t.Helper()
	conv, err := e.repo.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return conv
}

func TestProcessText_FirstExchangeThenFollowUp(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		t.Run(map[bool]string{false: "store only", true: "with cache"}[withCache], func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, withCache, ChatOptions{})
			conv := env.newConversation(t)
			assert.Equal(t, model.DefaultConversationTitle, conv.Title)

			reply, err := env.chat.ProcessText(ctx, env.ownerID, conv.ID, "Hi")
			require.NoError(t, err)
			assert.Equal(t, "Hello! How can I help?", reply)

			msgs := env.messages(t, conv.ID)
			require.Len(t, msgs, 2)
			assert.Equal(t, model.RoleUser, msgs[0].Role)
			assert.Equal(t, "Hi", msgs[0].Content)
			assert.Equal(t, model.RoleAssistant, msgs[1].Role)
			assert.Equal(t, model.ModalityText, msgs[1].Modality)
			assert.Equal(t, "Greetings", env.conversation(t, conv.ID).Title)

			_, err = env.chat.ProcessText(ctx, env.ownerID, conv.ID, "More")
			require.NoError(t, err)
			assert.Len(t, env.messages(t, conv.ID), 4)
			assert.Equal(t, "Greetings", env.conversation(t, conv.ID).Title)
			assert.Equal(t, 1, env.llm.titleCalls())

			// 第二轮的上下文 = 历史两条 + 新的用户消息
			last := env.llm.lastCompletion()
			require.Len(t, last, 3)
			assert.Equal(t, llm.Message{Role: "user", Content: "Hi"}, last[0])
			assert.Equal(t, llm.Message{Role: "assistant", Content: "Hello! How can I help?"}, last[1])
			assert.Equal(t, llm.Message{Role: "user", Content: "More"}, last[2])

			assert.Equal(t, []events.Type{events.TypeCreated, events.TypeTitled}, env.pub.types())
		})
	}
}

func TestProcessText_UpdatedAtStrictlyAdvances(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false, ChatOptions{})
	conv := env.newConversation(t)

	before := env.conversation(t, conv.ID).UpdatedAt
	_, err := env.chat.ProcessText(ctx, env.ownerID, conv.ID, "Hi")
	require.NoError(t, err)
	after := env.conversation(t, conv.ID).UpdatedAt
	assert.True(t, after.After(before))

	msgs := env.messages(t, conv.ID)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))
}

func TestProcessText_RejectsBlankText(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	conv := env.newConversation(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := env.chat.ProcessText(context.Background(), env.ownerID, conv.ID, text)
		assert.True(t, errorx.IsValidation(err), "text %q", text)
	}
	assert.Empty(t, env.messages(t, conv.ID))
	assert.Empty(t, env.llm.completions)
}

func TestProcessText_UnknownConversation(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})

	_, err := env.chat.ProcessText(context.Background(), env.ownerID, "00000000-0000-0000-0000-000000000000", "Hi")
	assert.True(t, errorx.IsNotFound(err))

	conv := env.newConversation(t)
	_, err = env.chat.ProcessText(context.Background(), env.ownerID+1, conv.ID, "Hi")
	assert.True(t, errorx.IsNotFound(err))
	assert.Empty(t, env.messages(t, conv.ID))
}

func TestProcessText_TitleFailureFallsBack(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	env.llm.titleErr = &errorx.ProviderError{Kind: errorx.ProviderTransient, Capability: llm.CapabilityComplete}
	conv := env.newConversation(t)
	require.NoError(t, env.repo.UpdateTitle(context.Background(), conv.ID, "Custom"))

	reply, err := env.chat.ProcessText(context.Background(), env.ownerID, conv.ID, "Hi")
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
	assert.Equal(t, model.DefaultConversationTitle, env.conversation(t, conv.ID).Title)
}

func TestProcessText_TitleTimeoutDoesNotHoldReply(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{TitleTimeout: 50 * time.Millisecond, ProviderTimeout: time.Minute})
	env.llm.titleHangs = true
	conv := env.newConversation(t)

	start := time.Now()
	reply, err := env.chat.ProcessText(context.Background(), env.ownerID, conv.ID, "Hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", reply)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.DefaultConversationTitle, env.conversation(t, conv.ID).Title)
}

// flakyCache 包装真实缓存，在追加指定内容时失败一次。
type flakyCache struct {
	repository.HistoryCache
	failOn string
}

func (c *flakyCache) Append(ctx context.Context, conversationID string, turns ...model.ChatMessage) error {
	for _, turn := range turns {
		if c.failOn != "" && turn.Content == c.failOn {
			c.failOn = ""
			return errors.New("redis: connection reset")
		}
	}
	return c.HistoryCache.Append(ctx, conversationID, turns...)
}

func TestProcessText_CacheAppendFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true, ChatOptions{})
	cache := &flakyCache{HistoryCache: env.cache, failOn: "three"}
	env.chat = NewChatService(env.repo, cache, env.llm, env.pub, keylock.New(), ChatOptions{StoreTimeout: 5 * time.Second})
	conv := env.newConversation(t)

	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := env.chat.ProcessText(ctx, env.ownerID, conv.ID, text)
		require.NoError(t, err)
	}
	assert.Empty(t, cache.failOn)

	last := env.llm.lastCompletion()
	require.Len(t, last, 7)
	var users []string
	for _, m := range last {
		if m.Role == string(model.RoleUser) {
			users = append(users, m.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three", "four"}, users)

	turns, hit, err := env.cache.Load(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Len(t, turns, 8)
}

func TestProcessText_CompletionFailureLeavesUserMessage(t *testing.T) {
	env := newTestEnv(t, true, ChatOptions{})
	env.llm.completeErr = &errorx.ProviderError{Kind: errorx.ProviderQuota, Capability: llm.CapabilityComplete, Status: 429}
	conv := env.newConversation(t)

	_, err := env.chat.ProcessText(context.Background(), env.ownerID, conv.ID, "Hi")
	kind, ok := errorx.ProviderKindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorx.ProviderQuota, kind)

	msgs := env.messages(t, conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, 0, env.llm.titleCalls())
}

func TestProcessText_ConcurrentCallsSerialize(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	conv := env.newConversation(t)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.chat.ProcessText(context.Background(), env.ownerID, conv.ID, "ping")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs := env.messages(t, conv.ID)
	require.Len(t, msgs, 2*n)
	for i, m := range msgs {
		if i%2 == 0 {
			assert.Equal(t, model.RoleUser, m.Role)
		} else {
			assert.Equal(t, model.RoleAssistant, m.Role)
		}
	}
	assert.Equal(t, 1, env.llm.titleCalls())
}

func TestProcessVoice_TranscriptionFailure(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	conv := env.newConversation(t)

	env.llm.transcErr = &errorx.ProviderError{Kind: errorx.ProviderAuth, Capability: llm.CapabilityTranscribe, Status: 401}
	_, err := env.chat.ProcessVoice(context.Background(), env.ownerID, conv.ID, []byte("RIFF"), "uploads/audio/a.wav")
	var te *errorx.TranscriptionError
	require.ErrorAs(t, err, &te)
	kind, ok := errorx.ProviderKindOf(err)
	require.True(t, ok)
	assert.Equal(t, errorx.ProviderAuth, kind)

	env.llm.transcErr = nil
	env.llm.transcript = "   "
	_, err = env.chat.ProcessVoice(context.Background(), env.ownerID, conv.ID, []byte("RIFF"), "uploads/audio/a.wav")
	require.ErrorAs(t, err, &te)

	assert.Empty(t, env.messages(t, conv.ID))
	assert.Empty(t, env.llm.completions)
}

func TestProcessVoice_StoresTranscriptWithArtifact(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	env.llm.transcript = "what's the weather"
	conv := env.newConversation(t)

	res, err := env.chat.ProcessVoice(context.Background(), env.ownerID, conv.ID, []byte("RIFF"), "uploads/audio/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "what's the weather", res.Transcript)
	assert.Equal(t, "Hello! How can I help?", res.ReplyText)

	msgs := env.messages(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ModalityVoice, msgs[0].Modality)
	assert.Equal(t, "what's the weather", msgs[0].Content)
	require.NotNil(t, msgs[0].ArtifactRef)
	assert.Equal(t, "uploads/audio/a.wav", *msgs[0].ArtifactRef)

	// 转写文本在上下文中只出现一次
	assert.Equal(t, []llm.Message{{Role: "user", Content: "what's the weather"}}, env.llm.lastCompletion())

	// 默认不为语音首轮生成标题
	assert.Equal(t, 0, env.llm.titleCalls())
	assert.Equal(t, model.DefaultConversationTitle, env.conversation(t, conv.ID).Title)
}

func TestProcessVoice_DerivesTitleWhenEnabled(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{DeriveTitleOnMedia: true})
	env.llm.transcript = "hello"
	conv := env.newConversation(t)

	_, err := env.chat.ProcessVoice(context.Background(), env.ownerID, conv.ID, []byte("RIFF"), "")
	require.NoError(t, err)
	assert.Equal(t, "Greetings", env.conversation(t, conv.ID).Title)
	assert.Nil(t, env.messages(t, conv.ID)[0].ArtifactRef)
}

func TestProcessImage_WithoutPrompt(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	env.llm.analysis = "a cat on a sofa"
	conv := env.newConversation(t)

	res, err := env.chat.ProcessImage(context.Background(), env.ownerID, conv.ID, []byte("png"), "  ", "uploads/images/i.png")
	require.NoError(t, err)
	assert.Equal(t, "a cat on a sofa", res.Analysis)

	assert.Equal(t, []string{DefaultImagePrompt}, env.llm.analyzePrompts)

	msgs := env.messages(t, conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ModalityImage, msgs[0].Modality)
	assert.Equal(t, ImagePlaceholder, msgs[0].Content)
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "a cat on a sofa")
	}

	last := env.llm.lastCompletion()
	assert.Equal(t, llm.Message{Role: "user", Content: "Image analysis: a cat on a sofa"}, last[len(last)-1])
	assert.Equal(t, 0, env.llm.titleCalls())
}

func TestProcessImage_WithPrompt(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	env.llm.analysis = "two dogs"
	conv := env.newConversation(t)

	_, err := env.chat.ProcessImage(context.Background(), env.ownerID, conv.ID, []byte("png"), "How many animals?", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"How many animals?"}, env.llm.analyzePrompts)
	assert.Equal(t, "How many animals?", env.messages(t, conv.ID)[0].Content)
}

func TestProcessImage_AnalysisFailure(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	env.llm.analyzeErr = errors.New("connection reset")
	conv := env.newConversation(t)

	_, err := env.chat.ProcessImage(context.Background(), env.ownerID, conv.ID, []byte("png"), "", "")
	var pe *errorx.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.CapabilityAnalyze, pe.Capability)
	assert.Empty(t, env.messages(t, conv.ID))
}

func TestDeriveTitle(t *testing.T) {
	env := newTestEnv(t, false, ChatOptions{})
	exchange := []model.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "ignored"},
	}

	env.llm.title = "  \"Friendly Greetings\"  "
	assert.Equal(t, "Friendly Greetings", env.chat.DeriveTitle(context.Background(), exchange))

	req := env.llm.titleRequests[0]
	require.Len(t, req, 1)
	assert.Equal(t, "Generate a title for this conversation:\nuser: Hi\nassistant: Hello", req[0].Content)
	p := env.llm.titleParams[0]
	assert.Equal(t, 50, *p.MaxTokens)
	assert.Equal(t, 0.3, *p.Temperature)

	env.llm.title = strings.Repeat("é", 80)
	assert.Equal(t, strings.Repeat("é", 50), env.chat.DeriveTitle(context.Background(), exchange))

	env.llm.title = " '' "
	assert.Equal(t, model.DefaultConversationTitle, env.chat.DeriveTitle(context.Background(), exchange))

	env.llm.titleErr = errors.New("boom")
	assert.Equal(t, model.DefaultConversationTitle, env.chat.DeriveTitle(context.Background(), exchange))
}
