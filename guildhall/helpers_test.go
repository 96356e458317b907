package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

const testAPISecret = "e1f4b9c2d7a86035-guildhall-test"

// testConfig returns a default config using a temporary sqlite database,
// quiet loggers and a fast queue poll interval.
func testConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "guildhall.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Queue.CleanupInterval = 0
	cfg.Cooldown.Duration = 0

	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = "123456789012345678"
	cfg.API.Secret = testAPISecret
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.LogBodyLimit = 256

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbfile := filepath.Join(t.TempDir(), "test.sqlite3")

	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func testDB(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(gormDB(t), nil, false)
}

func testBackend(t testing.TB, db DBI) *QueueBackend {
	t.Helper()
	return NewQueueBackend(
		db,
		&QueueConfig{
			PollInterval: 10 * time.Millisecond,
			Concurrency:  4,
			MaxDepth:     DefaultQueueMaxDepth,
		},
		nil,
		nil,
	)
}

// processInBackground runs fn until the test finishes. fn must return
// once its context is canceled.
func processInBackground(t testing.TB, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	t.Cleanup(
		func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Errorf("processing didn't stop")
			}
		},
	)
}

func waitForHandle(t testing.TB, handle *JobHandle) (any, error) {
	t.Helper()
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for job %s", handle.ID())
	}
	return handle.Result()
}

// fakeDiscordSession records the calls made to it.
type fakeDiscordSession struct {
	mu sync.Mutex

	responds    []*discordgo.InteractionResponse
	edits       []*discordgo.WebhookEdit
	messages    []fakeMessage
	roleAdds    []string
	roleRemoves []string
	timeouts    []string
	statuses    []string
	overwrites  [][]*discordgo.ApplicationCommand
	handlers    map[int]any
	nextHandler int
	opened      bool
	closed      bool
	httpClient  *http.Client

	respondErr error
	roleErr    error
}

type fakeMessage struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference

	// the session method used to send it
	Method string
}

func newFakeDiscordSession() *fakeDiscordSession {
	return &fakeDiscordSession{handlers: map[int]any{}}
}

func (f *fakeDiscordSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeDiscordSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, fakeMessage{ChannelID: channelID, Content: message, Method: "send"})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (f *fakeDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(
		f.messages,
		fakeMessage{
			ChannelID: channelID,
			Content:   data.Content,
			Reference: data.Reference,
			Method:    "complex",
		},
	)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func (f *fakeDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(
		f.messages,
		fakeMessage{ChannelID: channelID, Content: content, Reference: reference, Method: "reply"},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overwrites = append(f.overwrites, commands)
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for i, cmd := range commands {
		c := *cmd
		c.ID = fmt.Sprintf("%d", i+1)
		created = append(created, &c)
	}
	return created, nil
}

func (f *fakeDiscordSession) UpdateCustomStatus(status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDiscordSession) addHandler(handler any) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeDiscordSession) AddHandler(handler any) func() {
	return f.addHandler(handler)
}

func (f *fakeDiscordSession) AddHandlerOnce(handler any) func() {
	return f.addHandler(handler)
}

func (f *fakeDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respondErr != nil {
		return f.respondErr
	}
	f.responds = append(f.responds, resp)
	return nil
}

func (f *fakeDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, newresp)
	msg := &discordgo.Message{}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (f *fakeDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleErr != nil {
		return f.roleErr
	}
	f.roleAdds = append(f.roleAdds, strings.Join([]string{guildID, userID, roleID}, ":"))
	return nil
}

func (f *fakeDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleErr != nil {
		return f.roleErr
	}
	f.roleRemoves = append(f.roleRemoves, strings.Join([]string{guildID, userID, roleID}, ":"))
	return nil
}

func (f *fakeDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if until == nil {
		return errors.New("missing timeout")
	}
	f.timeouts = append(f.timeouts, guildID+":"+userID)
	return nil
}

func (f *fakeDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (f *fakeDiscordSession) SetHTTPClient(client *http.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.httpClient = client
}

func (f *fakeDiscordSession) editContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	contents := make([]string, 0, len(f.edits))
	for _, e := range f.edits {
		if e.Content != nil {
			contents = append(contents, *e.Content)
		}
	}
	return contents
}

func (f *fakeDiscordSession) sentMessages() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMessage(nil), f.messages...)
}

func (f *fakeDiscordSession) respondCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responds)
}

func (f *fakeDiscordSession) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// boundHandlers returns the handlers in the order they were added.
func (f *fakeDiscordSession) boundHandlers() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.handlers))
	for id := range f.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]any, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, f.handlers[id])
	}
	return handlers
}

type mockOpenAIClient struct {
	mock.Mock
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func (m *mockOpenAIClient) CreateImage(
	ctx context.Context,
	req openai.ImageRequest,
) (openai.ImageResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(openai.ImageResponse), args.Error(1)
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Model: DefaultOpenAIChatModel,
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 34},
	}
}

func testUser(userID string) *discordgo.User {
	return &discordgo.User{ID: userID, Username: "user_" + userID}
}

func slashInteraction(
	id string,
	userID string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        id,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild1",
			ChannelID: "channel1",
			Member:    &discordgo.Member{User: testUser(userID)},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func buttonInteraction(id string, userID string, customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        id,
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   "guild1",
			ChannelID: "channel1",
			Member:    &discordgo.Member{User: testUser(userID)},
			Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
		},
	}
}

func messageCreate(id string, userID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        id,
			ChannelID: "channel1",
			GuildID:   "guild1",
			Content:   content,
			Author:    testUser(userID),
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := hashPassword("hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	valid, err := verifyPassword(hash, "hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = verifyPassword(hash, "hunter3hunter3")
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = verifyPassword("not-a-hash", "hunter2hunter2")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "héé", truncate("hééllo", 3))
}

func TestPanicError(t *testing.T) {
	base := errors.New("boom")
	err := panicError(base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "panic: 1", panicError(1).Error())
}

func TestLoggerCtx(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	fallback := slog.Default().With("fallback", true)
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	cfg := testConfig(t)
	value := structToSlogValue(cfg.Discord)
	attrs := value.Group()

	found := map[string]string{}
	for _, attr := range attrs {
		found[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "[redacted]", found["token"])
	assert.Equal(t, cfg.Discord.ApplicationID, found["application_id"])
	assert.NotContains(t, found, "guild_id")
}

func TestGetDiscordUser(t *testing.T) {
	i := slashInteraction("1", "u1", commandPing)
	assert.Equal(t, "u1", getDiscordUser(i).ID)

	i.Member = nil
	assert.Nil(t, getDiscordUser(i))

	i.User = testUser("u2")
	assert.Equal(t, "u2", getDiscordUser(i).ID)
	assert.Nil(t, getDiscordUser(nil))
}
