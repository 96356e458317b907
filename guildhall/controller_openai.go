package guildhall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"time"
)

const (
	controllerNameOpenAI = "openai"
	aiPromptMaxLength    = 1500
)

type AITaskType string

const (
	AITaskChat  AITaskType = "chat"
	AITaskImage AITaskType = "image"
	AITaskCode  AITaskType = "code"
)

// AITask is a request to the OpenAI plugin.
type AITask struct {
	Type   AITaskType `json:"type"`
	Prompt string     `json:"prompt"`
	UserID string     `json:"user_id"`
}

// AIResponse is the result of an AITask.
type AIResponse struct {
	Type             AITaskType `json:"type"`
	Model            string     `json:"model"`
	Content          string     `json:"content,omitempty"`
	ImageURL         string     `json:"image_url,omitempty"`
	RevisedPrompt    string     `json:"revised_prompt,omitempty"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
}

// Reply returns the response as a discord reply.
func (r *AIResponse) Reply() *CommandReply {
	if r.Type == AITaskImage {
		embed := &discordgo.MessageEmbed{
			Image:       &discordgo.MessageEmbedImage{URL: r.ImageURL},
			Description: truncate(r.RevisedPrompt, 4096),
		}
		return &CommandReply{Embeds: []*discordgo.MessageEmbed{embed}}
	}
	return &CommandReply{Content: r.Content}
}

// OpenAIRequestLog records each request made to the OpenAI API.
//
//nolint:lll // struct tags can't be split
type OpenAIRequestLog struct {
	ModelUintID
	ModelUnixTime
	JobID          string     `json:"job_id" gorm:"size:191;index"`
	TaskType       AITaskType `json:"task_type" gorm:"size:16"`
	UserID         string     `json:"user_id" gorm:"size:32;index"`
	Model          string     `json:"model" gorm:"size:64"`
	RequestStarted int64      `json:"request_started"`
	RequestEnded   int64      `json:"request_ended"`
	RequestBody    string     `json:"request_payload" gorm:"type:text"`
	ResponseBody   string     `json:"response_payload" gorm:"type:text"`
	Error          string     `json:"error" gorm:"type:text"`
}

// OpenAIClient defines the OpenAI API methods used by the plugin.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)

	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (response openai.ImageResponse, err error)
}

// newOpenAIClient returns a go-openai client for the configured token.
func newOpenAIClient(config *OpenAIConfig, httpClient *http.Client) *openai.Client {
	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// OpenAIController runs AI plugin requests through a queue, so they
// get timeouts, retries and rate limiting.
type OpenAIController struct {
	*TaskController[AITask]
	client         OpenAIClient
	config         *OpenAIConfig
	db             DBI
	requestLimiter *rate.Limiter
	aiLogger       *slog.Logger
}

func NewOpenAIController(
	config ControllerConfig,
	backend *QueueBackend,
	metrics *Metrics,
	logger *slog.Logger,
	client OpenAIClient,
	openaiConfig *OpenAIConfig,
	db DBI,
) *OpenAIController {
	if logger == nil {
		logger = slog.Default()
	}
	rps := openaiConfig.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultOpenAIMaxRequestsPerSecond
	}
	c := &OpenAIController{
		client:         client,
		config:         openaiConfig,
		db:             db,
		requestLimiter: rate.NewLimiter(rate.Limit(rps), 1),
		aiLogger:       logger.With(loggerNameKey, "openai"),
	}
	c.TaskController = newTaskController(
		controllerNameOpenAI,
		config,
		backend,
		metrics,
		logger,
		c.run,
	)
	return c
}

// AddTask queues an AI request, returning its job ID and handle.
func (c *OpenAIController) AddTask(ctx context.Context, task AITask) (string, *JobHandle, error) {
	switch task.Type {
	case AITaskChat, AITaskImage, AITaskCode:
	default:
		return "", nil, fmt.Errorf("unknown AI task type: %q", task.Type)
	}
	if task.Prompt == "" {
		return "", nil, errors.New("empty prompt")
	}
	task.Prompt = truncate(task.Prompt, aiPromptMaxLength)
	id := fmt.Sprintf("openai:%s:%s", task.Type, uuid.NewString())
	handle, err := c.enqueue(ctx, id, task, time.Time{})
	return id, handle, err
}

func (c *OpenAIController) run(ctx context.Context, id string, task AITask) (any, error) {
	if err := c.requestLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("error waiting on request limiter: %w", err)
	}
	_ = ReportProgress(ctx, 10)

	switch task.Type {
	case AITaskChat:
		return c.chat(ctx, id, task, c.config.ChatModel, c.config.ChatSystemPrompt)
	case AITaskCode:
		return c.chat(ctx, id, task, c.config.CodeModel, c.config.CodeSystemPrompt)
	case AITaskImage:
		return c.image(ctx, id, task)
	default:
		return nil, fmt.Errorf("unknown AI task type: %q", task.Type)
	}
}

func (c *OpenAIController) chat(
	ctx context.Context,
	id string,
	task AITask,
	model string,
	systemPrompt string,
) (*AIResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
		)
	}
	messages = append(
		messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: task.Prompt,
		},
	)
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.config.MaxTokens,
		User:      task.UserID,
	}

	entry := c.newRequestLog(id, task, model, req)
	resp, err := c.client.CreateChatCompletion(ctx, req)
	c.saveRequestLog(ctx, entry, resp, err)
	if err != nil {
		return nil, fmt.Errorf("error creating chat completion: %w", err)
	}
	_ = ReportProgress(ctx, 90)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errors.New("no content in chat completion")
	}
	return &AIResponse{
		Type:             task.Type,
		Model:            resp.Model,
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (c *OpenAIController) image(ctx context.Context, id string, task AITask) (*AIResponse, error) {
	req := openai.ImageRequest{
		Prompt:         task.Prompt,
		Model:          c.config.ImageModel,
		N:              1,
		Size:           c.config.ImageSize,
		ResponseFormat: openai.CreateImageResponseFormatURL,
		User:           task.UserID,
	}

	entry := c.newRequestLog(id, task, c.config.ImageModel, req)
	resp, err := c.client.CreateImage(ctx, req)
	c.saveRequestLog(ctx, entry, resp, err)
	if err != nil {
		return nil, fmt.Errorf("error creating image: %w", err)
	}
	_ = ReportProgress(ctx, 90)

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, errors.New("no image in response")
	}
	return &AIResponse{
		Type:          task.Type,
		Model:         c.config.ImageModel,
		ImageURL:      resp.Data[0].URL,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil
}

func (c *OpenAIController) newRequestLog(id string, task AITask, model string, req any) *OpenAIRequestLog {
	entry := &OpenAIRequestLog{
		JobID:          id,
		TaskType:       task.Type,
		UserID:         task.UserID,
		Model:          model,
		RequestStarted: time.Now().UnixMilli(),
	}
	if body, err := json.Marshal(req); err == nil {
		entry.RequestBody = string(body)
	}
	return entry
}

func (c *OpenAIController) saveRequestLog(
	ctx context.Context,
	entry *OpenAIRequestLog,
	resp any,
	err error,
) {
	entry.RequestEnded = time.Now().UnixMilli()
	if err != nil {
		entry.Error = err.Error()
		c.aiLogger.ErrorContext(ctx, "openai request failed", "job_id", entry.JobID, tint.Err(err))
	} else if body, marshalErr := json.Marshal(resp); marshalErr == nil {
		entry.ResponseBody = string(body)
	}
	if c.db == nil {
		return
	}
	if _, dbErr := c.db.Create(context.WithoutCancel(ctx), entry); dbErr != nil {
		c.aiLogger.ErrorContext(ctx, "error saving openai request log", tint.Err(dbErr))
	}
}
