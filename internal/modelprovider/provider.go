// Package modelprovider declares the provider-agnostic model invocation
// contract that the agent runtime adapter (C3) drives, and the request/
// response/chunk shapes its concrete providers (anthropic, openai, bedrock)
// translate to and from their own wire formats.
package modelprovider

import (
	"context"
	"errors"

	"github.com/fieldlab/missionctl/internal/model"
)

// ModelClass selects a model family when Request.Model is not set directly.
type ModelClass string

const (
	// ModelClassDefault selects the provider's configured default model.
	ModelClassDefault ModelClass = "default"
	// ModelClassHighReasoning selects a high-reasoning model family.
	ModelClassHighReasoning ModelClass = "high-reasoning"
	// ModelClassSmall selects a small/cheap model family.
	ModelClassSmall ModelClass = "small"
)

// ToolChoiceMode constrains how a provider may use the tools offered in a
// Request.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice is an optional Request field constraining tool usage.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // required when Mode == ToolChoiceTool
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any // JSON-Schema document, marshaled by the provider adapter
}

// Thinking requests extended/reasoning output when the provider supports it.
type Thinking struct {
	Enable       bool
	BudgetTokens int
}

// Request is the provider-agnostic invocation payload for a single model
// turn.
type Request struct {
	ModelClass  ModelClass
	Model       string // explicit model identifier; takes precedence over ModelClass
	Messages    []model.Message
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	MaxTokens   int
	Temperature float64
	Thinking    *Thinking
}

// TokenUsage reports provider-side token accounting for billing/telemetry.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is a completed, non-streaming model turn.
type Response struct {
	Message    model.Message
	Usage      TokenUsage
	StopReason string
}

// ChunkType identifies the kind of a streaming Chunk.
type ChunkType string

const (
	ChunkTypeContentDelta ChunkType = "content_delta"
	ChunkTypeToolCall     ChunkType = "tool_call"
	ChunkTypeUsage        ChunkType = "usage"
)

// Chunk is one increment of a streaming model turn.
type Chunk struct {
	Type         ChunkType
	ContentDelta string
	ToolCall     *model.ToolCall
	UsageDelta   *TokenUsage
	StopReason   string
}

// Streamer delivers incremental model output. Callers drain Recv until it
// returns io.EOF (or another terminal error), then call Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the provider-agnostic model client that every modelprovider
// implementation (anthropic, openai, bedrock) satisfies.
type Client interface {
	// Complete performs a non-streaming model invocation.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming model invocation when the provider
	// supports it; returns ErrStreamingUnsupported otherwise.
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// ErrStreamingUnsupported indicates the provider does not support streaming.
var ErrStreamingUnsupported = errors.New("modelprovider: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting after exhausting any configured retries. Callers should treat
// this as a transient infrastructure failure, not a programming error.
var ErrRateLimited = errors.New("modelprovider: rate limited")
