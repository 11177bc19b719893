// Package llm defines the uniform interface the orchestrator uses to drive a
// streaming chat-completion back-end, with or without native tool-calling
// support.
package llm

import (
	"context"

	"github.com/voxrelay/voxrelay/internal/convo"
	"github.com/voxrelay/voxrelay/internal/toolregistry"
)

// ProgressFunc reports load/warm-up progress as a fraction in [0,1].
type ProgressFunc func(fraction float64)

// TokenFunc is invoked once per emitted text token. Tool-call portions of
// the model's output are never delivered through TokenFunc.
type TokenFunc func(token string)

// ToolCallFunc is invoked as soon as a tool call is parsed out of the
// model's output, before it has been executed.
type ToolCallFunc func(call convo.ToolCall)

// Options configures one Generate call.
type Options struct {
	// Tools is the tool list offered to the model. Ignored when the
	// back-end's SupportsTools is false. The orchestrator does not add tool
	// instructions to the system message in that case; such a back-end
	// learns about tools only from whatever the configured system prompt says.
	Tools []toolregistry.ToolDefinition

	// OnToken streams text tokens as they're produced. May be nil.
	OnToken TokenFunc

	// OnToolCall fires per parsed tool call, before execution. May be nil.
	OnToolCall ToolCallFunc

	// ConversationID is passed through for back-ends that key
	// server-side state (e.g. prompt caches) by conversation.
	ConversationID string
}

// GenerateResult is the outcome of one Generate call.
type GenerateResult struct {
	Content      string
	ToolCalls    []convo.ToolCall
	FinishReason string // "stop" | "tool_calls"
}

// Pipeline is the contract every LLM back-end adapter implements.
type Pipeline interface {
	// Initialize loads models/weights and performs any warm-up. progressCb
	// may be nil. Initialize is called once at process startup.
	Initialize(ctx context.Context, progressCb ProgressFunc) error

	// Generate drives one completion over the given message history.
	Generate(ctx context.Context, messages []convo.Message, opts Options) (GenerateResult, error)

	// IsReady reports whether Initialize has completed successfully.
	IsReady() bool

	// SupportsTools reports whether this back-end accepts a native tool
	// list. Default false for back-ends that never call anything but the
	// zero value.
	SupportsTools() bool
}
