// Package gantry provides an LLM gateway built around a phased plugin
// pipeline. Requests flow through beforeModel plugins, out to a provider
// adapter, back through afterModel (or onModelError) plugins, and finally
// through detachedAfterResponse plugins that run off the request path.
// Streaming responses additionally pass every chunk through afterChunk
// plugins, which can hold, merge, or suppress chunks before the client
// sees them.
//
// Gantry can be used in two modes:
//   - Library mode: embed a Gateway in your Go application
//   - Server mode: run cmd/gantry as a standalone HTTP proxy
//
// Basic usage:
//
//	gw, err := gantry.New(
//	    gantry.WithProvider(gantry.ProviderConfig{
//	        Name:   "openai",
//	        Type:   "openai",
//	        APIKey: os.Getenv("OPENAI_API_KEY"),
//	        Models: []string{"gpt-4o", "gpt-4o-mini"},
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Shutdown(context.Background())
//
//	resp, err := gw.ChatCompletion(ctx, &gantry.ChatRequest{
//	    Model: "gpt-4o",
//	    Messages: []gantry.ChatMessage{
//	        {Role: "user", Content: json.RawMessage(`"Hello!"`)},
//	    },
//	})
package gantry

import (
	"github.com/gantry-llm/gantry/internal/identity"
	"github.com/gantry-llm/gantry/internal/pipeline"
	"github.com/gantry-llm/gantry/internal/plugin"
	"github.com/gantry-llm/gantry/internal/provider"
	"github.com/gantry-llm/gantry/internal/telemetry"
	"github.com/gantry-llm/gantry/pkg/errors"
	"github.com/gantry-llm/gantry/pkg/types"
)

// Version is the current version of Gantry.
const Version = "0.1.0"

// Re-export core request/response types for convenience.
// Users can use gantry.ChatRequest instead of types.ChatRequest.
type (
	// ChatRequest represents an OpenAI-compatible chat completion request.
	ChatRequest = types.ChatRequest

	// ChatResponse represents an OpenAI-compatible chat completion response.
	ChatResponse = types.ChatResponse

	// ChatMessage represents a single message in the conversation.
	ChatMessage = types.ChatMessage

	// StreamChunk represents a single chunk in a streaming response.
	StreamChunk = types.StreamChunk

	// Tool represents a function that the model can call.
	Tool = types.Tool

	// ToolCall represents a function call made by the model.
	ToolCall = types.ToolCall

	// ToolFunction describes a callable function.
	ToolFunction = types.ToolFunction

	// ToolCallFunction contains the function name and arguments.
	ToolCallFunction = types.ToolCallFunction

	// Usage contains token usage statistics for the request.
	Usage = types.Usage

	// Choice represents a single completion choice.
	Choice = types.Choice

	// StreamChoice represents a choice in a streaming response.
	StreamChoice = types.StreamChoice

	// StreamDelta contains the incremental content in a stream chunk.
	StreamDelta = types.StreamDelta

	// ResponseFormat specifies the output format for the model.
	ResponseFormat = types.ResponseFormat
)

// Re-export provider types.
type (
	// ProviderAdapter translates canonical requests to a provider's wire
	// format and back.
	ProviderAdapter = provider.Adapter

	// ProviderConfig contains provider-specific configuration.
	ProviderConfig = provider.Config

	// ProviderFactory creates adapter instances from configuration.
	ProviderFactory = provider.Factory
)

// Re-export plugin types. Plugins implement Plugin plus one or more of the
// phase hook interfaces (BeforeModelHook, AfterChunkHook, ...).
type (
	// Plugin is the base interface every pipeline plugin implements.
	Plugin = plugin.Plugin

	// PluginConfig configures one plugin instance in the pipeline.
	PluginConfig = plugin.Config

	// PluginResult is a plugin hook's verdict: success or failure plus
	// the flow-control flags.
	PluginResult = plugin.Result

	// RequestContext carries one request's state through the pipeline.
	RequestContext = plugin.RequestContext

	// Identity describes the authenticated caller of a request.
	Identity = plugin.Identity

	// Phase names a pipeline phase.
	Phase = plugin.Phase

	// ChunkBuffer holds stream chunks withheld from the client.
	ChunkBuffer = plugin.ChunkBuffer
)

// Re-export pipeline phases.
const (
	PhaseBeforeModel           = plugin.PhaseBeforeModel
	PhaseOnModelError          = plugin.PhaseOnModelError
	PhaseAfterModel            = plugin.PhaseAfterModel
	PhaseAfterChunk            = plugin.PhaseAfterChunk
	PhaseDetachedAfterResponse = plugin.PhaseDetachedAfterResponse
)

// Re-export error types.
type (
	// GatewayError is the standardized error carried through the pipeline.
	GatewayError = errors.GatewayError
)

// Re-export error factory functions.
var (
	NewValidationError      = errors.NewValidationError
	NewProviderError        = errors.NewProviderError
	NewPipelineAbortedError = errors.NewPipelineAbortedError
	IsRetryable             = errors.IsRetryable
)

// StreamSink receives chunks released by the pipeline during a streamed
// request.
type StreamSink = pipeline.Sink

// IdentityValidator checks caller credentials for the auth plugin.
type IdentityValidator = identity.Validator

// TelemetrySink receives conversation records from detached telemetry.
type TelemetrySink = telemetry.Sink

// ConversationRecord is the per-request telemetry record.
type ConversationRecord = telemetry.ConversationRecord
